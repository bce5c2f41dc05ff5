package http

import (
	"net/http"

	"github.com/skylarkdb/skylark/internal/registry"
)

// BufferStats is the slice of the ingest buffer the health endpoint reports.
type BufferStats interface {
	LiveBytes() int64
	Pending(projectID string) int
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status         string         `json:"status"`
	BufferedBytes  int64          `json:"buffered_bytes"`
	PendingRecords map[string]int `json:"pending_records,omitempty"`
}

// HealthHandler handles GET /healthz requests.
type HealthHandler struct {
	buffer   BufferStats
	registry *registry.Registry
}

// NewHealthHandler creates a new health handler. Either dependency may be
// nil for processes that run without that component.
func NewHealthHandler(buffer BufferStats, reg *registry.Registry) *HealthHandler {
	return &HealthHandler{buffer: buffer, registry: reg}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.buffer != nil {
		resp.BufferedBytes = h.buffer.LiveBytes()
		if h.registry != nil {
			pending := make(map[string]int)
			for _, p := range h.registry.Projects() {
				if n := h.buffer.Pending(p); n > 0 {
					pending[p] = n
				}
			}
			if len(pending) > 0 {
				resp.PendingRecords = pending
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
