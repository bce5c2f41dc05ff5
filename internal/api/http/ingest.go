package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/skylarkdb/skylark/pkg/types"
)

// Enqueuer is the slice of the ingest buffer the handler needs.
type Enqueuer interface {
	Enqueue(projectID string, record types.Record) (uint64, error)
}

// IngestRequest carries a batch of telemetry records, possibly spanning
// multiple projects.
type IngestRequest struct {
	Records []types.Record `json:"records"`
}

// IngestResponse reports how many records were durably buffered.
type IngestResponse struct {
	Accepted  int    `json:"accepted"`
	RequestID string `json:"request_id"`
}

// IngestHandler handles POST /v1/ingest requests.
type IngestHandler struct {
	queue Enqueuer
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(queue Enqueuer) *IngestHandler {
	return &IngestHandler{queue: queue}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records is required", requestID)
		return
	}

	// Validate everything before buffering anything, so a bad record cannot
	// leave the batch half-accepted.
	for i := range req.Records {
		if req.Records[i].ID == "" {
			req.Records[i].ID = uuid.New().String()
		}
		if err := req.Records[i].Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err), requestID)
			return
		}
	}

	accepted := 0
	for i := range req.Records {
		if _, err := h.queue.Enqueue(req.Records[i].ProjectID, req.Records[i]); err != nil {
			// Records already buffered stay buffered; the client retries the
			// remainder. Redelivered rows keep their IDs and compact away.
			writeEngineError(w, fmt.Errorf("record %d (accepted %d): %w", i, accepted, err), requestID)
			return
		}
		accepted++
	}

	writeJSON(w, http.StatusOK, IngestResponse{Accepted: accepted, RequestID: requestID})
}
