package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/skylarkdb/skylark/internal/registry"
)

// RegisterProjectRequest declares a tenant, optionally with dedicated
// object-storage settings. Credentials are write-only: they are never echoed
// back by any endpoint.
type RegisterProjectRequest struct {
	ProjectID       string `json:"project_id"`
	Bucket          string `json:"bucket,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// RegisterProjectResponse confirms the registration.
type RegisterProjectResponse struct {
	ProjectID string `json:"project_id"`
	RequestID string `json:"request_id"`
}

// ProjectsResponse lists the registered and resolved projects.
type ProjectsResponse struct {
	Projects  []string `json:"projects"`
	RequestID string   `json:"request_id"`
}

// ProjectsHandler handles /v1/projects: POST registers a tenant, GET lists
// the known ones.
type ProjectsHandler struct {
	registry *registry.Registry
}

// NewProjectsHandler creates a new projects handler.
func NewProjectsHandler(reg *registry.Registry) *ProjectsHandler {
	return &ProjectsHandler{registry: reg}
}

func (h *ProjectsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	switch r.Method {
	case http.MethodGet:
		projects := h.registry.Projects()
		if projects == nil {
			projects = []string{}
		}
		writeJSON(w, http.StatusOK, ProjectsResponse{Projects: projects, RequestID: requestID})

	case http.MethodPost:
		var req RegisterProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
			return
		}
		if req.ProjectID == "" {
			writeError(w, http.StatusBadRequest, "project_id is required", requestID)
			return
		}
		err := h.registry.Register(r.Context(), registry.ProjectSettings{
			ProjectID:       req.ProjectID,
			Bucket:          req.Bucket,
			Endpoint:        req.Endpoint,
			Region:          req.Region,
			AccessKeyID:     req.AccessKeyID,
			SecretAccessKey: req.SecretAccessKey,
		})
		if err != nil {
			writeError(w, http.StatusConflict, err.Error(), requestID)
			return
		}
		writeJSON(w, http.StatusCreated, RegisterProjectResponse{ProjectID: req.ProjectID, RequestID: requestID})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
	}
}
