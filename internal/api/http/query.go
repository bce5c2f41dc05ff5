package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/skylarkdb/skylark/internal/provider"
)

// QueryRequest is a structured scan over the unified table: a projection,
// conjunctive predicates, and an optional row limit.
type QueryRequest struct {
	Projection []string        `json:"projection,omitempty"`
	Predicates []PredicateSpec `json:"predicates,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

// PredicateSpec is one conjunct of the WHERE clause.
type PredicateSpec struct {
	Column string      `json:"column"`
	Op     string      `json:"op"`
	Value  interface{} `json:"value"`
}

// QueryResponse carries the result rows plus per-tenant warnings for the
// parts of the union that could not be scanned.
type QueryResponse struct {
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	Warnings  []string        `json:"warnings,omitempty"`
	Stats     QueryStats      `json:"stats"`
	RequestID string          `json:"request_id"`
}

// QueryStats contains execution statistics.
type QueryStats struct {
	RowCount        int   `json:"row_count"`
	ExecutionTimeMs int64 `json:"execution_time_ms"`
}

// QueryHandler handles POST /v1/query requests.
type QueryHandler struct {
	relation provider.Relation
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(relation provider.Relation) *QueryHandler {
	return &QueryHandler{relation: relation}
}

func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	spec := provider.ScanSpec{
		Projection: req.Projection,
		Limit:      req.Limit,
	}
	for _, p := range req.Predicates {
		pred := provider.Predicate{Column: p.Column, Op: p.Op, Value: p.Value}
		if h.relation.SupportsPredicate(pred) == provider.PushdownUnsupported {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("unsupported predicate: %s %s", p.Column, p.Op), requestID)
			return
		}
		spec.Predicates = append(spec.Predicates, pred)
	}

	start := time.Now()
	cursor, err := h.relation.Scan(r.Context(), spec)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	defer cursor.Close()

	rows := [][]interface{}{}
	for {
		row, err := cursor.Next()
		if err != nil {
			writeEngineError(w, err, requestID)
			return
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}

	writeJSON(w, http.StatusOK, QueryResponse{
		Columns:  cursor.Columns(),
		Rows:     rows,
		Warnings: cursor.Warnings(),
		Stats: QueryStats{
			RowCount:        len(rows),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		},
		RequestID: requestID,
	})
}
