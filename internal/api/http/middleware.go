// Package http exposes the engine's ingest, query, and admin surfaces over
// plain HTTP with JSON bodies.
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"

	engineerrors "github.com/skylarkdb/skylark/internal/errors"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDMiddleware assigns a request ID to every request, honoring an
// X-Request-ID header when the client supplies one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware converts handler panics into 500 responses instead of
// tearing down the connection.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				requestID := GetRequestID(r.Context())
				log.Printf("server: panic handling %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal server error", requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ContentTypeMiddleware rejects mutating requests whose body is not JSON.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if ct != "" && ct != "application/json" && ct != "application/json; charset=utf-8" {
				writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json", GetRequestID(r.Context()))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ChainMiddleware composes middlewares so the first listed runs outermost.
func ChainMiddleware(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// DefaultMiddleware is the standard stack for every handler.
func DefaultMiddleware(h http.Handler) http.Handler {
	return ChainMiddleware(h, RequestIDMiddleware, RecoveryMiddleware, ContentTypeMiddleware)
}

// GetRequestID returns the request ID stored by RequestIDMiddleware, or ""
// when the context carries none.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ErrorResponse is the JSON body for every error status.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, requestID string) {
	writeJSON(w, status, ErrorResponse{Error: message, RequestID: requestID})
}

// writeEngineError maps an engine error onto an HTTP status and emits the
// structured error body, so clients can key off the stable code rather than
// the message text.
func writeEngineError(w http.ResponseWriter, err error, requestID string) {
	code := engineerrors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case engineerrors.CodeMalformedRecord, engineerrors.CodeSchemaIncompatible, engineerrors.CodeUnsupportedScan:
		status = http.StatusBadRequest
	case engineerrors.CodeQueueFull:
		status = http.StatusTooManyRequests
	case engineerrors.CodeTenantUnavailable:
		status = http.StatusServiceUnavailable
	case engineerrors.CodeObjectNotFound:
		status = http.StatusNotFound
	case engineerrors.CodeExecutionTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		Retryable: engineerrors.IsRetryable(err),
		RequestID: requestID,
	})
}
