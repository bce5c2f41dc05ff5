// Package errors provides structured error types for the Skylark engine.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryTenant     ErrorCategory = "TENANT"
	ErrCategoryQueue      ErrorCategory = "QUEUE"
	ErrCategoryCommit     ErrorCategory = "COMMIT"
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Tenant codes
	CodeTenantUnavailable = "TENANT_UNAVAILABLE"

	// Queue codes
	CodeQueueFull       = "QUEUE_FULL"
	CodeMalformedRecord = "MALFORMED_RECORD"

	// Commit codes
	CodeCommitConflict     = "COMMIT_CONFLICT"
	CodeSchemaIncompatible = "SCHEMA_INCOMPATIBLE"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Query codes
	CodeScanFailed       = "SCAN_FAILED"
	CodeUnsupportedScan  = "UNSUPPORTED_SCAN"
	CodeExecutionTimeout = "EXECUTION_TIMEOUT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// EngineError is the structured error type used throughout the system.
type EngineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new EngineError.
func New(category ErrorCategory, code, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new EngineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *EngineError) WithDetails(details map[string]interface{}) *EngineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCategory(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable.
// Data-shape errors and misconfiguration are never retried; transient
// storage failures and lost commit races are.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryCommit && code == CodeCommitConflict:
		return true
	case category == ErrCategoryQueue && code == CodeQueueFull:
		return true
	case category == ErrCategoryQuery && code == CodeExecutionTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewTenantUnavailable(projectID string, cause error) *EngineError {
	return Wrap(ErrCategoryTenant, CodeTenantUnavailable,
		fmt.Sprintf("tenant %q storage is unreachable or misconfigured", projectID), cause)
}

func NewQueueFull(message string) *EngineError {
	return New(ErrCategoryQueue, CodeQueueFull, message)
}

func NewMalformedRecord(message string, cause error) *EngineError {
	return Wrap(ErrCategoryQueue, CodeMalformedRecord, message, cause)
}

func NewCommitConflict(projectID string, attempts int) *EngineError {
	return New(ErrCategoryCommit, CodeCommitConflict,
		fmt.Sprintf("tenant %q commit lost the version race after %d attempts", projectID, attempts))
}

func NewSchemaIncompatible(message string, cause error) *EngineError {
	return Wrap(ErrCategoryCommit, CodeSchemaIncompatible, message, cause)
}

func NewStorageError(code, message string, cause error) *EngineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewQueryError(code, message string) *EngineError {
	return New(ErrCategoryQuery, code, message)
}

func NewInternalError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
