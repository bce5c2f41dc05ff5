// Package storage provides object storage abstractions for tenant table data.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrDownloadFailed     = errors.New("download failed")
	ErrDeleteFailed       = errors.New("delete failed")
)

// ObjectStorage abstracts cloud object storage operations.
// Implementations include S3 and local filesystem for testing.
type ObjectStorage interface {
	// Upload uploads a local file to object storage.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads using multipart for large files.
	// Returns the ETag of the uploaded object for validation.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download downloads an object to a local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// PutBytes writes a small object from memory.
	PutBytes(ctx context.Context, objectPath string, data []byte) error

	// GetBytes reads a small object into memory.
	// Returns ErrObjectNotFound if the object does not exist.
	GetBytes(ctx context.Context, objectPath string) ([]byte, error)

	// PutBytesIfAbsent writes a small object only if no object exists at
	// objectPath. Returns ErrPreconditionFailed when one does. This is the
	// primitive the table log's optimistic concurrency is built on: two
	// writers racing on the same log entry key, exactly one wins.
	PutBytesIfAbsent(ctx context.Context, objectPath string, data []byte) error

	// Delete removes an object from storage. Idempotent.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	// Used by the table log to discover entries and by vacuum to detect
	// orphaned objects.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
	// Concurrency is the number of concurrent part uploads (default: 5).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024, // 5MB
		Concurrency: 5,
	}
}
