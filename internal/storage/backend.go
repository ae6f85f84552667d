// Package storage defines the Backend interface for the persisted page
// cache and builds the configured implementation.
package storage

import (
	"context"
	"io"
)

// Backend is the interface for persisted cache storage.
// Implementations handle raw object I/O (local filesystem, S3).
// Missing objects are reported with errors matching fs.ErrNotExist.
type Backend interface {
	// GetObject retrieves a whole object by key.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// PutObject uploads content to the given key, replacing any previous object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// ListObjects returns the keys of all stored objects.
	ListObjects(ctx context.Context) ([]string, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
