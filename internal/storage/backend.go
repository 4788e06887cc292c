// Package storage defines the Backend interface for mod archive
// storage. Mod archives are immutable blobs addressed by filename, so
// they can live on an object store; resource packs and worlds stay on
// the local filesystem because their sync protocol depends on
// modification times.
package storage

import (
	"context"
	"io"
)

// Backend is the interface for mod archive storage backends.
type Backend interface {
	// GetObject retrieves an object by key.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing objects are not
	// an error.
	DeleteObject(ctx context.Context, key string) error

	// ListObjects returns the keys directly under prefix, relative to
	// it. Nested keys are not descended into.
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
