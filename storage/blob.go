// Package storage implements the content-addressed blob store that backs
// crate documentation archives: an S3-compatible backend for production and
// an in-memory backend for tests, both behind the Blobs interface.
package storage

import (
	"context"
	"io"
)

// ObjectInfo describes a stored object without its content.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string // content-hash based, not necessarily the backend's native ETag
	LastModified int64  // unix seconds
}

// Blobs is the Blob Store (C1) contract. Every object is addressed by a flat
// key; range reads support the Archive Engine's sidecar-index lookups without
// downloading whole archives.
type Blobs interface {
	// Put uploads content under key, returning the content-hash ETag.
	Put(ctx context.Context, key string, body io.Reader, size int64) (etag string, err error)

	// PutBatch uploads several objects concurrently, bounded by an internal
	// concurrency limit, and reports a result per input regardless of
	// individual failures.
	PutBatch(ctx context.Context, items []PutRequest) []PutResult

	// Get retrieves the full object.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// GetRange retrieves [offset, offset+length) of the object, used by the
	// Archive Engine to fetch a single file out of a ZIP archive without
	// downloading the whole thing.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Exists reports whether key is present, without transferring its body.
	Exists(ctx context.Context, key string) (bool, error)

	// ListPrefix lists object keys sharing a prefix, used for invalidation
	// reconciliation and administrative cleanup.
	ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// DeletePrefix removes every object sharing a prefix, e.g. to yank a
	// release's entire archive tree.
	DeletePrefix(ctx context.Context, prefix string) error
}

// PutRequest is one item of a PutBatch call.
type PutRequest struct {
	Key  string
	Body io.Reader
	Size int64
}

// PutResult reports the outcome of one PutRequest.
type PutResult struct {
	Key     string
	ETag    string
	Success bool
	Err     error
}
