// Package blobstore implements C1 — content-addressed storage for blob-form
// Values and asset archives, keyed by the SHA-256 hex digest of their
// content (spec.md §4.1), with pluggable HTTP and S3 backends.
package blobstore

import (
	"context"
	"io"
)

// Backend is one storage tier a Store can read from or write to. The HTTP
// backend talks to the server's /blobs/{key} endpoint (grounded on
// blobs.py's Store); the S3 backend talks to a bucket directly, the way a
// self-hosted deployment would bypass the server for large assets.
type Backend interface {
	// Head reports whether key already exists, so Put can skip a redundant
	// upload — closing out blobs.py's "TODO: check whether already
	// uploaded" (SPEC_FULL.md §13).
	Head(ctx context.Context, key string) (bool, error)

	// Get streams the content stored under key. Callers must Close the
	// returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put uploads content, already known to be keyed by key (its SHA-256
	// digest). size is the content length in bytes, or -1 if unknown.
	Put(ctx context.Context, key string, content io.Reader, size int64) error
}
