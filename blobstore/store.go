// Package blobstore abstracts where persisted leaf filters live.
//
// Leaf filters are small immutable blobs written once at the end of an
// index build and read back on reload. The default backend is the local
// file system next to the segment files; S3 and MinIO backends exist for
// deployments whose segment stores are remote.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blobstore: blob not found")

// BlobStore stores small immutable blobs under flat string names.
//
// Implementations must be safe for concurrent use; the per-column index
// builds persist their leaf filters concurrently.
type BlobStore interface {
	// Put writes a blob, replacing any existing blob of the same name.
	// The write is atomic: readers never observe partial content.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads a whole blob. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of blobs starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
