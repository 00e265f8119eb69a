// Package blobstore abstracts where serialized snapshots live: memory, the
// local file system, or an S3-compatible object store.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a named snapshot does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound); the
// default maps to os.ErrNotExist so local-file callers behave unchanged.
var ErrNotFound = os.ErrNotExist

// Store reads and writes named snapshot blobs. Writes are atomic: a snapshot
// becomes visible under its name only once Put has returned.
type Store interface {
	// Put streams a snapshot into the store under name, replacing any
	// existing blob of that name.
	Put(ctx context.Context, name string, r io.Reader) error

	// Get opens the named snapshot for reading. The caller closes it.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes the named snapshot. Deleting a missing name is not an
	// error.
	Delete(ctx context.Context, name string) error

	// List returns the snapshot names matching prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
