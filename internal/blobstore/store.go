// Package blobstore provides the object-store contract used by the engine:
// prefix listing, streamed reads/writes, append-style staging blobs, and
// signed read URLs. All canonical audience data lives behind this interface.
package blobstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store abstracts the audience object store.
type Store interface {
	// List returns all objects under the given prefix, recursively.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// ListPrefixes returns the immediate sub-prefixes ("directories")
	// under the given prefix. Returned values end with "/".
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)

	// NewReader opens a streaming reader for the object.
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)

	// ReadAll reads the whole object into memory.
	ReadAll(ctx context.Context, key string) ([]byte, error)

	// Write stores the given bytes, overwriting any existing object.
	Write(ctx context.Context, key string, data []byte) error

	// NewWriter opens a streaming writer. The object becomes visible on Close.
	NewWriter(ctx context.Context, key string) (io.WriteCloser, error)

	// CreateAppend opens a staging blob that accepts repeated block appends.
	// The blob becomes visible on Seal.
	CreateAppend(ctx context.Context, key string) (AppendBlob, error)

	// Exists reports whether the object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// SignedGetURL mints a read-only URL valid for the given duration.
	SignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// URI returns the canonical URI for the given key.
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// AppendBlob is a staging blob built from sequential block appends.
type AppendBlob interface {
	// AppendBlock writes one block. Blocks larger than the configured
	// maximum are split transparently.
	AppendBlock(ctx context.Context, data []byte) error

	// AppendFrom copies everything from r in block-sized appends.
	AppendFrom(ctx context.Context, r io.Reader) error

	// Seal commits the staged blocks as the final object.
	Seal(ctx context.Context) error

	// Abort discards the staged blocks.
	Abort(ctx context.Context) error
}
