// Package storage provides the file backend behind upload collections: a
// small driver contract with S3 and filesystem implementations, plus signed
// URLs and preview tokens.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object without its body.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified,omitzero"`
}

// Storage is the driver contract. Keys are slash-separated paths; drivers
// reject traversal outside their root.
type Storage interface {
	// Put stores the body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get opens an object for reading. The caller closes the body.
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)

	// Head returns metadata without the body.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes an object; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the objects under a key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
