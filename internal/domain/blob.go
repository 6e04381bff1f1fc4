package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// URL returns the stable location recorded for an object written at path.
	URL(path string) string
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	// PathFromURL reverses BlobWriter.URL; ok is false for foreign URLs.
	PathFromURL(url string) (path string, ok bool)
}
