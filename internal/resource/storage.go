package resource

import (
	"context"
	"io"
	"time"
)

// StorageDriver defines how staged task resources and archived outputs reach
// their binary storage backend.
type StorageDriver interface {
	// Save writes the content under the given key, replacing any previous
	// content.
	Save(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get returns a ReadCloser streaming the content back, plus its content
	// type.
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)

	// Delete removes the content. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// GenerateURL returns a URL under which providers can fetch the content.
	GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error)
}
