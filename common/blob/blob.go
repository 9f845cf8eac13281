package blob

import (
	"context"
)

// Store is the blob primitive: opaque bytes under hierarchical keys.
// Keys use forward slashes regardless of driver. Implementations:
// filesystem, S3, in-memory.
type Store interface {
	// Put writes the blob, replacing any existing content.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the blob or not_found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the key holds a blob.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns keys under the prefix, lexicographically ordered.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the blob; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Health reports backend reachability.
	Health(ctx context.Context) error
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}
