package records

import (
	"context"
	"time"
)

// Record is an opaque versioned document in a partition. Revisions make
// compare-and-swap updates possible on every backing store.
type Record struct {
	Partition string
	Key       string
	Doc       []byte
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the keyed-record primitive. Implementations: postgres,
// dynamodb, in-memory.
type Store interface {
	// Put inserts a new record at revision 1; conflict if the key exists.
	Put(ctx context.Context, partition, key string, doc []byte) error

	// Get returns the record or not_found.
	Get(ctx context.Context, partition, key string) (*Record, error)

	// Update replaces the document iff the stored revision matches
	// expectedRevision, returning the new revision; conflict otherwise.
	Update(ctx context.Context, partition, key string, doc []byte, expectedRevision int64) (int64, error)

	// List returns up to limit records in a partition, most recently
	// updated first.
	List(ctx context.Context, partition string, limit int) ([]*Record, error)

	// Partitions lists the known partitions (used by maintenance sweeps).
	Partitions(ctx context.Context) ([]string, error)

	// Health reports backend reachability.
	Health(ctx context.Context) error
}
