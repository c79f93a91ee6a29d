package graph

import (
	"context"
	"errors"
)

// ErrNotFound is returned by reads for absent nodes.
var ErrNotFound = errors.New("graph: node not found")

// Store is the backend contract. PostgresStore is the primary backend,
// SpannerStore the managed alternative, MemoryStore serves tests and
// degraded local runs.
type Store interface {
	// Upsert merges the node by primary key, applies the guard, and
	// creates the declared relationships. Idempotent.
	Upsert(ctx context.Context, u Upsert) error

	// GetNode fetches a single node by id.
	GetNode(ctx context.Context, id string) (*Node, error)

	// QueryNodes returns nodes carrying the label whose props match the
	// equality filter.
	QueryNodes(ctx context.Context, label string, filter Filter) ([]Node, error)

	// Relations returns outgoing edges of the given type from src.
	Relations(ctx context.Context, srcID, relType string) ([]Rel, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
