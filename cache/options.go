package cache

import (
	"context"

	"github.com/IvanBrykalov/dbcache/entry"
)

// Backend is the storage a Store talks to. *cluster.Cluster implements it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetAll(ctx context.Context, entries []entry.Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	DeleteMulti(ctx context.Context, keys []string) (int, error)
	Increment(ctx context.Context, key string, amount int64) (int64, error)
}

// Metrics exposes cache-level observability hooks.
type Metrics interface {
	Hit()
	Miss()
	// Evict reports an entry dropped from a local cache to stay in bounds.
	Evict()
}

// Options configures a Store. Zero values are safe; defaults are applied
// in New():
//   - empty Namespace => keys are stored as given
//   - nil Metrics     => NoopMetrics
type Options struct {
	// Namespace prefixes every key as "namespace:name".
	Namespace string

	Metrics Metrics
}
