package cache

import "context"

// Cache is the namespaced cache API. All methods are safe for concurrent
// use by multiple goroutines. Names are given without the namespace.
type Cache interface {
	// Read returns the value for name and whether it was present.
	Read(ctx context.Context, name string) ([]byte, bool, error)

	// ReadMulti returns the values that are present, keyed by name.
	ReadMulti(ctx context.Context, names []string) (map[string][]byte, error)

	// Write inserts or replaces name. Every write counts toward expiry.
	Write(ctx context.Context, name string, value []byte) error

	// WriteMulti writes all entries; each shard accounts for its share.
	WriteMulti(ctx context.Context, entries map[string][]byte) error

	// Delete removes name and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)

	// DeleteMulti removes names and returns how many existed.
	DeleteMulti(ctx context.Context, names []string) (int, error)

	// Increment adds amount to the integer stored at name (missing = 0)
	// and returns the new value. Decrement subtracts.
	Increment(ctx context.Context, name string, amount int64) (int64, error)
	Decrement(ctx context.Context, name string, amount int64) (int64, error)

	// Fetch returns the value for name, loading and writing it on a miss.
	// Concurrent misses for the same name share one loader call.
	Fetch(ctx context.Context, name string, load Loader) ([]byte, error)

	// Clear and Cleanup always return ErrNotSupported.
	Clear(ctx context.Context) error
	Cleanup(ctx context.Context) error

	// Close marks the cache closed; further calls return ErrClosed.
	// The underlying cluster is not closed.
	Close() error
}

// Loader produces the value for a missing key.
type Loader func(ctx context.Context) ([]byte, error)
