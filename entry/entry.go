// Package entry defines the per-shard storage contract the cluster and the
// expiry policy are built on.
package entry

import (
	"context"
	"time"
)

// Entry is a single key/payload pair as written to a shard.
type Entry struct {
	Key   string
	Value []byte
}

// Store is durable keyed storage for one shard.
// Implementations must be safe for concurrent use, including ExpireOldest
// running concurrently with itself and with ordinary reads/writes.
type Store interface {
	// Get returns the payload for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// GetMulti returns payloads for the keys that are present.
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set inserts or replaces key and refreshes its write time.
	Set(ctx context.Context, key string, value []byte) error

	// SetAll inserts or replaces every entry.
	SetAll(ctx context.Context, entries []Entry) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteMulti removes keys and returns how many existed.
	DeleteMulti(ctx context.Context, keys []string) (int, error)

	// Increment atomically adds amount to the integer stored at key
	// (a missing key counts as 0) and returns the new value.
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// ExpireOldest deletes up to batchSize eviction candidates and returns
	// how many rows were removed. An entry is a candidate when it is older
	// than maxAge, or when the shard holds more than maxEntries entries.
	// A zero maxAge or maxEntries disables that criterion.
	ExpireOldest(ctx context.Context, batchSize int, maxAge time.Duration, maxEntries int) (int, error)

	// Count returns the exact number of stored entries.
	Count(ctx context.Context) (int, error)
}

// Clock provides the current time; useful for deterministic tests.
type Clock interface{ Now() time.Time }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
