// Package testutil holds fakes shared by the package tests.
package testutil

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IvanBrykalov/dbcache/entry"
	"github.com/IvanBrykalov/dbcache/store/sqlstore"
)

// Epoch is the starting point of fake clocks.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a manually advanced entry.Clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a Clock set to Epoch.
func NewClock() *Clock { return &Clock{t: Epoch} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Rand replays scripted draws; the last value repeats forever.
// The zero value always returns 0.
type Rand struct {
	mu    sync.Mutex
	vals  []float64
	draws int
}

// NewRand returns a Rand replaying vals.
func NewRand(vals ...float64) *Rand { return &Rand{vals: vals} }

// Float64 returns the next scripted value.
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draws++
	if len(r.vals) == 0 {
		return 0
	}
	v := r.vals[0]
	if len(r.vals) > 1 {
		r.vals = r.vals[1:]
	}
	return v
}

// Set replaces the remaining script.
func (r *Rand) Set(vals ...float64) {
	r.mu.Lock()
	r.vals = vals
	r.mu.Unlock()
}

// Draws returns how many values were drawn.
func (r *Rand) Draws() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draws
}

// Shards opens one in-memory SQLite store per name, all reading clk.
func Shards(t testing.TB, clk entry.Clock, names ...string) map[string]entry.Store {
	t.Helper()
	out := make(map[string]entry.Store, len(names))
	for _, n := range names {
		s, err := sqlstore.OpenMemory(context.Background(), sqlstore.Options{Clock: clk})
		if err != nil {
			t.Fatalf("open shard %s: %v", n, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		out[n] = s
	}
	return out
}

// KeysOn returns n keys of the form prefix+i that the assign function routes
// to shard, trying at most 100*n candidates.
func KeysOn(t testing.TB, assign func([]string) map[string][]string, shard, prefix string, n int) []string {
	t.Helper()
	cand := make([]string, 0, 100*n)
	for i := 0; i < 100*n; i++ {
		cand = append(cand, prefix+strconv.Itoa(i))
	}
	keys := assign(cand)[shard]
	if len(keys) < n {
		t.Fatalf("only %d of %d candidate keys land on %s", len(keys), len(cand), shard)
	}
	return keys[:n]
}

// Count returns the exact entry count of s.
func Count(t testing.TB, s entry.Store) int {
	t.Helper()
	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
