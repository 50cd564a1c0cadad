// Package expiry keeps shard sizes bounded without a coordinator.
//
// Every write reports how many keys it stored; the Policy turns that count
// into a number of eviction batches and hands each one to a Dispatcher.
// Over W written keys it triggers W*ExpiresPerWrite batches on average, so
// slightly more entries are evicted than written. Eviction is best effort:
// failures are logged and the next write simply triggers another batch.
package expiry

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("expiry")

// Rand is a source of uniform numbers in [0, 1).
// It is called concurrently from writers and must be safe for that.
type Rand interface{ Float64() float64 }

// RandFunc adapts a function to Rand.
type RandFunc func() float64

// Float64 calls f.
func (f RandFunc) Float64() float64 { return f() }

// DefaultRand draws from math/rand/v2's goroutine-safe global source.
var DefaultRand Rand = RandFunc(rand.Float64)

// Option customises a Policy.
type Option func(*Policy)

// WithRand sets the random source (tests use fixed sequences).
func WithRand(r Rand) Option { return func(p *Policy) { p.rand = r } }

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(p *Policy) { p.metrics = m } }

// Policy decides how many eviction batches a burst of writes triggers and
// dispatches them. It holds only immutable configuration.
type Policy struct {
	cfg             Config
	expiresPerWrite float64
	dispatcher      Dispatcher
	rand            Rand
	metrics         Metrics
}

// New validates cfg and builds a Policy that dispatches through d.
func New(cfg Config, d Dispatcher, opts ...Option) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxAge <= 0 && cfg.MaxEntries == 0 {
		log.Warning("expiry: neither max age nor max entries is set; batches will not evict anything")
	}
	p := &Policy{
		cfg:             cfg,
		expiresPerWrite: cfg.ExpiresPerWrite(),
		dispatcher:      d,
		rand:            DefaultRand,
		metrics:         NoopMetrics{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Config returns the policy's configuration.
func (p *Policy) Config() Config { return p.cfg }

// ExpiresPerWrite is (1/BatchSize) * Multiplier.
func (p *Policy) ExpiresPerWrite() float64 { return p.expiresPerWrite }

// Batches returns how many batches count writes trigger. The whole part of
// count*ExpiresPerWrite is always triggered; a single draw decides whether
// the fractional remainder adds one more. No draw happens for count <= 0.
func (p *Policy) Batches(count int) int {
	if count <= 0 {
		return 0
	}
	raw := float64(count) * p.expiresPerWrite
	batches := math.Floor(raw)
	if p.rand.Float64() < raw-batches {
		batches++
	}
	return int(batches)
}

// TrackWrites records count writes on shard and dispatches the resulting
// eviction batches against that shard. It never blocks on eviction work and
// never fails; it returns the number of batches dispatched.
func (p *Policy) TrackWrites(ctx context.Context, shard string, count int) int {
	n := p.Batches(count)
	if n == 0 {
		return 0
	}
	p.metrics.Scheduled(shard, n)
	job := p.cfg.Job(shard)
	for i := 0; i < n; i++ {
		p.dispatcher.Dispatch(ctx, job)
	}
	return n
}
