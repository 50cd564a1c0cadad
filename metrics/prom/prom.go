// Package prom exports cache and expiry metrics to Prometheus.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/dbcache/cache"
	"github.com/IvanBrykalov/dbcache/expiry"
)

// Adapter implements cache.Metrics and expiry.Metrics.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	localEvicts prometheus.Counter
	scheduled   *prometheus.CounterVec
	expired     *prometheus.CounterVec
	failed      *prometheus.CounterVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	perShard := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, []string{"shard"})
	}
	a := &Adapter{
		hits:        counter("hits_total", "Cache hits"),
		misses:      counter("misses_total", "Cache misses"),
		localEvicts: counter("local_evictions_total", "Entries dropped from request-local caches"),
		scheduled:   perShard("expiry_batches_scheduled_total", "Expiry batches dispatched by shard"),
		expired:     perShard("expiry_entries_deleted_total", "Entries deleted by expiry by shard"),
		failed:      perShard("expiry_batches_failed_total", "Expiry batches that failed by shard"),
	}
	reg.MustRegister(a.hits, a.misses, a.localEvicts, a.scheduled, a.expired, a.failed)
	return a
}

func (a *Adapter) Hit()   { a.hits.Inc() }
func (a *Adapter) Miss()  { a.misses.Inc() }
func (a *Adapter) Evict() { a.localEvicts.Inc() }

// Scheduled adds batches to the shard's dispatched counter.
func (a *Adapter) Scheduled(shard string, batches int) {
	if batches > 0 {
		a.scheduled.WithLabelValues(shard).Add(float64(batches))
	}
}

// Expired adds deleted to the shard's deleted-entries counter.
func (a *Adapter) Expired(shard string, deleted int) {
	if deleted > 0 {
		a.expired.WithLabelValues(shard).Add(float64(deleted))
	}
}

func (a *Adapter) Failed(shard string) { a.failed.WithLabelValues(shard).Inc() }

var (
	_ cache.Metrics  = (*Adapter)(nil)
	_ expiry.Metrics = (*Adapter)(nil)
)
