package cluster

import (
	"github.com/IvanBrykalov/dbcache/entry"
	"github.com/IvanBrykalov/dbcache/expiry"
)

// Options configures a Cluster. Zero values are safe where noted;
// defaults are applied in New():
//   - zero Expiry fields   => their expiry defaults (see expiry.Config.WithDefaults)
//   - nil Rand             => expiry.DefaultRand
//   - Concurrency <= 0     => util.ReasonableConcurrency()
//   - nil Metrics          => expiry.NoopMetrics
type Options struct {
	// Shards maps shard names to their stores. At least one is required.
	// The set is fixed for the lifetime of the cluster.
	Shards map[string]entry.Store

	// Expiry configures the eviction policy shared by all shards.
	// Zero MaxAge means expiry.DefaultMaxAge; expiry.NoMaxAge disables it.
	Expiry expiry.Config

	// Queue receives deferred jobs when Expiry.Method is expiry.MethodJob.
	Queue expiry.Enqueuer

	// Dispatcher overrides the backend chosen from Expiry.Method
	// (e.g. a synchronous fake in tests).
	Dispatcher expiry.Dispatcher

	// Rand is the random source of the policy.
	Rand expiry.Rand

	// Concurrency bounds simultaneously running inline batches.
	Concurrency int

	// Metrics observes expiry activity.
	Metrics expiry.Metrics
}
