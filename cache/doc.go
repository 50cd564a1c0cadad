// Package cache is the application-facing cache: a namespaced key/value
// API over a cluster of database shards.
//
// Design
//
//   - Storage: every key is routed to one shard of a cluster.Cluster and
//     stored there durably. Writes feed the shard's probabilistic expiry,
//     so the cache stays bounded without a background sweeper.
//
//   - Namespacing: with Options.Namespace set, "name" is stored as
//     "namespace:name". Several applications can share one cluster.
//
//   - Fetch: read-through loading. Concurrent misses for the same key in
//     one process are coalesced (singleflight) so the loader runs once.
//
//   - Local cache: WithLocalCache attaches a small bounded LRU to a
//     context. Reads through that context consult it before the database;
//     writes and deletes keep it coherent; increments invalidate the key.
//     It lives as long as the context (typically one request).
//
//   - Clear and Cleanup are not supported: wiping a sharded table is left
//     to migrations, and expiry already removes old rows.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict signals. NoopMetrics
//     is the default; metrics/prom exports them to Prometheus.
//
// Basic usage
//
//	cl, _ := cluster.New(cluster.Options{Shards: shards})
//	c := cache.New(cl, cache.Options{Namespace: "app"})
//	_ = c.Write(ctx, "a", []byte("1"))
//	if v, ok, _ := c.Read(ctx, "a"); ok {
//	    _ = v
//	}
//
// Read-through
//
//	v, err := c.Fetch(ctx, "user:42", func(ctx context.Context) ([]byte, error) {
//	    return loadUser(ctx, 42)
//	})
//
// Per-request local cache
//
//	ctx = cache.WithLocalCache(ctx, 100)
//	c.Read(ctx, "a") // database
//	c.Read(ctx, "a") // local
package cache
