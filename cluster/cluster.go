// Package cluster routes cache keys to a fixed set of shards and feeds
// per-shard write counts into the expiry policy.
//
// Routing is rendezvous hashing over shard names: a pure function of the
// key and the shard set, identical on every node that uses the same names.
// Only writes are reported to the policy, since only writes grow a shard.
package cluster

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/dbcache/entry"
	"github.com/IvanBrykalov/dbcache/expiry"
	"github.com/IvanBrykalov/dbcache/internal/util"
)

var log = logging.MustGetLogger("cluster")

// ErrUnknownShard is returned when a job names a shard the cluster does not own.
var ErrUnknownShard = errors.New("cluster: unknown shard")

// Cluster owns a fixed set of shard stores and one expiry policy.
// All methods are safe for concurrent use; the cluster holds no mutable
// state besides what the stores and the background runner manage.
type Cluster struct {
	names   []string // sorted; fixes rendezvous tie-breaking
	shards  map[string]entry.Store
	policy  *expiry.Policy
	thread  *expiry.ThreadDispatcher // nil unless expiry runs inline
	metrics expiry.Metrics
}

var _ expiry.Executor = (*Cluster)(nil)

// New validates opt and builds a cluster. An invalid expiry method fails
// here, before any cache operation.
func New(opt Options) (*Cluster, error) {
	if len(opt.Shards) == 0 {
		return nil, errors.New("cluster: at least one shard is required")
	}
	opt.Expiry = opt.Expiry.WithDefaults()
	if err := opt.Expiry.Validate(); err != nil {
		return nil, err
	}
	if opt.Rand == nil {
		opt.Rand = expiry.DefaultRand
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = util.ReasonableConcurrency()
	}
	if opt.Metrics == nil {
		opt.Metrics = expiry.NoopMetrics{}
	}

	c := &Cluster{
		shards:  make(map[string]entry.Store, len(opt.Shards)),
		metrics: opt.Metrics,
	}
	for name, s := range opt.Shards {
		if name == "" || s == nil {
			return nil, errors.Errorf("cluster: invalid shard %q", name)
		}
		c.names = append(c.names, name)
		c.shards[name] = s
	}
	sort.Strings(c.names)

	d := opt.Dispatcher
	if d == nil {
		switch opt.Expiry.Method {
		case expiry.MethodThread:
			c.thread = expiry.NewThreadDispatcher(c, opt.Concurrency, opt.Metrics)
			d = c.thread
		case expiry.MethodJob:
			if opt.Queue == nil {
				return nil, errors.New("cluster: expiry method `job` needs a queue")
			}
			d = expiry.NewJobDispatcher(opt.Queue, opt.Expiry.Queue, opt.Metrics)
		}
	}

	p, err := expiry.New(opt.Expiry, d, expiry.WithRand(opt.Rand), expiry.WithMetrics(opt.Metrics))
	if err != nil {
		return nil, err
	}
	c.policy = p
	log.Infof("cluster: %d shard(s) %v, expiry via %s (batch %d)",
		len(c.names), c.names, opt.Expiry.Method, opt.Expiry.BatchSize)
	return c, nil
}

// Shards returns the shard names in sorted order.
func (c *Cluster) Shards() []string { return append([]string(nil), c.names...) }

// Store returns the store of the named shard.
func (c *Cluster) Store(name string) (entry.Store, bool) {
	s, ok := c.shards[name]
	return s, ok
}

// Policy returns the expiry policy.
func (c *Cluster) Policy() *expiry.Policy { return c.policy }

// ShardFor returns the shard that owns key.
func (c *Cluster) ShardFor(key string) string {
	if len(c.names) == 1 {
		return c.names[0]
	}
	return util.PickShard(key, c.names)
}

// Assign groups keys by owning shard. Shards without keys are absent.
func (c *Cluster) Assign(keys []string) map[string][]string {
	out := make(map[string][]string)
	for _, k := range keys {
		s := c.ShardFor(k)
		out[s] = append(out[s], k)
	}
	return out
}

// ---- reads (no expiry side effects) ----

func (c *Cluster) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.shards[c.ShardFor(key)].Get(ctx, key)
}

func (c *Cluster) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	var mu sync.Mutex
	err := c.fanOut(ctx, c.Assign(keys), func(ctx context.Context, s entry.Store, _ string, keys []string) error {
		got, err := s.GetMulti(ctx, keys)
		if err != nil {
			return err
		}
		mu.Lock()
		for k, v := range got {
			out[k] = v
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---- writes (tracked per shard) ----

// Set writes key and reports one write to the owning shard's expiry.
func (c *Cluster) Set(ctx context.Context, key string, value []byte) error {
	shard := c.ShardFor(key)
	if err := c.shards[shard].Set(ctx, key, value); err != nil {
		return err
	}
	c.policy.TrackWrites(ctx, shard, 1)
	return nil
}

// SetAll writes entries shard by shard. Each shard reports only its own
// count, so a shard's eviction rate follows its own write volume.
func (c *Cluster) SetAll(ctx context.Context, entries []entry.Entry) error {
	byShard := make(map[string][]entry.Entry)
	for _, e := range entries {
		s := c.ShardFor(e.Key)
		byShard[s] = append(byShard[s], e)
	}

	g, gctx := errgroup.WithContext(ctx)
	for shard, es := range byShard {
		g.Go(func() error {
			if err := c.shards[shard].SetAll(gctx, es); err != nil {
				return errors.Wrapf(err, "cluster: shard %q", shard)
			}
			c.policy.TrackWrites(ctx, shard, len(es))
			return nil
		})
	}
	return g.Wait()
}

// ---- deletes and counters (pass-through) ----

func (c *Cluster) Delete(ctx context.Context, key string) (bool, error) {
	return c.shards[c.ShardFor(key)].Delete(ctx, key)
}

func (c *Cluster) DeleteMulti(ctx context.Context, keys []string) (int, error) {
	var (
		mu    sync.Mutex
		total int
	)
	err := c.fanOut(ctx, c.Assign(keys), func(ctx context.Context, s entry.Store, _ string, keys []string) error {
		n, err := s.DeleteMulti(ctx, keys)
		mu.Lock()
		total += n
		mu.Unlock()
		return err
	})
	return total, err
}

func (c *Cluster) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	return c.shards[c.ShardFor(key)].Increment(ctx, key, amount)
}

// ---- expiry ----

// Execute runs one eviction batch on the shard named by job. Inline batches
// and deferred jobs both end up here.
func (c *Cluster) Execute(ctx context.Context, job expiry.Job) (int, error) {
	s, ok := c.shards[job.Shard]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownShard, "%q", job.Shard)
	}
	n, err := s.ExpireOldest(ctx, job.BatchSize, job.MaxAgeDuration(), job.MaxEntriesInt())
	if err != nil {
		return 0, errors.Wrapf(err, "cluster: expire shard %q", job.Shard)
	}
	c.metrics.Expired(job.Shard, n)
	return n, nil
}

// ScheduledTasks returns how many inline batches were submitted
// (always 0 when expiry runs through a queue).
func (c *Cluster) ScheduledTasks() int64 {
	if c.thread == nil {
		return 0
	}
	return c.thread.Scheduled()
}

// Wait blocks until inline batches submitted so far have finished.
func (c *Cluster) Wait() {
	if c.thread != nil {
		c.thread.Wait()
	}
}

// Close stops inline expiry, waits for running batches and closes stores
// that implement io.Closer. Batches triggered by writes racing Close are
// dropped.
func (c *Cluster) Close() error {
	if c.thread != nil {
		c.thread.Close()
	}
	var first error
	for _, name := range c.names {
		if cl, ok := c.shards[name].(io.Closer); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = errors.Wrapf(err, "cluster: close shard %q", name)
			}
		}
	}
	return first
}

// fanOut runs fn once per shard in groups, concurrently.
func (c *Cluster) fanOut(ctx context.Context, groups map[string][]string,
	fn func(ctx context.Context, s entry.Store, shard string, keys []string) error) error {
	if len(groups) == 1 {
		for shard, keys := range groups {
			return fn(ctx, c.shards[shard], shard, keys)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for shard, keys := range groups {
		g.Go(func() error {
			return errors.Wrapf(fn(gctx, c.shards[shard], shard, keys), "cluster: shard %q", shard)
		})
	}
	return g.Wait()
}
