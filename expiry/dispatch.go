package expiry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// Dispatcher submits one eviction batch. Dispatch must not block on the
// eviction work itself and must not report its failure to the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job)
}

// ---- inline (thread) backend ----

// ThreadDispatcher runs batches on background goroutines inside the process.
// At most `concurrency` batches execute at once; the rest wait on a
// semaphore inside their own goroutine, never in the caller.
type ThreadDispatcher struct {
	exec      Executor
	sem       *semaphore.Weighted
	wg        conc.WaitGroup
	scheduled atomic.Int64
	metrics   Metrics

	mu     sync.RWMutex // guards closed against wg.Go racing Close
	closed bool
}

// NewThreadDispatcher returns a dispatcher executing jobs through exec.
// concurrency <= 0 means 1. A nil m means NoopMetrics.
func NewThreadDispatcher(exec Executor, concurrency int, m Metrics) *ThreadDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if m == nil {
		m = NoopMetrics{}
	}
	return &ThreadDispatcher{
		exec:    exec,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		metrics: m,
	}
}

// Dispatch schedules job and returns immediately. The batch is detached from
// ctx's cancellation: once scheduled it runs to completion. After Close the
// job is dropped and counted as failed.
func (d *ThreadDispatcher) Dispatch(ctx context.Context, job Job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.Failed(job.Shard)
		log.Warningf("expiry: dispatcher closed; dropped batch on shard %q", job.Shard)
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.scheduled.Add(1)
	d.wg.Go(func() {
		if r := panics.Try(func() { d.run(ctx, job) }); r != nil {
			d.metrics.Failed(job.Shard)
			log.Errorf("expiry: batch on shard %q panicked: %v", job.Shard, r.Value)
		}
	})
}

func (d *ThreadDispatcher) run(ctx context.Context, job Job) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	n, err := d.exec.Execute(ctx, job)
	if err != nil {
		d.metrics.Failed(job.Shard)
		log.Warningf("expiry: batch on shard %q failed: %v", job.Shard, err)
		return
	}
	if n > 0 {
		log.Debugf("expiry: shard %q: expired %d entries", job.Shard, n)
	}
}

// Scheduled returns the number of batches submitted so far.
func (d *ThreadDispatcher) Scheduled() int64 { return d.scheduled.Load() }

// Wait blocks until every batch submitted so far has finished.
// Dispatch must not be called concurrently with Wait; use Close at shutdown.
func (d *ThreadDispatcher) Wait() { d.wg.Wait() }

// Close stops accepting batches and waits for the running ones. It is safe
// to call concurrently with Dispatch and more than once.
func (d *ThreadDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// ---- deferred (job) backend ----

// Enqueuer is the part of a work queue the job backend needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
}

// JobDispatcher enqueues batches on a named work queue. A worker performs
// them later via Perform.
type JobDispatcher struct {
	q       Enqueuer
	queue   string
	metrics Metrics
}

// NewJobDispatcher returns a dispatcher that enqueues on queue (DefaultQueue
// when empty). A nil m means NoopMetrics.
func NewJobDispatcher(q Enqueuer, queue string, m Metrics) *JobDispatcher {
	if queue == "" {
		queue = DefaultQueue
	}
	if m == nil {
		m = NoopMetrics{}
	}
	return &JobDispatcher{q: q, queue: queue, metrics: m}
}

// Dispatch enqueues job. Errors are logged and dropped.
func (d *JobDispatcher) Dispatch(ctx context.Context, job Job) {
	payload, err := job.Marshal()
	if err == nil {
		err = d.q.Enqueue(ctx, d.queue, payload)
	}
	if err != nil {
		d.metrics.Failed(job.Shard)
		log.Warningf("expiry: enqueue on %q for shard %q failed: %v", d.queue, job.Shard, err)
	}
}

// Queue returns the target queue name.
func (d *JobDispatcher) Queue() string { return d.queue }

var (
	_ Dispatcher = (*ThreadDispatcher)(nil)
	_ Dispatcher = (*JobDispatcher)(nil)
)
