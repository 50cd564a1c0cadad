package jobqueue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/panics"
)

// DefaultPollTimeout bounds how long the worker waits on one queue before
// moving to the next.
const DefaultPollTimeout = time.Second

// Worker pops jobs from one or more queues and hands them to Handler.
type Worker struct {
	Queue   Queue
	Queues  []string
	Handler Handler
	// Timeout is the per-queue wait; zero means DefaultPollTimeout.
	Timeout time.Duration
	// OnError, if set, observes handler failures and panics.
	OnError func(queue string, err error)
}

// Run processes jobs until ctx is cancelled. It returns ctx.Err() on
// cancellation, or an error if the worker is misconfigured.
func (w *Worker) Run(ctx context.Context) error {
	if w.Queue == nil || w.Handler == nil || len(w.Queues) == 0 {
		return errors.New("jobqueue: worker needs a queue, a handler and at least one queue name")
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	for {
		for _, name := range w.Queues {
			if err := ctx.Err(); err != nil {
				return err
			}
			w.step(ctx, name, timeout)
		}
	}
}

// RunOnce processes at most one job from each queue without waiting longer
// than timeout per queue. It returns how many jobs were handled.
func (w *Worker) RunOnce(ctx context.Context, timeout time.Duration) int {
	n := 0
	for _, name := range w.Queues {
		if w.step(ctx, name, timeout) {
			n++
		}
	}
	return n
}

// step handles one job from name; it reports whether a job was popped.
func (w *Worker) step(ctx context.Context, name string, timeout time.Duration) bool {
	payload, err := w.Queue.Dequeue(ctx, name, timeout)
	switch {
	case errors.Is(err, ErrEmpty):
		return false
	case err != nil:
		if ctx.Err() == nil {
			log.Warningf("jobqueue: dequeue from %q: %v", name, err)
			// Back off so a dead backend does not spin the loop.
			select {
			case <-time.After(timeout):
			case <-ctx.Done():
			}
		}
		return false
	}

	var herr error
	if r := panics.Try(func() { herr = w.Handler(ctx, payload) }); r != nil {
		herr = r.AsError()
	}
	if herr != nil {
		log.Warningf("jobqueue: job from %q failed: %v", name, herr)
		if w.OnError != nil {
			w.OnError(name, herr)
		}
	}
	return true
}
