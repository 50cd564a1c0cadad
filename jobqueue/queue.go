// Package jobqueue provides named work queues for deferred jobs and a worker
// loop that drains them.
//
// Delivery guarantees are those of the backend: a job popped from a Redis
// list is gone, so a handler failure drops it. Callers that need retries
// re-trigger the work instead (expiry batches are re-triggered by later
// writes).
package jobqueue

import (
	"context"
	"time"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var log = logging.MustGetLogger("jobqueue")

// ErrEmpty is returned by Dequeue when no job arrived before the timeout.
var ErrEmpty = errors.New("jobqueue: queue is empty")

// Queue is a set of named FIFO queues of opaque payloads.
type Queue interface {
	// Enqueue appends payload to the named queue.
	Enqueue(ctx context.Context, name string, payload []byte) error
	// Dequeue pops the oldest payload, waiting up to timeout for one.
	// It returns ErrEmpty on timeout.
	Dequeue(ctx context.Context, name string, timeout time.Duration) ([]byte, error)
	// Len returns the number of pending payloads.
	Len(ctx context.Context, name string) (int, error)
}

// Handler processes one payload.
type Handler func(ctx context.Context, payload []byte) error
