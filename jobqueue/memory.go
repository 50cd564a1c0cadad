package jobqueue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue. It suits tests and single-process
// deployments where jobs need not survive a restart.
type Memory struct {
	mu     sync.Mutex
	queues map[string][][]byte
	// notify is closed and replaced on every Enqueue to wake waiters.
	notify chan struct{}
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty in-process queue set.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][][]byte),
		notify: make(chan struct{}),
	}
}

func (m *Memory) Enqueue(_ context.Context, name string, payload []byte) error {
	p := append([]byte(nil), payload...)
	m.mu.Lock()
	m.queues[name] = append(m.queues[name], p)
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if p, ok := m.popLocked(name); ok {
			m.mu.Unlock()
			return p, nil
		}
		wake := m.notify
		m.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) Len(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[name]), nil
}

// Drain runs fn on every pending payload of the named queue, in order,
// including payloads enqueued by fn itself. It stops at the first error.
// It returns the number of payloads processed.
func (m *Memory) Drain(ctx context.Context, name string, fn Handler) (int, error) {
	n := 0
	for {
		m.mu.Lock()
		p, ok := m.popLocked(name)
		m.mu.Unlock()
		if !ok {
			return n, nil
		}
		if err := fn(ctx, p); err != nil {
			return n, err
		}
		n++
	}
}

func (m *Memory) popLocked(name string) ([]byte, bool) {
	q := m.queues[name]
	if len(q) == 0 {
		return nil, false
	}
	p := q[0]
	q[0] = nil
	m.queues[name] = q[1:]
	return p, true
}
