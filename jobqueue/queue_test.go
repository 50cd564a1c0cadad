package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	}
	t.Cleanup(func() { _ = pool.Close() })
	return NewRedis(pool, "test"), s
}

func TestRedis_FIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, srv := newRedis(t)

	for _, p := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, "cache_expiry", []byte(p)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if n, err := q.Len(ctx, "cache_expiry"); err != nil || n != 3 {
		t.Fatalf("Len = %d, %v", n, err)
	}
	if !srv.Exists("test:cache_expiry") {
		t.Fatal("queue key must be prefixed")
	}

	var got []string
	for i := 0; i < 3; i++ {
		p, err := q.Dequeue(ctx, "cache_expiry", time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		got = append(got, string(p))
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestRedis_QueuesAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newRedis(t)

	_ = q.Enqueue(ctx, "default", []byte("x"))
	if n, _ := q.Len(ctx, "cache_expiry"); n != 0 {
		t.Fatalf("other queue Len = %d", n)
	}
	if n, _ := q.Len(ctx, "default"); n != 1 {
		t.Fatalf("default Len = %d", n)
	}
}

func TestMemory_FIFOAndDrain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	for _, p := range []string{"1", "2", "3"} {
		_ = q.Enqueue(ctx, "default", []byte(p))
	}
	if n, _ := q.Len(ctx, "default"); n != 3 {
		t.Fatalf("Len = %d", n)
	}

	p, err := q.Dequeue(ctx, "default", time.Millisecond)
	if err != nil || string(p) != "1" {
		t.Fatalf("Dequeue = %q, %v", p, err)
	}

	var got []string
	n, err := q.Drain(ctx, "default", func(_ context.Context, p []byte) error {
		got = append(got, string(p))
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if diff := cmp.Diff([]string{"2", "3"}, got); diff != "" {
		t.Fatalf("Drain order (-want +got):\n%s", diff)
	}
}

func TestMemory_DequeueTimeoutAndWake(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	if _, err := q.Dequeue(ctx, "default", 10*time.Millisecond); !errors.Is(err, ErrEmpty) {
		t.Fatalf("want ErrEmpty, got %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(ctx, "default", []byte("late"))
	}()
	p, err := q.Dequeue(ctx, "default", 5*time.Second)
	if err != nil || string(p) != "late" {
		t.Fatalf("Dequeue = %q, %v", p, err)
	}
}

func TestMemory_DrainStopsOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()
	_ = q.Enqueue(ctx, "q", []byte("a"))
	_ = q.Enqueue(ctx, "q", []byte("b"))

	boom := errors.New("boom")
	n, err := q.Drain(ctx, "q", func(context.Context, []byte) error { return boom })
	if n != 0 || !errors.Is(err, boom) {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if l, _ := q.Len(ctx, "q"); l != 1 {
		t.Fatalf("remaining = %d, want 1", l)
	}
}

func TestWorker_Run(t *testing.T) {
	t.Parallel()
	q := NewMemory()
	bg := context.Background()
	_ = q.Enqueue(bg, "a", []byte("1"))
	_ = q.Enqueue(bg, "b", []byte("2"))
	_ = q.Enqueue(bg, "a", []byte("panic"))
	_ = q.Enqueue(bg, "b", []byte("fail"))

	ctx, cancel := context.WithCancel(bg)
	defer cancel()

	var (
		mu     sync.Mutex
		seen   []string
		failed []string
	)
	w := &Worker{
		Queue:   q,
		Queues:  []string{"a", "b"},
		Timeout: 10 * time.Millisecond,
		Handler: func(_ context.Context, p []byte) error {
			mu.Lock()
			seen = append(seen, string(p))
			n := len(seen)
			mu.Unlock()
			if n == 4 {
				cancel()
			}
			switch string(p) {
			case "panic":
				panic("bad payload")
			case "fail":
				return errors.New("failed")
			}
			return nil
		},
		OnError: func(queue string, _ error) {
			mu.Lock()
			failed = append(failed, queue)
			mu.Unlock()
		},
	}

	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if diff := cmp.Diff([]string{"1", "2", "panic", "fail"}, seen); diff != "" {
		t.Fatalf("handled (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b"}, failed); diff != "" {
		t.Fatalf("failures (-want +got):\n%s", diff)
	}
}

func TestWorker_Misconfigured(t *testing.T) {
	t.Parallel()
	if err := (&Worker{}).Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
