package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/dbcache/cluster"
	"github.com/IvanBrykalov/dbcache/entry"
	"github.com/IvanBrykalov/dbcache/internal/testutil"
)

// countingBackend counts the reads that reach the cluster and can be told
// to fail writes.
type countingBackend struct {
	Backend
	gets     atomic.Int64
	failSets atomic.Bool
}

func (b *countingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.gets.Add(1)
	return b.Backend.Get(ctx, key)
}

func (b *countingBackend) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	b.gets.Add(int64(len(keys)))
	return b.Backend.GetMulti(ctx, keys)
}

func (b *countingBackend) Set(ctx context.Context, key string, value []byte) error {
	if b.failSets.Load() {
		return errors.New("set failed")
	}
	return b.Backend.Set(ctx, key, value)
}

func (b *countingBackend) SetAll(ctx context.Context, es []entry.Entry) error {
	if b.failSets.Load() {
		return errors.New("set failed")
	}
	return b.Backend.SetAll(ctx, es)
}

type countingMetrics struct{ hits, misses, evicts atomic.Int64 }

func (m *countingMetrics) Hit()   { m.hits.Add(1) }
func (m *countingMetrics) Miss()  { m.misses.Add(1) }
func (m *countingMetrics) Evict() { m.evicts.Add(1) }

func newCluster(t testing.TB, shards ...string) *cluster.Cluster {
	t.Helper()
	if len(shards) == 0 {
		shards = []string{"default"}
	}
	cl, err := cluster.New(cluster.Options{Shards: testutil.Shards(t, nil, shards...)})
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	t.Cleanup(cl.Wait)
	return cl
}

func newStore(t testing.TB, opt Options) (*Store, *countingBackend) {
	t.Helper()
	b := &countingBackend{Backend: newCluster(t, "default", "primary_shard_one")}
	s := New(b, opt)
	t.Cleanup(func() { _ = s.Close() })
	return s, b
}

func TestStore_ReadWriteDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t, Options{})

	if _, ok, err := s.Read(ctx, "a"); err != nil || ok {
		t.Fatalf("fresh Read = %v %v", ok, err)
	}
	if err := s.Write(ctx, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, "a", []byte("11")); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := s.Read(ctx, "a"); err != nil || !ok || string(v) != "11" {
		t.Fatalf("Read a = %q %v %v", v, ok, err)
	}
	if ok, err := s.Delete(ctx, "a"); err != nil || !ok {
		t.Fatalf("Delete a = %v %v", ok, err)
	}
	if ok, _ := s.Delete(ctx, "a"); ok {
		t.Fatal("second Delete must report absence")
	}
	if _, ok, _ := s.Read(ctx, "a"); ok {
		t.Fatal("a must be absent after Delete")
	}
}

func TestStore_Multi(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t, Options{})

	in := map[string][]byte{}
	for i := 0; i < 20; i++ {
		in[fmt.Sprintf("k%d", i)] = []byte(fmt.Sprintf("v%d", i))
	}
	if err := s.WriteMulti(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadMulti(ctx, []string{"k0", "k7", "k19", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]byte{"k0": []byte("v0"), "k7": []byte("v7"), "k19": []byte("v19")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ReadMulti (-want +got):\n%s", diff)
	}
	if n, err := s.DeleteMulti(ctx, []string{"k0", "k1", "missing"}); err != nil || n != 2 {
		t.Fatalf("DeleteMulti = %d %v", n, err)
	}
}

func TestStore_Namespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cl := newCluster(t)
	a := New(cl, Options{Namespace: "app"})
	b := New(cl, Options{Namespace: "other"})

	if err := a.Write(ctx, "k", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.Read(ctx, "k"); ok {
		t.Fatal("namespaces must not share keys")
	}
	if v, ok, _ := cl.Get(ctx, "app:k"); !ok || string(v) != "a" {
		t.Fatalf("stored key app:k = %q %v", v, ok)
	}
}

func TestStore_IncrementDecrement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t, Options{Namespace: "ctr"})

	steps := []struct {
		inc  bool
		by   int64
		want int64
	}{
		{true, 1, 1},
		{true, 5, 6},
		{false, 2, 4},
		{false, 10, -6},
	}
	for _, st := range steps {
		var (
			n   int64
			err error
		)
		if st.inc {
			n, err = s.Increment(ctx, "hits", st.by)
		} else {
			n, err = s.Decrement(ctx, "hits", st.by)
		}
		if err != nil || n != st.want {
			t.Fatalf("by %d: got %d %v, want %d", st.by, n, err, st.want)
		}
	}
	if v, ok, _ := s.Read(ctx, "hits"); !ok || string(v) != "-6" {
		t.Fatalf("Read counter = %q %v", v, ok)
	}
}

// Clear and Cleanup refuse and leave data alone.
func TestStore_ClearCleanupNotSupported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t, Options{})
	_ = s.Write(ctx, "keep", []byte("x"))

	if err := s.Clear(ctx); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Clear = %v", err)
	}
	if err := s.Cleanup(ctx); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Cleanup = %v", err)
	}
	if _, ok, _ := s.Read(ctx, "keep"); !ok {
		t.Fatal("Clear/Cleanup must not touch data")
	}
}

func TestStore_Closed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t, Options{})
	_ = s.Close()

	if err := s.Write(ctx, "a", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write = %v", err)
	}
	if _, _, err := s.Read(ctx, "a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read = %v", err)
	}
	if _, err := s.Fetch(ctx, "a", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Fetch = %v", err)
	}
}

func TestStore_Metrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := &countingMetrics{}
	s, _ := newStore(t, Options{Metrics: m})

	_ = s.Write(ctx, "a", []byte("1"))
	_, _, _ = s.Read(ctx, "a")
	_, _, _ = s.Read(ctx, "b")
	_, _ = s.ReadMulti(ctx, []string{"a", "b", "c"})

	if m.hits.Load() != 2 || m.misses.Load() != 3 {
		t.Fatalf("hits=%d misses=%d, want 2/3", m.hits.Load(), m.misses.Load())
	}
}

// Concurrent Fetch calls for the same key run the loader once; later
// calls are plain hits.
func TestStore_Fetch_Singleflight(t *testing.T) {
	s, _ := newStore(t, Options{})
	var calls int64
	load := func(context.Context) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(5 * time.Millisecond) // simulate I/O
		return []byte("v:k"), nil
	}

	const N = 64
	var g errgroup.Group
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < N; i++ {
		g.Go(func() error {
			v, err := s.Fetch(ctx, "k", load)
			if err != nil {
				return err
			}
			if string(v) != "v:k" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("loader must run exactly once, got %d", got)
	}
	if v, ok, _ := s.Read(context.Background(), "k"); !ok || string(v) != "v:k" {
		t.Fatalf("Fetch must write through, got %q %v", v, ok)
	}
}

func TestStore_Fetch_LoaderError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t, Options{})
	boom := errors.New("boom")

	if _, err := s.Fetch(ctx, "k", func(context.Context) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("Fetch = %v", err)
	}
	if _, ok, _ := s.Read(ctx, "k"); ok {
		t.Fatal("a failed load must not write")
	}
}

// Cancelling the caller that started a shared load must not fail it.
func TestStore_Fetch_DetachedFromCaller(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t, Options{})

	started, release := make(chan struct{}), make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte("v"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		v   []byte
		err error
	}
	first := make(chan result, 1)
	go func() {
		v, err := s.Fetch(ctx, "k", load)
		first <- result{v, err}
	}()
	<-started
	cancel()
	close(release)

	r := <-first
	if r.err != nil || string(r.v) != "v" {
		t.Fatalf("Fetch = %q, %v", r.v, r.err)
	}
	if v, ok, err := s.Read(context.Background(), "k"); err != nil || !ok || string(v) != "v" {
		t.Fatalf("Read = %q %v %v; the load must be written through", v, ok, err)
	}
}

func TestLocalCache_ServesRepeatedReads(t *testing.T) {
	t.Parallel()
	s, b := newStore(t, Options{})
	ctx := WithLocalCache(context.Background(), 10)

	_ = s.Write(context.Background(), "a", []byte("1"))
	for i := 0; i < 3; i++ {
		if v, ok, _ := s.Read(ctx, "a"); !ok || string(v) != "1" {
			t.Fatalf("Read a = %q %v", v, ok)
		}
	}
	if n := b.gets.Load(); n != 1 {
		t.Fatalf("backend reads = %d, want 1", n)
	}

	// Writes through the context are visible without another backend read.
	_ = s.Write(ctx, "a", []byte("2"))
	if v, _, _ := s.Read(ctx, "a"); string(v) != "2" {
		t.Fatalf("Read after Write = %q", v)
	}
	if n := b.gets.Load(); n != 1 {
		t.Fatalf("backend reads = %d, want 1", n)
	}

	// Returned values are copies.
	v, _, _ := s.Read(ctx, "a")
	v[0] = 'x'
	if v, _, _ := s.Read(ctx, "a"); string(v) != "2" {
		t.Fatalf("local value was aliased: %q", v)
	}
}

func TestLocalCache_StaysCoherent(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t, Options{})
	ctx := WithLocalCache(context.Background(), 10)

	_ = s.WriteMulti(ctx, map[string][]byte{"a": []byte("1"), "n": []byte("5")})
	if _, err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Read(ctx, "a"); ok {
		t.Fatal("deleted key served from local cache")
	}

	if _, err := s.Increment(ctx, "n", 1); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := s.Read(ctx, "n"); string(v) != "6" {
		t.Fatalf("incremented key = %q, want 6", v)
	}
}

// A failed write drops any stale local copy.
func TestLocalCache_FailedWriteForgets(t *testing.T) {
	t.Parallel()
	s, b := newStore(t, Options{})
	ctx := WithLocalCache(context.Background(), 10)

	_ = s.Write(ctx, "a", []byte("1"))
	b.failSets.Store(true)
	if err := s.Write(ctx, "a", []byte("2")); err == nil {
		t.Fatal("expected write error")
	}
	before := b.gets.Load()
	if v, _, _ := s.Read(ctx, "a"); string(v) != "1" {
		t.Fatalf("Read = %q", v)
	}
	if b.gets.Load() != before+1 {
		t.Fatal("read after failed write must go to the backend")
	}
}

// Deterministic LRU eviction: accessing "a" promotes it, so inserting
// "c" evicts "b".
func TestLocalCache_EvictionLRU(t *testing.T) {
	t.Parallel()
	m := &countingMetrics{}
	s, b := newStore(t, Options{Metrics: m})
	ctx := WithLocalCache(context.Background(), 2)

	_ = s.Write(ctx, "a", []byte("1"))
	_ = s.Write(ctx, "b", []byte("2"))
	_, _, _ = s.Read(ctx, "a")
	_ = s.Write(ctx, "c", []byte("3"))

	if l := localFrom(ctx).len(); l != 2 {
		t.Fatalf("local size = %d", l)
	}
	if m.evicts.Load() != 1 {
		t.Fatalf("evictions = %d", m.evicts.Load())
	}

	before := b.gets.Load()
	_, _, _ = s.Read(ctx, "a")
	_, _, _ = s.Read(ctx, "c")
	if b.gets.Load() != before {
		t.Fatal("a and c must be local")
	}
	if v, ok, _ := s.Read(ctx, "b"); !ok || string(v) != "2" || b.gets.Load() != before+1 {
		t.Fatalf("b must come from the backend, got %q %v", v, ok)
	}
}

func TestLocalCache_ReadMulti(t *testing.T) {
	t.Parallel()
	s, b := newStore(t, Options{})
	ctx := WithLocalCache(context.Background(), 10)

	_ = s.Write(ctx, "a", []byte("1"))
	_ = s.Write(context.Background(), "b", []byte("2"))

	got, err := s.ReadMulti(ctx, []string{"a", "b", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string][]byte{"a": []byte("1"), "b": []byte("2")}, got); diff != "" {
		t.Fatalf("ReadMulti (-want +got):\n%s", diff)
	}
	if n := b.gets.Load(); n != 1 {
		t.Fatalf("backend reads = %d, want only b", n)
	}
}

func TestWithLocalCache_DefaultSize(t *testing.T) {
	t.Parallel()
	l := localFrom(WithLocalCache(context.Background(), 0))
	if l == nil || l.cap != DefaultLocalCacheSize {
		t.Fatalf("local = %+v", l)
	}
	if localFrom(context.Background()) != nil {
		t.Fatal("plain context must not carry a local cache")
	}
}
