package cache

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/IvanBrykalov/dbcache/entry"
)

var log = logging.MustGetLogger("cache")

var (
	// ErrNotSupported is returned by Clear and Cleanup.
	ErrNotSupported = errors.New("cache: operation not supported")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("cache: closed")
)

// Store implements Cache over a Backend, usually a *cluster.Cluster.
type Store struct {
	b      Backend
	ns     string
	m      Metrics
	closed atomic.Bool

	// coalesces concurrent Fetch loads per key
	sf singleflight.Group
}

var _ Cache = (*Store)(nil)

// New returns a Store over b.
func New(b Backend, opt Options) *Store {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	return &Store{b: b, ns: opt.Namespace, m: opt.Metrics}
}

// Key returns the storage key for name.
func (s *Store) Key(name string) string {
	if s.ns == "" {
		return name
	}
	return s.ns + ":" + name
}

func (s *Store) Read(ctx context.Context, name string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	key := s.Key(name)
	l := localFrom(ctx)
	if l != nil {
		if v, ok := l.get(key); ok {
			s.m.Hit()
			return v, true, nil
		}
	}

	v, ok, err := s.b.Get(ctx, key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "cache: read %q", name)
	}
	if !ok {
		s.m.Miss()
		return nil, false, nil
	}
	s.m.Hit()
	s.remember(l, key, v)
	return v, true, nil
}

func (s *Store) ReadMulti(ctx context.Context, names []string) (map[string][]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(names))
	l := localFrom(ctx)

	byKey := make(map[string]string, len(names))
	var keys []string
	for _, name := range names {
		key := s.Key(name)
		if _, dup := byKey[key]; dup {
			continue
		}
		if l != nil {
			if v, ok := l.get(key); ok {
				s.m.Hit()
				out[name] = v
				continue
			}
		}
		byKey[key] = name
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return out, nil
	}

	got, err := s.b.GetMulti(ctx, keys)
	if err != nil {
		return nil, errors.Wrap(err, "cache: read multi")
	}
	for _, key := range keys {
		v, ok := got[key]
		if !ok {
			s.m.Miss()
			continue
		}
		s.m.Hit()
		out[byKey[key]] = v
		s.remember(l, key, v)
	}
	return out, nil
}

func (s *Store) Write(ctx context.Context, name string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	key := s.Key(name)
	if err := s.b.Set(ctx, key, value); err != nil {
		s.forget(ctx, key)
		return errors.Wrapf(err, "cache: write %q", name)
	}
	s.remember(localFrom(ctx), key, value)
	return nil
}

func (s *Store) WriteMulti(ctx context.Context, entries map[string][]byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	es := make([]entry.Entry, len(names))
	for i, name := range names {
		es[i] = entry.Entry{Key: s.Key(name), Value: entries[name]}
	}
	if err := s.b.SetAll(ctx, es); err != nil {
		for _, e := range es {
			s.forget(ctx, e.Key)
		}
		return errors.Wrap(err, "cache: write multi")
	}
	l := localFrom(ctx)
	for _, e := range es {
		s.remember(l, e.Key, e.Value)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	key := s.Key(name)
	s.forget(ctx, key)
	ok, err := s.b.Delete(ctx, key)
	return ok, errors.Wrapf(err, "cache: delete %q", name)
}

func (s *Store) DeleteMulti(ctx context.Context, names []string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = s.Key(name)
		s.forget(ctx, keys[i])
	}
	n, err := s.b.DeleteMulti(ctx, keys)
	return n, errors.Wrap(err, "cache: delete multi")
}

func (s *Store) Increment(ctx context.Context, name string, amount int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	key := s.Key(name)
	s.forget(ctx, key)
	n, err := s.b.Increment(ctx, key, amount)
	return n, errors.Wrapf(err, "cache: increment %q", name)
}

func (s *Store) Decrement(ctx context.Context, name string, amount int64) (int64, error) {
	return s.Increment(ctx, name, -amount)
}

func (s *Store) Fetch(ctx context.Context, name string, load Loader) ([]byte, error) {
	if v, ok, err := s.Read(ctx, name); err != nil || ok {
		return v, err
	}

	key := s.Key(name)
	// The load is shared, so one caller's cancellation must not fail the rest.
	lctx := context.WithoutCancel(ctx)
	res, err, shared := s.sf.Do(key, func() (any, error) {
		// Another flight may have written it between our miss and now.
		if v, ok, err := s.b.Get(lctx, key); err != nil || ok {
			return v, err
		}
		v, err := load(lctx)
		if err != nil {
			return nil, err
		}
		if err := s.b.Set(lctx, key, v); err != nil {
			return nil, errors.Wrapf(err, "cache: fetch %q: write", name)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	v := res.([]byte)
	if shared {
		log.Debugf("cache: fetch %q shared a load", name)
	}
	s.remember(localFrom(ctx), key, v)
	return v, nil
}

func (s *Store) Clear(context.Context) error   { return ErrNotSupported }
func (s *Store) Cleanup(context.Context) error { return ErrNotSupported }

// Close marks the store closed. It does not close the backend.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// remember stores v in l (if any), reporting evictions.
func (s *Store) remember(l *local, key string, v []byte) {
	if l == nil {
		return
	}
	for n := l.put(key, v); n > 0; n-- {
		s.m.Evict()
	}
}

func (s *Store) forget(ctx context.Context, key string) {
	if l := localFrom(ctx); l != nil {
		l.remove(key)
	}
}
