package cache

import (
	"bytes"
	"context"
	"sync"
)

// DefaultLocalCacheSize bounds a local cache when WithLocalCache gets size <= 0.
const DefaultLocalCacheSize = 1000

type localKey struct{}

// WithLocalCache returns a context carrying a fresh local cache of at most
// size entries. Stores used with that context read through it.
func WithLocalCache(ctx context.Context, size int) context.Context {
	if size <= 0 {
		size = DefaultLocalCacheSize
	}
	return context.WithValue(ctx, localKey{}, newLocal(size))
}

func localFrom(ctx context.Context) *local {
	l, _ := ctx.Value(localKey{}).(*local)
	return l
}

// node is an element of the local cache's intrusive list.
type node struct {
	key  string
	val  []byte
	prev *node
	next *node
}

// local is a bounded LRU keyed by full (namespaced) keys.
// head is the most recently used entry, tail the least.
type local struct {
	mu   sync.Mutex
	m    map[string]*node
	head *node
	tail *node
	cap  int
}

func newLocal(capacity int) *local {
	return &local{m: make(map[string]*node, capacity), cap: capacity}
}

// get returns a copy of the value and promotes the entry.
func (l *local) get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.m[key]
	if !ok {
		return nil, false
	}
	l.moveToFront(n)
	return bytes.Clone(n.val), true
}

// put stores a copy of val and reports how many entries it pushed out.
func (l *local) put(key string, val []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n, ok := l.m[key]; ok {
		n.val = bytes.Clone(val)
		l.moveToFront(n)
		return 0
	}
	n := &node{key: key, val: bytes.Clone(val)}
	l.m[key] = n
	l.pushFront(n)

	evicted := 0
	for len(l.m) > l.cap && l.tail != nil {
		old := l.tail
		l.unlink(old)
		delete(l.m, old.key)
		evicted++
	}
	return evicted
}

func (l *local) remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.m[key]; ok {
		l.unlink(n)
		delete(l.m, key)
	}
}

func (l *local) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// ---- list internals (mu held) ----

func (l *local) pushFront(n *node) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
}

func (l *local) moveToFront(n *node) {
	if n == l.head {
		return
	}
	l.unlink(n)
	l.pushFront(n)
}

func (l *local) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if l.head == n {
		l.head = n.next
	}
	if l.tail == n {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}
