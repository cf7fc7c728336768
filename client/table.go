package client

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// ordered is a resource id.
type ordered[K any] interface {
	comparable
	Compare(K) int
}

// table is a copy-on-write map. Readers use the current snapshot without
// locking, writers replace it under mu.
type table[K ordered[K], V any] struct {
	mu sync.Mutex
	m  atomic.Pointer[map[K]V]
}

func (t *table[K, V]) snapshot() map[K]V {
	if m := t.m.Load(); m != nil {
		return *m
	}
	return nil
}

func (t *table[K, V]) get(k K) (V, bool) {
	v, ok := t.snapshot()[k]
	return v, ok
}

func (t *table[K, V]) put(k K, v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := maps.Clone(t.snapshot())
	if next == nil {
		next = make(map[K]V)
	}
	next[k] = v
	t.m.Store(&next)
}

func (t *table[K, V]) remove(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.snapshot()
	v, ok := cur[k]
	if !ok {
		return v, false
	}
	next := maps.Clone(cur)
	delete(next, k)
	t.m.Store(&next)
	return v, true
}

// clear empties the table and returns what it held, in key order.
func (t *table[K, V]) clear() []V {
	t.mu.Lock()
	defer t.mu.Unlock()
	vs := sortedValues(t.snapshot())
	t.m.Store(nil)
	return vs
}

// sorted returns the values of the current snapshot in key order.
func (t *table[K, V]) sorted() []V { return sortedValues(t.snapshot()) }

func (t *table[K, V]) size() int { return len(t.snapshot()) }

func sortedValues[K ordered[K], V any](m map[K]V) []V {
	keys := slices.SortedFunc(maps.Keys(m), func(a, b K) int { return a.Compare(b) })
	vs := make([]V, len(keys))
	for i, k := range keys {
		vs[i] = m[k]
	}
	return vs
}
