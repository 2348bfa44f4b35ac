// Package locks provides keyed mutual exclusion for workspace paths and
// sandbox identities.
package locks

import (
	"sort"
	"sync"
)

// Keyed hands out one mutex per key. Holders of different keys never block
// each other.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed creates an empty lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Lock blocks until key is held by the caller.
func (k *Keyed) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases key. Entries nobody waits on are dropped so the map does
// not grow with every path ever touched.
func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// LockAll acquires every key in sorted order, deduplicated, and returns a
// function that releases them in reverse order.
func (k *Keyed) LockAll(keys []string) (unlock func()) {
	sorted := dedupe(keys)
	for _, key := range sorted {
		k.Lock(key)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			k.Unlock(sorted[i])
		}
	}
}

// Held reports how many keys currently have holders or waiters.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
