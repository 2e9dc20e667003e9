// Package keylock provides per-key mutual exclusion. A critical section
// scoped to a key never runs concurrently with another section for the same
// key; sections for different keys are independent.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry maps keys to exclusive sections. The zero value is not usable,
// construct with New.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Do runs fn while holding the exclusive lock for key. The lock is released
// on every exit path, including panics and error returns.
func (r *Registry) Do(key string, fn func() error) error {
	e := r.acquire(key)
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		r.release(key)
	}()
	return fn()
}

func (r *Registry) acquire(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	e.refs++
	return e
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.entries, key)
	}
}
