// Package keylock serializes work per string key.
//
// Locks are reference counted and dropped once no holder or waiter remains, so
// the registry does not grow with the number of distinct keys ever seen.
package keylock

import "sync"

// Registry hands out one mutex per key.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Lock blocks until the caller holds the lock for key and returns the
// matching unlock function.
func (r *Registry) Lock(key string) (unlock func()) {
	r.mu.Lock()
	if r.locks == nil {
		r.locks = make(map[string]*entry)
	}
	e, ok := r.locks[key]
	if !ok {
		e = &entry{}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		r.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// Len reports how many keys currently have holders or waiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
