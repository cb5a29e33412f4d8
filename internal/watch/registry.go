package watch

import (
	"errors"
	"sync"
)

// ErrAlreadyActive is returned when an identity already has a live watcher
var ErrAlreadyActive = errors.New("watcher already active for this identity")

// Registry holds at most one watcher per identity. It is the only piece
// of state shared between callers, so all access is serialized here.
type Registry struct {
	mu       sync.Mutex
	watchers map[int64]*Watcher
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{watchers: make(map[int64]*Watcher)}
}

// Set stores a watcher for identity. If a prior entry is still connecting
// or monitoring the insert is rejected; the caller must stop it first.
// Two concurrent sessions for one identity must never exist.
func (r *Registry) Set(identity int64, w *Watcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.watchers[identity]; ok && existing.Active() {
		return ErrAlreadyActive
	}
	r.watchers[identity] = w
	return nil
}

// Get returns the watcher for identity, if any
func (r *Registry) Get(identity int64) (*Watcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watchers[identity]
	return w, ok
}

// Remove drops the entry for identity
func (r *Registry) Remove(identity int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, identity)
}

// RemoveWatcher drops the entry only if it still is w. A stale watcher's
// late disconnect must not evict a successor that already took the slot.
func (r *Registry) RemoveWatcher(identity int64, w *Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.watchers[identity]; ok && current == w {
		delete(r.watchers, identity)
	}
}

// Len returns the number of registered watchers
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// All returns a snapshot of the registered watchers
func (r *Registry) All() map[int64]*Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[int64]*Watcher, len(r.watchers))
	for id, w := range r.watchers {
		snapshot[id] = w
	}
	return snapshot
}
