// Package registry holds the live wrapper objects of the engine. It is the
// single point of truth for whether a live protocol exchange is in progress
// for a given id; it is never authoritative for entity data.
package registry

import (
	"sync"

	"github.com/rcsgo/rcsd/internal/metrics"
)

// Registry is a concurrent id-to-wrapper map for one entity kind.
type Registry[T any] struct {
	kind string

	mu      sync.RWMutex
	entries map[string]T
}

// New creates a registry for the given entity kind label.
func New[T any](kind string) *Registry[T] {
	metrics.LiveSessions.WithLabelValues(kind).Set(0)
	return &Registry[T]{
		kind:    kind,
		entries: make(map[string]T),
	}
}

// Get returns the wrapper for id if present.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	return v, ok
}

// Put registers a wrapper for id. Idempotent: re-registering the same id
// replaces the entry.
func (r *Registry[T]) Put(id string, v T) {
	r.mu.Lock()
	r.entries[id] = v
	metrics.LiveSessions.WithLabelValues(r.kind).Set(float64(len(r.entries)))
	r.mu.Unlock()
}

// Remove deletes the wrapper for id. Removing an absent id is a no-op.
func (r *Registry[T]) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	metrics.LiveSessions.WithLabelValues(r.kind).Set(float64(len(r.entries)))
	r.mu.Unlock()
}

// Len returns the number of registered wrappers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

