// Package store provides the concurrent map shared by the key store and the
// connection registries.
package store

import (
	"sync"
)

// Map is a concurrency-safe map keyed by any comparable type. Key equality is
// the key type's own ==.
//
// When built with a ResourceLog, additions and removals are reported to it
// under the map's kind. Stores holding secrets are built without one.
type Map[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
	kind    string
	log     *ResourceLog
}

// New creates an empty map. kind names the resource in log lines; rlog may
// be nil.
func New[K comparable, V any](kind string, rlog *ResourceLog) *Map[K, V] {
	return &Map[K, V]{
		entries: make(map[K]V),
		kind:    kind,
		log:     rlog,
	}
}

// Load returns the value stored under key.
func (m *Map[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.entries[key]
	return v, ok
}

// Store sets the value for key, returning the value it replaced.
func (m *Map[K, V]) Store(key K, value V) (previous V, replaced bool) {
	m.mu.Lock()
	previous, replaced = m.entries[key]
	m.entries[key] = value
	m.mu.Unlock()

	m.log.Added(m.kind, key)
	return previous, replaced
}

// Delete removes key, returning the removed value.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	m.mu.Lock()
	v, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if ok {
		m.log.Removed(m.kind, key)
	}
	return v, ok
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(key K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entries[key]
	return ok
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Range calls fn for each entry of a snapshot taken under the read lock, so
// fn may call back into the map. Iteration stops when fn returns false.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	type entry struct {
		k K
		v V
	}

	m.mu.RLock()
	snapshot := make([]entry, 0, len(m.entries))
	for k, v := range m.entries {
		snapshot = append(snapshot, entry{k, v})
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e.k, e.v) {
			return
		}
	}
}
