// Package rctrl implements the service registry a ConnectionManager
// listener consults to resolve incoming rendezvous requests (spec.md §3,
// §4.6).
package rctrl

import "sync"

// Entry binds a service-id (and allocated qd-hint) to a local QP and its
// receive buffer.
type Entry struct {
	QDHint   uint64
	QPN      uint64
	RecvAddr uint64
	RecvRKey uint32
}

// RCtrl is the mutex-guarded registry: registration, deregistration and
// lookup each take the lock for the duration of one entry's insertion or
// removal (spec.md §5).
type RCtrl struct {
	mu      sync.Mutex
	entries map[uint64]map[uint64]Entry // serviceID -> qdHint -> Entry
	nextQD  uint64
}

// New returns an empty registry.
func New() *RCtrl {
	return &RCtrl{entries: make(map[uint64]map[uint64]Entry)}
}

// Register binds e under (serviceID, qdHint), replacing any prior entry.
func (r *RCtrl) Register(serviceID, qdHint uint64, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.entries[serviceID]
	if !ok {
		m = make(map[uint64]Entry)
		r.entries[serviceID] = m
	}
	e.QDHint = qdHint
	m[qdHint] = e
}

// RegisterNext allocates a fresh qd-hint, binds e under it and returns the
// allocation (spec.md §4.6: connect_rc "registers it in the service
// registry at a freshly allocated qd").
func (r *RCtrl) RegisterNext(serviceID uint64, e Entry) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextQD++
	qd := r.nextQD
	m, ok := r.entries[serviceID]
	if !ok {
		m = make(map[uint64]Entry)
		r.entries[serviceID] = m
	}
	e.QDHint = qd
	m[qd] = e
	return qd
}

// Lookup returns the entry bound to (serviceID, qdHint), if any.
func (r *RCtrl) Lookup(serviceID, qdHint uint64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.entries[serviceID]
	if !ok {
		return Entry{}, false
	}
	e, ok := m[qdHint]
	return e, ok
}

// Deregister removes the entry bound to (serviceID, qdHint), if any.
func (r *RCtrl) Deregister(serviceID, qdHint uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.entries[serviceID]; ok {
		delete(m, qdHint)
	}
}
