// Package presence tracks which users hold a live connection.
package presence

import (
	"sort"
	"sync"
)

// Registry maps a user id to its active connection. A user has at most one
// routed connection: the most recent Connect wins.
type Registry[C comparable] struct {
	mu    sync.RWMutex
	conns map[string]C
}

func NewRegistry[C comparable]() *Registry[C] {
	return &Registry[C]{conns: make(map[string]C)}
}

// Connect routes userID to conn and returns the connection it displaced, if
// any.
func (r *Registry[C]) Connect(userID string, conn C) (prev C, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, replaced = r.conns[userID]
	r.conns[userID] = conn
	return prev, replaced
}

// Disconnect removes userID only while conn is still its routed connection,
// so a stale socket closing late cannot evict a newer one.
func (r *Registry[C]) Disconnect(userID string, conn C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[userID]
	if !ok || cur != conn {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Lookup returns the routed connection for userID.
func (r *Registry[C]) Lookup(userID string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Online returns the sorted ids of connected users.
func (r *Registry[C]) Online() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Each calls fn for every routed connection. fn must not call back into r.
func (r *Registry[C]) Each(fn func(userID string, conn C)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.conns {
		fn(id, c)
	}
}
