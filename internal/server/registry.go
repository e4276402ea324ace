// Package server tracks live connections in the Registry, the single source
// of truth for who is currently connected.
package server

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps connection identifiers to their sessions. Every operation is
// atomic under one mutex acquisition, so no caller ever observes a state that
// reflects only part of a concurrent insert or remove. A connection is
// present here if and only if its channel is believed open; removal is final.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	metrics  *Metrics
}

// NewRegistry returns an empty registry. metrics may be nil.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		metrics:  metrics,
	}
}

// Insert adds a session under its identifier and returns the resulting
// connection count.
func (r *Registry) Insert(sess *Session) int {
	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.recordConnections(count)
	return count
}

// Remove deletes the session for id and closes its channel. It reports
// whether the session was present, which lets callers emit the offline
// notice for a given connection exactly once.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}

	// Close outside the lock; Close may block on the network.
	sess.Close()
	r.metrics.recordConnections(count)
	return true
}

// Get resolves id to its live session, or a client-not-found error.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()

	if !ok {
		return nil, errClientNotFound(id)
	}
	return sess, nil
}

// SetName updates the display name for id, or reports client-not-found.
func (r *Registry) SetName(id uuid.UUID, name string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()

	if !ok {
		return errClientNotFound(id)
	}
	sess.setName(name)
	return nil
}

// Match returns a snapshot of the sessions selected by target. Fan-out
// callers iterate the copy so no lock is held across sends.
func (r *Registry) Match(target Target) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if target.matches(id) {
			matched = append(matched, sess)
		}
	}
	return matched
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session and empties the registry. Used during
// shutdown only.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[uuid.UUID]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	r.metrics.recordConnections(0)
}
