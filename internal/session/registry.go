package session

import (
	"sort"
	"sync"
)

// Registry maps session ids to live sessions. It is the only structure that
// several request paths mutate concurrently.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Put registers s under id, failing with ErrAlreadyExists when id is taken.
func (r *Registry) Put(id string, s *Session) error {
	return r.PutWithin(id, s, 0)
}

// PutWithin is Put that also fails with ErrLimitReached when the registry
// already holds limit sessions. A limit of zero means unlimited.
func (r *Registry) PutWithin(id string, s *Session, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return ErrAlreadyExists
	}
	if limit > 0 && len(r.sessions) >= limit {
		return ErrLimitReached
	}
	r.sessions[id] = s
	return nil
}

// Remove deletes id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// RemoveIf deletes id only while it still maps to s, so a cleanup never
// removes a newer session registered under the same id.
func (r *Registry) RemoveIf(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Snapshot returns the registered sessions ordered by id.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
