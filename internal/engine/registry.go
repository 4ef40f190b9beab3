package engine

import "sync"

// Registry is the process-wide table mapping broadcaster identity to at most
// one live session. It has an explicit constructor and is injected into the
// engine rather than living as package state; a process owns exactly one.
//
// All operations are atomic with respect to each other: two racing start
// requests for the same owner can never both create a session. No blocking
// work happens while the lock is held.
type Registry struct {
	mu      sync.Mutex
	byOwner map[string]*Session
	byID    map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byOwner: make(map[string]*Session),
		byID:    make(map[string]*Session),
	}
}

// GetOrCreate returns the live session for owner, or atomically installs the
// session produced by create when none exists. The create callback runs with
// the registry lock held and must only allocate.
func (r *Registry) GetOrCreate(owner string, create func() *Session) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byOwner[owner]; ok {
		return existing, false
	}
	s = create()
	r.byOwner[owner] = s
	r.byID[s.ID()] = s
	return s, true
}

// Get returns the live session for owner.
func (r *Registry) Get(owner string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byOwner[owner]
	return s, ok
}

// GetByID returns the live session with the given session ID.
func (r *Registry) GetByID(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// Remove deletes s from the registry. Removal keyed on the session value,
// not just the owner, so a stale cleanup can never evict a newer session
// that reused the owner slot. Removing an absent session is a no-op.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byOwner[s.Owner()]; ok && current == s {
		delete(r.byOwner, s.Owner())
	}
	delete(r.byID, s.ID())
}

// Snapshot returns the live sessions at this instant. Used by the process
// shutdown sweep and the status surface.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.byOwner))
	for _, s := range r.byOwner {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOwner)
}
