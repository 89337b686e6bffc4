package hub

import (
	"sync"

	"github.com/amoylab/clinicpush/pkg/protocol"
)

// Registry maps a principal identity to its single active session. All
// mutations and lookups are serialized by one mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register activates s as the session for its identity. A previous session
// for the same identity is closed as superseded before s is inserted, and is
// returned.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.sessions[s.ID]
	if old != nil {
		old.Close(protocol.CloseSuperseded, "")
	}
	s.activate()
	r.sessions[s.ID] = s
	return old
}

// Remove deletes s if it is still the registered session for its identity.
// A superseded session never removes its successor.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true
	}
	return false
}

// Get returns the session registered for id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns the registered sessions at call time
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
