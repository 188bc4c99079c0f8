package sandbox

import (
	"fmt"
	"sync"
)

// Registry is the in-memory authoritative map from session identifier to
// session state, plus per-user active counters used for quota enforcement.
// The counters are maintained incrementally so the quota check stays O(1);
// they are never recomputed by scanning.
//
// Quota enforcement follows a reserve-then-create-then-confirm protocol:
// Reserve atomically claims the session identifier and takes a quota slot,
// Add binds a session to the reservation, Release rolls a failed reservation
// back. Both claims happen in one critical section, so two racing creates at
// the quota boundary, or two racing creates naming the same session
// identifier, can never both pass.
type Registry struct {
	mu         sync.Mutex
	maxPerUser int
	sessions   map[string]*Session
	byName     map[string]*Session
	active     map[string]int
	reserved   map[string]struct{}
}

// NewRegistry creates an empty registry enforcing the given per-user cap.
func NewRegistry(maxPerUser int) *Registry {
	return &Registry{
		maxPerUser: maxPerUser,
		sessions:   make(map[string]*Session),
		byName:     make(map[string]*Session),
		active:     make(map[string]int),
		reserved:   make(map[string]struct{}),
	}
}

// Reserve claims the session identifier and takes a quota slot for the user.
// It fails when the identifier is already registered or reserved, or with
// ErrQuotaExceeded when the cap is reached. Callers must pair every
// successful Reserve with either Add or Release.
func (r *Registry) Reserve(userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sessions[sessionID]; dup {
		return fmt.Errorf("%w: session id %q already registered", ErrCreateFailed, sessionID)
	}
	if _, dup := r.reserved[sessionID]; dup {
		return fmt.Errorf("%w: session id %q already registered", ErrCreateFailed, sessionID)
	}
	if r.active[userID] >= r.maxPerUser {
		return ErrQuotaExceeded
	}
	r.reserved[sessionID] = struct{}{}
	r.active[userID]++
	return nil
}

// Release rolls back a reservation that did not result in a session.
func (r *Registry) Release(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, sessionID)
	if r.active[userID] > 0 {
		r.active[userID]--
	}
	if r.active[userID] == 0 {
		delete(r.active, userID)
	}
}

// Add registers a session against a previously taken reservation.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, s.SessionID)
	r.sessions[s.SessionID] = s
	r.byName[s.ContainerName] = s
}

// Remove deregisters a session and gives its quota slot back. It returns nil
// if the session is not present, so repeated teardown is harmless.
func (r *Registry) Remove(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	delete(r.byName, s.ContainerName)
	if r.active[s.UserID] > 0 {
		r.active[s.UserID]--
	}
	if r.active[s.UserID] == 0 {
		delete(r.active, s.UserID)
	}
	return s
}

// Get looks up a session by identifier.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Has reports whether a session identifier is registered.
func (r *Registry) Has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// ByUser returns all sessions registered for a user.
func (r *Registry) ByUser(userID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// All returns every registered session.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveCount reports the per-user active session count, including
// outstanding reservations.
func (r *Registry) ActiveCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[userID]
}

// ClaimsContainer reports whether any registered session owns the named
// container. The reaper uses this to tell live sandboxes from orphans.
func (r *Registry) ClaimsContainer(containerName string) bool {
	_, ok := r.GetByContainer(containerName)
	return ok
}

// GetByContainer looks up the session owning the named container.
func (r *Registry) GetByContainer(containerName string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[containerName]
	return s, ok
}
