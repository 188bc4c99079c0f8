package sandbox

import (
	"sync"
	"time"
)

// Session is the registry-tracked handle a caller holds referencing one
// sandbox container. It outlives individual exec/attach cycles. Identity
// fields are immutable after registration; the attach state and active flag
// are guarded internally.
type Session struct {
	ContainerID   string
	ContainerName string
	UserID        string
	WorkspaceID   string
	SessionID     string
	CreatedAt     time.Time

	mu       sync.Mutex
	active   bool
	attached Proc
	ttlTimer *time.Timer
}

// Active reports whether the session can accept exec, shell, write and
// resize operations. It flips to false exactly once, at the start of
// teardown, before any teardown I/O begins.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// deactivate flips the active flag. It returns false if the session was
// already inactive, which makes teardown idempotent under concurrency.
func (s *Session) deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.active = false
	return true
}

// attach records the process handle for the session. At most one process is
// attached at a time; attaching over a live process fails.
func (s *Session) attach(p Proc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrSessionNotFound
	}
	if s.attached != nil {
		return ErrProcessAttached
	}
	s.attached = p
	return nil
}

// detach clears the attached handle if it still refers to p. A later attach
// is not clobbered by the exit notification of an earlier process.
func (s *Session) detach(p Proc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == p {
		s.attached = nil
	}
}

// attachedProc returns the currently attached process, if any.
func (s *Session) attachedProc() Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// setTTLTimer records the one-shot expiry timer so teardown can cancel it.
func (s *Session) setTTLTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttlTimer = t
}

// stopTTLTimer cancels a pending expiry timer, if any.
func (s *Session) stopTTLTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ttlTimer != nil {
		s.ttlTimer.Stop()
		s.ttlTimer = nil
	}
}
