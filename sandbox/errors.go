package sandbox

import "errors"

// Error taxonomy for session operations. Creation and attach failures are
// surfaced to the caller; teardown and resize failures are logged and
// swallowed so that destroy stays unconditionally idempotent.
var (
	// ErrEngineUnavailable indicates the container engine daemon could not
	// be reached.
	ErrEngineUnavailable = errors.New("container engine unavailable")

	// ErrQuotaExceeded indicates the per-user active session cap was hit.
	// No engine invocation is performed when this is returned.
	ErrQuotaExceeded = errors.New("session quota exceeded")

	// ErrCreateFailed wraps engine invocation errors during session
	// creation. No partial session is left registered.
	ErrCreateFailed = errors.New("sandbox creation failed")

	// ErrSessionNotFound indicates the referenced session is absent from
	// the registry or is no longer active.
	ErrSessionNotFound = errors.New("session not found")

	// ErrProcessAttached indicates a process is already attached to the
	// session. The manager never silently kills a running process to start
	// another; the caller must destroy or wait first.
	ErrProcessAttached = errors.New("a process is already attached to this session")
)
