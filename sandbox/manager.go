package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"go.uber.org/zap"

	"github.com/aethelide/sandboxd/config"
)

// CreateRequest carries the caller-supplied parameters for one sandbox.
// Optional fields fall back to tier defaults or configuration. The request
// is treated as immutable once passed to Create.
type CreateRequest struct {
	UserID        string
	WorkspaceID   string
	WorkspacePath string

	// SessionID, when set, is used verbatim for session continuity.
	SessionID string

	// Image overrides the configured default container image.
	Image string

	// Resource overrides; zero values fall back to the tier limits.
	CPUs         float64
	Memory       string
	MaxProcesses int
	TTLSec       int

	// Network defaults to NetworkNone.
	Network NetworkMode
}

// Manager is the lifecycle controller for sandbox sessions. All operations
// are safe for concurrent use.
type Manager struct {
	logger        *zap.Logger
	engine        *Engine
	registry      *Registry
	image         string
	workspaceRoot string

	events        chan Event
	droppedEvents atomic.Uint64
}

// NewManager creates a Manager on top of an engine and a registry.
func NewManager(logger *zap.Logger, cfg *config.Config, engine *Engine, registry *Registry) *Manager {
	return &Manager{
		logger:        logger,
		engine:        engine,
		registry:      registry,
		image:         cfg.Sandbox.Image,
		workspaceRoot: cfg.Sandbox.WorkspaceRoot,
		events:        make(chan Event, eventBuffer),
	}
}

// Available reports whether the construction-time engine probe succeeded.
// It is advisory: callers use it to pick a non-sandboxed fallback path
// outside this component; it does not gate individual calls.
func (m *Manager) Available() bool {
	return m.engine.Available()
}

// Events returns the lifecycle notification channel. Sends are non-blocking;
// a slow or absent observer loses events, never stalls the manager.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Create launches a keep-alive container for the request, registers a
// session against it and schedules TTL expiry. The quota check and the
// counter increment happen in one critical section; the engine invocation
// happens only after the slot is reserved and the reservation is rolled back
// if the engine fails. Quota violations perform no engine call.
func (m *Manager) Create(ctx context.Context, req CreateRequest, tier Tier) (*Session, error) {
	if req.UserID == "" || req.WorkspaceID == "" || req.WorkspacePath == "" {
		return nil, fmt.Errorf("%w: user id, workspace id and workspace path are required", ErrCreateFailed)
	}

	workspacePath, err := m.resolveWorkspacePath(req.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	sessionID := SessionID(req.SessionID)
	spec := m.resolveSpec(req, tier, sessionID, workspacePath)

	// Reserve-then-create-then-confirm: the session identifier and the quota
	// slot are both claimed before the first engine call and given back if
	// the launch fails.
	if err := m.registry.Reserve(req.UserID, sessionID); err != nil {
		return nil, err
	}

	containerID, err := m.engine.Launch(ctx, spec)
	if err != nil {
		m.registry.Release(req.UserID, sessionID)
		m.logger.Error("container launch failed",
			zap.String("user_id", req.UserID),
			zap.String("workspace_id", req.WorkspaceID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	session := &Session{
		ContainerID:   containerID,
		ContainerName: spec.Name,
		UserID:        req.UserID,
		WorkspaceID:   req.WorkspaceID,
		SessionID:     sessionID,
		CreatedAt:     spec.CreatedAt,
		active:        true,
	}
	m.registry.Add(session)

	ttl := time.Duration(spec.TTLSec) * time.Second
	session.setTTLTimer(time.AfterFunc(ttl, func() {
		m.logger.Info("session ttl elapsed", zap.String("session_id", sessionID))
		m.Destroy(context.Background(), sessionID)
	}))

	m.logger.Info("sandbox created",
		zap.String("session_id", sessionID),
		zap.String("container", spec.Name),
		zap.String("user_id", req.UserID),
		zap.String("workspace_id", req.WorkspaceID),
		zap.String("tier", string(tier)),
		zap.Int("ttl_sec", spec.TTLSec))
	m.emit(Event{Kind: EventCreated, Session: session})

	return session, nil
}

// Execute runs a one-shot shell command inside the session's container and
// attaches the resulting process. Command content is not inspected here;
// filtering belongs to the caller's policy layer.
func (m *Manager) Execute(ctx context.Context, sessionID, command string) (Proc, error) {
	session, err := m.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.attachedProc() != nil {
		return nil, ErrProcessAttached
	}

	proc, err := m.engine.Exec(ctx, session.ContainerName, command)
	if err != nil {
		return nil, fmt.Errorf("exec in session %s: %w", sessionID, err)
	}
	return m.bind(session, proc)
}

// Shell attaches an interactive, pty-backed shell to the session.
func (m *Manager) Shell(ctx context.Context, sessionID string) (Proc, error) {
	session, err := m.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.attachedProc() != nil {
		return nil, ErrProcessAttached
	}

	proc, err := m.engine.Shell(ctx, session.ContainerName)
	if err != nil {
		return nil, fmt.Errorf("shell in session %s: %w", sessionID, err)
	}
	return m.bind(session, proc)
}

// bind records the attachment and clears it once the process exits.
func (m *Manager) bind(session *Session, proc Proc) (Proc, error) {
	if err := session.attach(proc); err != nil {
		// Lost the race against a concurrent attach or teardown.
		proc.Kill()
		return nil, err
	}
	go func() {
		<-proc.Done()
		session.detach(proc)
	}()
	return proc, nil
}

// Write sends raw bytes to the session's attached process. It returns false
// when there is nothing to write to, which is an expected condition (typing
// before a shell attached), not an error.
func (m *Manager) Write(sessionID string, data []byte) bool {
	session, err := m.activeSession(sessionID)
	if err != nil {
		return false
	}
	proc := session.attachedProc()
	if proc == nil {
		return false
	}
	if _, err := proc.Write(data); err != nil {
		m.logger.Debug("write to session failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return true
}

// Resize updates the terminal geometry of the attached process. Resize is
// cosmetic: failures are logged and swallowed and never affect the session.
func (m *Manager) Resize(sessionID string, cols, rows uint16) {
	session, err := m.activeSession(sessionID)
	if err != nil {
		return
	}
	proc := session.attachedProc()
	if proc == nil {
		return
	}
	if err := proc.Resize(cols, rows); err != nil {
		m.logger.Debug("terminal resize failed",
			zap.String("session_id", sessionID),
			zap.Uint16("cols", cols),
			zap.Uint16("rows", rows),
			zap.Error(err))
	}
}

// Destroy tears a session down. It is idempotent: repeated calls, or calls
// for unknown sessions, are no-ops. The active flag flips before any
// teardown I/O so racing exec/write calls fail their precondition instead of
// touching a half-torn-down container. Engine failures during teardown are
// logged and swallowed; deregistration always happens.
func (m *Manager) Destroy(ctx context.Context, sessionID string) {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return
	}
	if !session.deactivate() {
		// A concurrent Destroy got here first.
		return
	}

	session.stopTTLTimer()

	if proc := session.attachedProc(); proc != nil {
		proc.Kill()
		session.detach(proc)
	}

	if err := m.engine.Stop(ctx, session.ContainerName); err != nil {
		m.logger.Warn("container stop failed during teardown",
			zap.String("session_id", sessionID),
			zap.String("container", session.ContainerName),
			zap.Error(err))
	}

	m.registry.Remove(sessionID)

	m.logger.Info("sandbox destroyed",
		zap.String("session_id", sessionID),
		zap.String("container", session.ContainerName),
		zap.String("user_id", session.UserID))
	m.emit(Event{Kind: EventDestroyed, Session: session})
}

// Session looks up a session by identifier.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	return m.registry.Get(sessionID)
}

// UserSessions returns all sessions registered for a user.
func (m *Manager) UserSessions(userID string) []*Session {
	return m.registry.ByUser(userID)
}

// Shutdown drains every registered session, bounded by the caller's context.
// The host process calls it exactly once from its termination handler, after
// stopping the reaper.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.registry.All()
	m.logger.Info("shutting down", zap.Int("sessions", len(sessions)))

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			m.Destroy(ctx, sessionID)
		}(s.SessionID)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}
}

// activeSession resolves a session that exists and is still active.
func (m *Manager) activeSession(sessionID string) (*Session, error) {
	session, ok := m.registry.Get(sessionID)
	if !ok || !session.Active() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// resolveSpec applies request overrides on top of the tier defaults.
func (m *Manager) resolveSpec(req CreateRequest, tier Tier, sessionID, workspacePath string) LaunchSpec {
	limits := LimitsFor(tier)

	spec := LaunchSpec{
		Name:          ContainerName(req.UserID, req.WorkspaceID),
		Image:         m.image,
		WorkspacePath: workspacePath,
		Network:       NetworkNone,
		CPUs:          limits.CPUs,
		Memory:        limits.Memory,
		MaxProcesses:  limits.MaxProcesses,
		TTLSec:        limits.DefaultTTLSec,
		UserID:        req.UserID,
		WorkspaceID:   req.WorkspaceID,
		SessionID:     sessionID,
		CreatedAt:     time.Now(),
	}

	if req.Image != "" {
		spec.Image = req.Image
	}
	if req.Network != "" {
		spec.Network = req.Network
	}
	if req.CPUs > 0 {
		spec.CPUs = req.CPUs
	}
	if req.Memory != "" {
		spec.Memory = req.Memory
	}
	if req.MaxProcesses > 0 {
		spec.MaxProcesses = req.MaxProcesses
	}
	if req.TTLSec > 0 {
		spec.TTLSec = req.TTLSec
	}

	return spec
}

// resolveWorkspacePath contains the mount path inside the configured
// workspace root. With no root configured the path is mounted as given.
func (m *Manager) resolveWorkspacePath(path string) (string, error) {
	if m.workspaceRoot == "" {
		return path, nil
	}

	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(m.workspaceRoot, path)
		if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("workspace path %q escapes workspace root", path)
		}
		rel = r
	}

	resolved, err := securejoin.SecureJoin(m.workspaceRoot, rel)
	if err != nil {
		return "", fmt.Errorf("resolving workspace path: %w", err)
	}
	return resolved, nil
}

// emit delivers a lifecycle event without ever blocking the caller.
func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
		dropped := m.droppedEvents.Add(1)
		m.logger.Debug("event observer behind, dropping event",
			zap.String("kind", string(event.Kind)),
			zap.Uint64("dropped_total", dropped))
	}
}
