package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aethelide/sandboxd/config"
	"github.com/aethelide/sandboxd/sandbox"
)

// stubRunner implements sandbox.Runner without touching a real engine.
type stubRunner struct{}

func (stubRunner) Run(_ context.Context, _ []string) (string, string, int, error) {
	return "", "", 0, nil
}

func (stubRunner) Start(_ context.Context, _ []string, _ bool) (sandbox.Proc, error) {
	return nil, errors.New("start not supported in tests")
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Engine: config.EngineConfig{
			Binary:          "docker",
			ProbeTimeoutSec: 1,
			StopGraceSec:    10,
			IsolatedNetwork: "sandboxd-isolated",
		},
		Sandbox: config.SandboxConfig{
			Image:              "ubuntu:22.04",
			Shell:              "/bin/bash",
			MaxSessionsPerUser: 5,
			ReaperIntervalSec:  60,
			TmpfsSizeMB:        64,
			HomeTmpfsSizeMB:    128,
		},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

func newTestServer(t *testing.T) (*MCPServer, *sandbox.Manager) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	engine := sandbox.NewEngine(logger, cfg, stubRunner{})
	registry := sandbox.NewRegistry(cfg.Sandbox.MaxSessionsPerUser)
	manager := sandbox.NewManager(logger, cfg, engine, registry)

	srv, err := New(cfg, logger, manager)
	require.NoError(t, err)
	require.NotNil(t, srv)
	return srv, manager
}

func TestNewMCPServer(t *testing.T) {
	srv, manager := newTestServer(t)
	assert.Equal(t, manager, srv.manager)
	assert.NotNil(t, srv.mcpServer)
}

func TestSessionInfoShape(t *testing.T) {
	_, manager := newTestServer(t)

	session, err := manager.Create(context.Background(), sandbox.CreateRequest{
		UserID:        "alice",
		WorkspaceID:   "ws1",
		WorkspacePath: "/srv/ws",
		SessionID:     "sess-1",
	}, sandbox.TierFree)
	require.NoError(t, err)

	info := toSessionInfo(session)
	assert.Equal(t, "sess-1", info.SessionID)
	assert.Equal(t, "alice", info.UserID)
	assert.Equal(t, "ws1", info.WorkspaceID)
	assert.True(t, info.Active)

	created, err := time.Parse(time.RFC3339, info.CreatedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), created, time.Minute)
}

func TestJSONResult(t *testing.T) {
	result, err := jsonResult(map[string]any{"exit_code": 0})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)

	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &decoded))
	assert.EqualValues(t, 0, decoded["exit_code"])
}

func TestErrorResult(t *testing.T) {
	result := errorResult("boom")
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
}

// hangProc is a sandbox.Proc that never exits on its own.
type hangProc struct {
	out  chan []byte
	done chan struct{}

	mu       sync.Mutex
	killed   bool
	killOnce sync.Once
}

func newHangProc() *hangProc {
	return &hangProc{
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
}

func (p *hangProc) Output() <-chan []byte       { return p.out }
func (p *hangProc) Done() <-chan struct{}       { return p.done }
func (p *hangProc) ExitCode() int               { return 137 }
func (p *hangProc) Write(b []byte) (int, error) { return len(b), nil }
func (p *hangProc) Resize(_, _ uint16) error    { return nil }

func (p *hangProc) Kill() {
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		close(p.out)
		close(p.done)
	})
}

func (p *hangProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// hangRunner hands out a single hangProc for every Start.
type hangRunner struct {
	proc *hangProc
}

func (hangRunner) Run(_ context.Context, _ []string) (string, string, int, error) {
	return "", "", 0, nil
}

func (r hangRunner) Start(_ context.Context, _ []string, _ bool) (sandbox.Proc, error) {
	return r.proc, nil
}

func TestExecuteCommandCancellation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	proc := newHangProc()
	engine := sandbox.NewEngine(logger, cfg, hangRunner{proc: proc})
	registry := sandbox.NewRegistry(cfg.Sandbox.MaxSessionsPerUser)
	manager := sandbox.NewManager(logger, cfg, engine, registry)

	srv, err := New(cfg, logger, manager)
	require.NoError(t, err)

	session, err := manager.Create(context.Background(), sandbox.CreateRequest{
		UserID:        "alice",
		WorkspaceID:   "ws1",
		WorkspacePath: "/srv/ws",
	}, sandbox.TierFree)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	request := mcp.CallToolRequest{}
	request.Params.Name = "execute_command"
	request.Params.Arguments = map[string]any{
		"session_id": session.SessionID,
		"command":    "sleep 3600",
	}

	result, err := srv.handleExecuteCommand(ctx, request)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, proc.wasKilled())
}
