package sandbox

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aethelide/sandboxd/config"
)

// runResult scripts the outcome of one engine subcommand.
type runResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockRunner implements Runner for testing. Results are scripted per engine
// subcommand ("info", "run", "stop", "rm", "ps"); every invocation is
// recorded for assertions.
type MockRunner struct {
	mu      sync.Mutex
	results map[string]runResult
	calls   [][]string

	startProcs []*fakeProc
	startErr   error
	started    [][]string
}

func (m *MockRunner) Run(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)

	sub := ""
	if len(args) > 1 {
		sub = args[1]
	}
	if result, exists := m.results[sub]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}
	return "", "", 0, nil
}

func (m *MockRunner) Start(_ context.Context, args []string, _ bool) (Proc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, args)
	if m.startErr != nil {
		return nil, m.startErr
	}
	proc := newFakeProc()
	m.startProcs = append(m.startProcs, proc)
	return proc, nil
}

func (m *MockRunner) script(sub string, result runResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]runResult)
	}
	m.results[sub] = result
}

// callsFor returns the recorded Run invocations for one subcommand.
func (m *MockRunner) callsFor(sub string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]string
	for _, call := range m.calls {
		if len(call) > 1 && call[1] == sub {
			out = append(out, call)
		}
	}
	return out
}

// lastStarted returns the most recently started fake process.
func (m *MockRunner) lastStarted() *fakeProc {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.startProcs) == 0 {
		return nil
	}
	return m.startProcs[len(m.startProcs)-1]
}

// fakeProc implements Proc for testing attached processes.
type fakeProc struct {
	out  chan []byte
	done chan struct{}

	mu        sync.Mutex
	exitCode  int
	exited    bool
	killed    bool
	writes    [][]byte
	resizes   [][2]uint16
	resizeErr error

	exitOnce sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (p *fakeProc) Output() <-chan []byte { return p.out }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, io.ErrClosedPipe
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakeProc) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resizeErr != nil {
		return p.resizeErr
	}
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *fakeProc) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(137)
}

func (p *fakeProc) emit(chunk []byte) {
	p.out <- chunk
}

func (p *fakeProc) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exited = true
		p.exitCode = code
		p.mu.Unlock()
		close(p.out)
		close(p.done)
	})
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// testConfig returns a config suitable for unit tests, bypassing viper.
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
			WorkspaceRoot:      "",
			MaxSessionsPerUser: 5,
			ReaperIntervalSec:  60,
			TmpfsSizeMB:        64,
			HomeTmpfsSizeMB:    128,
		},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

// newTestManager builds a manager over a mock runner. The mock's default
// results make the availability probe succeed and container launches return
// an empty id unless scripted otherwise.
func newTestManager(t zaptest.TestingT, runner *MockRunner) (*Manager, *Registry, *Engine) {
	logger := zaptest.NewLogger(t)
	return newTestManagerWith(logger, testConfig(), runner)
}

func newTestManagerWith(logger *zap.Logger, cfg *config.Config, runner *MockRunner) (*Manager, *Registry, *Engine) {
	engine := NewEngine(logger, cfg, runner)
	registry := NewRegistry(cfg.Sandbox.MaxSessionsPerUser)
	manager := NewManager(logger, cfg, engine, registry)
	return manager, registry, engine
}
