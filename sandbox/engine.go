package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/aethelide/sandboxd/config"
)

// NetworkMode selects the container network configuration.
type NetworkMode string

// Supported network modes. The default is no network at all.
const (
	NetworkNone     NetworkMode = "none"
	NetworkIsolated NetworkMode = "isolated"
	NetworkBridged  NetworkMode = "bridged"
)

// WorkDir is the fixed in-container mount point for the workspace.
const WorkDir = "/workspace"

// homeDir is the in-container home directory backed by a tmpfs scratch mount.
const homeDir = "/home/sandbox"

// termEnv is set on every exec so shells inside the container have a
// terminal type.
const termEnv = "TERM=xterm-256color"

// Bounded timeouts for one-shot engine invocations. A timeout is a hard
// failure for launch and stop, a silent no-op for everything best-effort.
const (
	launchTimeout = 30 * time.Second
	listTimeout   = 15 * time.Second
	removeTimeout = 15 * time.Second
)

// LaunchSpec describes one keep-alive container to launch. All fields are
// resolved (overrides already applied) by the time the engine sees them.
type LaunchSpec struct {
	Name          string
	Image         string
	WorkspacePath string
	Network       NetworkMode
	CPUs          float64
	Memory        string
	MaxProcesses  int
	TTLSec        int
	UserID        string
	WorkspaceID   string
	SessionID     string
	CreatedAt     time.Time
}

// ContainerInfo is one row of an engine listing.
type ContainerInfo struct {
	Name  string
	State string
}

// Engine drives the container engine CLI (docker or podman; the contract is
// shared). It owns the availability probe and all argv construction.
type Engine struct {
	bin             string
	stopGrace       time.Duration
	isolatedNetwork string
	tmpfsSizeMB     int
	homeTmpfsSizeMB int
	shell           string
	runner          Runner
	logger          *zap.Logger
	available       bool
}

// NewEngine creates an Engine and performs a one-shot availability probe
// against the engine daemon, bounded by the configured probe timeout. The
// probe result is advisory; individual calls may still fail independently,
// and a restart of the manager re-evaluates availability.
func NewEngine(logger *zap.Logger, cfg *config.Config, runner Runner) *Engine {
	e := &Engine{
		bin:             cfg.Engine.Binary,
		stopGrace:       cfg.StopGrace(),
		isolatedNetwork: cfg.Engine.IsolatedNetwork,
		tmpfsSizeMB:     cfg.Sandbox.TmpfsSizeMB,
		homeTmpfsSizeMB: cfg.Sandbox.HomeTmpfsSizeMB,
		shell:           cfg.Sandbox.Shell,
		runner:          runner,
		logger:          logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout())
	defer cancel()
	e.available = e.probe(ctx)

	return e
}

// Available reports the result of the construction-time probe.
func (e *Engine) Available() bool {
	return e.available
}

func (e *Engine) probe(ctx context.Context) bool {
	args := []string{e.bin, "info", "--format", "{{.ServerVersion}}"}
	stdout, stderr, exitCode, err := e.runner.Run(ctx, args)
	if err != nil || exitCode != 0 {
		e.logger.Warn("container engine not available",
			zap.String("engine", e.bin),
			zap.String("stderr", strings.TrimSpace(stderr)),
			zap.Error(err))
		return false
	}
	e.logger.Info("container engine available",
		zap.String("engine", e.bin),
		zap.String("version", strings.TrimSpace(stdout)))
	return true
}

// Launch starts a detached, auto-removing keep-alive container and returns
// the container ID reported by the engine.
func (e *Engine) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	args := e.launchArgs(spec)
	e.logger.Debug("launching container", zap.String("cmd", shellquote.Join(args...)))

	ctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	stdout, stderr, exitCode, err := e.runner.Run(ctx, args)
	if err != nil {
		return "", fmt.Errorf("invoking %s run: %w", e.bin, err)
	}
	if exitCode != 0 {
		if isDaemonError(stderr) {
			return "", fmt.Errorf("%w: %s", ErrEngineUnavailable, strings.TrimSpace(stderr))
		}
		return "", fmt.Errorf("%s run exited %d: %s", e.bin, exitCode, strings.TrimSpace(stderr))
	}

	return strings.TrimSpace(stdout), nil
}

// launchArgs builds the engine run argv. The flag set is the security
// contract for every sandbox: read-only root, dropped capabilities, pids and
// memory ceilings, tmpfs scratch space flagged noexec/nosuid, and labels for
// out-of-band discovery by the reaper.
func (e *Engine) launchArgs(spec LaunchSpec) []string {
	network := "none"
	switch spec.Network {
	case NetworkBridged:
		network = "bridge"
	case NetworkIsolated:
		network = e.isolatedNetwork
	}

	return []string{
		e.bin, "run",
		"--detach",
		"--rm",
		"--name", spec.Name,
		"--cpus", formatCPUs(spec.CPUs),
		"--memory", spec.Memory,
		"--pids-limit", strconv.Itoa(spec.MaxProcesses),
		"--read-only",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--cap-add", "CHOWN",
		"--cap-add", "SETUID",
		"--cap-add", "SETGID",
		"--network", network,
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm", e.tmpfsSizeMB),
		"--tmpfs", fmt.Sprintf("%s:rw,noexec,nosuid,size=%dm", homeDir, e.homeTmpfsSizeMB),
		"--volume", spec.WorkspacePath + ":" + WorkDir + ":rw",
		"--workdir", WorkDir,
		"--env", "HOME=" + homeDir,
		"--label", "sandboxd.user=" + spec.UserID,
		"--label", "sandboxd.workspace=" + spec.WorkspaceID,
		"--label", "sandboxd.session=" + spec.SessionID,
		"--label", "sandboxd.created=" + spec.CreatedAt.UTC().Format(time.RFC3339),
		spec.Image,
		"sleep", strconv.Itoa(spec.TTLSec),
	}
}

// Exec runs a one-shot, non-interactive shell command inside a running
// container and returns the attached process handle.
func (e *Engine) Exec(ctx context.Context, containerName, command string) (Proc, error) {
	args := []string{
		e.bin, "exec",
		"--interactive",
		"--env", termEnv,
		containerName,
		e.shell, "-lc", command,
	}
	e.logger.Debug("executing in container", zap.String("cmd", shellquote.Join(args...)))
	return e.runner.Start(ctx, args, false)
}

// Shell attaches an interactive, pty-backed login shell inside a running
// container.
func (e *Engine) Shell(ctx context.Context, containerName string) (Proc, error) {
	args := []string{
		e.bin, "exec",
		"--interactive",
		"--tty",
		"--env", termEnv,
		containerName,
		e.shell, "-l",
	}
	e.logger.Debug("attaching shell to container", zap.String("cmd", shellquote.Join(args...)))
	return e.runner.Start(ctx, args, true)
}

// Stop stops a container with the configured grace period before force kill.
// An already-stopped or already-removed container counts as success.
func (e *Engine) Stop(ctx context.Context, containerName string) error {
	graceSec := int(e.stopGrace / time.Second)
	args := []string{e.bin, "stop", "--time", strconv.Itoa(graceSec), containerName}

	ctx, cancel := context.WithTimeout(ctx, e.stopGrace+5*time.Second)
	defer cancel()

	_, stderr, exitCode, err := e.runner.Run(ctx, args)
	if err != nil {
		return fmt.Errorf("invoking %s stop: %w", e.bin, err)
	}
	if exitCode != 0 && !isGoneError(stderr) {
		return fmt.Errorf("%s stop exited %d: %s", e.bin, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// Remove force-removes a container. An already-removed container counts as
// success.
func (e *Engine) Remove(ctx context.Context, containerName string) error {
	args := []string{e.bin, "rm", "--force", containerName}

	ctx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()

	_, stderr, exitCode, err := e.runner.Run(ctx, args)
	if err != nil {
		return fmt.Errorf("invoking %s rm: %w", e.bin, err)
	}
	if exitCode != 0 && !isGoneError(stderr) {
		return fmt.Errorf("%s rm exited %d: %s", e.bin, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// List returns all containers, running or exited, whose names carry this
// system's prefix. Containers of concurrent manager instances share the
// prefix and are expected in the result.
func (e *Engine) List(ctx context.Context) ([]ContainerInfo, error) {
	args := []string{
		e.bin, "ps",
		"--all",
		"--filter", "name=" + NamePrefix,
		"--format", "{{.Names}}\t{{.State}}",
	}

	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	stdout, stderr, exitCode, err := e.runner.Run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("invoking %s ps: %w", e.bin, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%s ps exited %d: %s", e.bin, exitCode, strings.TrimSpace(stderr))
	}

	var containers []ContainerInfo
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, state, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		containers = append(containers, ContainerInfo{Name: name, State: state})
	}
	return containers, nil
}

// isDaemonError reports whether engine stderr indicates the daemon itself
// was unreachable rather than the specific container operation failing.
func isDaemonError(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "cannot connect to the docker daemon") ||
		strings.Contains(s, "unable to connect to podman")
}

// isGoneError reports whether engine stderr indicates the container is
// already gone or stopped, which teardown treats as success.
func isGoneError(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "is not running") ||
		strings.Contains(s, "container state improper")
}

// formatCPUs renders a CPU share for the engine CLI without trailing zeros.
func formatCPUs(cpus float64) string {
	return strconv.FormatFloat(cpus, 'f', -1, 64)
}
