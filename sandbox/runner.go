package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Proc is a handle on a subprocess attached to a session. Output carries
// combined stdout/stderr chunks and is closed after the process exits; Done
// is closed once the exit code is known.
type Proc interface {
	// Output returns the stream of output chunks. The channel is closed
	// when the process exits and all output has been delivered.
	Output() <-chan []byte

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// ExitCode reports the process exit code. Only valid after Done is
	// closed; defaults to 0 when the engine reports none.
	ExitCode() int

	// Write sends raw bytes to the process input stream.
	Write(p []byte) (int, error)

	// Resize updates the terminal geometry for interactive processes.
	Resize(cols, rows uint16) error

	// Kill terminates the process. Safe to call after exit.
	Kill()
}

// Runner executes container engine commands. Run performs a one-shot
// invocation collecting all output; Start launches a long-lived process
// returning a Proc handle, with a host-side pseudo-terminal when interactive
// is set.
type Runner interface {
	Run(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
	Start(ctx context.Context, args []string, interactive bool) (Proc, error)
}

// ExecRunner implements Runner using os/exec against the real engine CLI.
type ExecRunner struct{}

// Run executes the given command with arguments and collects its output.
func (ExecRunner) Run(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Argv is built by the engine, not by callers

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
			err = nil
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Start launches a long-lived process. Interactive processes are attached to
// a host-side pty so the engine CLI sees a terminal and propagates geometry
// changes into the container.
func (ExecRunner) Start(ctx context.Context, args []string, interactive bool) (Proc, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Argv is built by the engine, not by callers

	p := &osProc{
		cmd:    cmd,
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}

	if interactive {
		tty, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("starting process on pty: %w", err)
		}
		p.tty = tty
		p.stdin = tty
		p.pumps.Add(1)
		go p.pump(tty)
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting process: %w", err)
		}
		p.stdin = stdin
		p.pumps.Add(2)
		go p.pump(stdoutPipe)
		go p.pump(stderrPipe)
	}

	go p.wait()
	return p, nil
}

// osProc is the Proc implementation backed by a real subprocess.
type osProc struct {
	cmd   *exec.Cmd
	tty   *os.File
	stdin io.WriteCloser

	out    chan []byte
	done   chan struct{}
	killed chan struct{}
	pumps  sync.WaitGroup

	killOnce sync.Once

	mu       sync.Mutex
	exited   bool
	exitCode int
}

func (p *osProc) Output() <-chan []byte { return p.out }

func (p *osProc) Done() <-chan struct{} { return p.done }

func (p *osProc) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *osProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return 0, io.ErrClosedPipe
	}
	return p.stdin.Write(b)
}

func (p *osProc) Resize(cols, rows uint16) error {
	if p.tty == nil {
		return fmt.Errorf("no terminal attached")
	}
	return pty.Setsize(p.tty, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *osProc) Kill() {
	p.killOnce.Do(func() {
		close(p.killed)
	})
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// pump copies output from one stream into the chunk channel. After a kill
// nobody is reading anymore; remaining chunks are dropped so the pump can
// reach EOF and release wait.
func (p *osProc) pump(r io.Reader) {
	defer p.pumps.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.out <- chunk:
			case <-p.killed:
			}
		}
		if err != nil {
			return
		}
	}
}

// wait collects the exit status after all output has been delivered.
func (p *osProc) wait() {
	p.pumps.Wait()
	err := p.cmd.Wait()

	code := 0
	if exitError, ok := err.(*exec.ExitError); ok {
		code = exitError.ExitCode()
	}

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()

	if p.tty != nil {
		_ = p.tty.Close()
	}
	close(p.out)
	close(p.done)
}
