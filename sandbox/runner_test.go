package sandbox

import (
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// A killed process whose output nobody drains must still reach EOF and close
// Done; otherwise the exit notification never fires and the session stays
// attached forever.
func TestOSProcKillUnblocksPump(t *testing.T) {
	p := &osProc{
		cmd:    exec.Command("true"),
		out:    make(chan []byte, 1),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}

	// Far more output than the channel buffers, with no reader attached.
	r := strings.NewReader(strings.Repeat("x", 64*1024))
	p.pumps.Add(1)
	go p.pump(r)
	go p.wait()

	p.Kill()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Kill with undrained output")
	}
	assert.Equal(t, 0, p.ExitCode())
}
