package tunnel

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// Handle is a spawned SSH client process.
type Handle interface {
	Pid() int

	// Wait blocks until the process exits. It must be called exactly once.
	Wait() error

	// Terminate sends the polite termination signal.
	Terminate() error

	// Kill forcefully ends the process.
	Kill() error

	// OutputTail returns the most recent combined stdout/stderr output,
	// for diagnostic capture after an unexpected exit.
	OutputTail() string
}

// Launcher spawns SSH client processes. The production implementation runs
// the system ssh binary; tests substitute fakes.
type Launcher interface {
	Spawn(argv []string, env []string) (Handle, error)
}

// ExecLauncher spawns the external SSH client via os/exec.
type ExecLauncher struct {
	// Binary is the client executable. Empty means "ssh" from PATH.
	Binary string
}

func (l ExecLauncher) Spawn(argv []string, env []string) (Handle, error) {
	binary := l.Binary
	if binary == "" {
		binary = "ssh"
	}

	tail := newTailBuffer(diagnosticTailBytes)
	cmd := exec.Command(binary, argv...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "could not start ssh client")
	}
	return &execHandle{cmd: cmd, tail: tail}, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	tail *tailBuffer
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Wait() error {
	return h.cmd.Wait()
}

func (h *execHandle) Terminate() error {
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) OutputTail() string {
	return h.tail.String()
}

// diagnosticTailBytes bounds how much client output is retained for failure
// messages.
const diagnosticTailBytes = 4096

// tailBuffer is an io.Writer that keeps only the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
