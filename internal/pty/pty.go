// Package pty runs the shell processes that back terminal sessions.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/remote-agent-terminal/ttysim/internal/buffer"
	"github.com/remote-agent-terminal/ttysim/internal/logger"
	"github.com/remote-agent-terminal/ttysim/internal/model"
)

// ErrProcessClosed is returned when writing to or resizing a process that
// has exited or been released.
var ErrProcessClosed = errors.New("process is closed")

// Process is a shell running on a pseudo-terminal. It implements
// model.ProcessHandle.
type Process struct {
	id        string
	sessionID string
	cmd       *exec.Cmd
	tty       *os.File
	history   *buffer.RingBuffer
	recorder  *logger.Recorder
	logPath   string

	mu       sync.RWMutex
	closed   bool
	readDone chan struct{}
	done     chan struct{}
}

var _ model.ProcessHandle = (*Process)(nil)

func start(cmd *exec.Cmd, res model.Resolution) (*os.File, error) {
	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: res.Cols, Rows: res.Rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}
	return tty, nil
}

// ID returns the manager-assigned process id.
func (p *Process) ID() string {
	return p.id
}

// SessionID returns the session the process backs.
func (p *Process) SessionID() string {
	return p.sessionID
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// History returns the most recent output, starting on a character boundary.
func (p *Process) History() []byte {
	return p.history.Snapshot()
}

// LogFilePath returns the path of the asciicast recording, or "".
func (p *Process) LogFilePath() string {
	return p.logPath
}

// Done returns a channel that is closed once the process has exited and its
// output has been drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsClosed returns true if the process has been closed.
func (p *Process) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Write writes data to the PTY input.
func (p *Process) Write(data []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProcessClosed
	}

	if _, err := p.tty.Write(data); err != nil {
		return fmt.Errorf("failed to write to PTY: %w", err)
	}
	if p.recorder != nil {
		p.recorder.WriteInput(data)
	}
	return nil
}

// Resize changes the PTY window size.
func (p *Process) Resize(res model.Resolution) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProcessClosed
	}

	if err := pty.Setsize(p.tty, &pty.Winsize{Cols: res.Cols, Rows: res.Rows}); err != nil {
		return fmt.Errorf("failed to resize PTY: %w", err)
	}
	if p.recorder != nil {
		p.recorder.WriteResize(res.Cols, res.Rows)
	}
	return nil
}

// Close kills the process and closes the PTY. The recording is closed once
// the remaining output has been read.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		firstErr = err
	}
	if err := p.tty.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// wait waits for the process to exit and returns its exit code.
// Returns -1 if the process was killed by a signal.
func (p *Process) wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
