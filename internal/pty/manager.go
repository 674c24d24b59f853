package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/remote-agent-terminal/ttysim/internal/buffer"
	"github.com/remote-agent-terminal/ttysim/internal/logger"
	"github.com/remote-agent-terminal/ttysim/internal/model"
)

const (
	// DefaultRingBufferSize is the default size for the history buffer (64KB).
	DefaultRingBufferSize = 64 * 1024

	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 4096

	// DefaultShell is used when no shell is configured and $SHELL is unset.
	DefaultShell = "/bin/sh"

	// SessionEnv names the environment variable carrying the session id.
	SessionEnv = "TTYSIM_SESSION"

	// drainTimeout bounds how long exit handling waits for buffered output.
	drainTimeout = time.Second
)

// Config holds configuration for the PTY manager.
type Config struct {
	// Shell is the program started for each session.
	Shell string

	// Args are passed to the shell.
	Args []string

	// Dir is the working directory. Empty means the server's.
	Dir string

	// Env is appended to the server's environment.
	Env []string

	// LogDir receives one asciicast recording per process. Empty disables
	// recording.
	LogDir string

	// HistorySize is the size of the per-process history buffer.
	HistorySize int
}

// Manager starts and tracks the processes backing sessions. It implements
// session.ProcessManager.
type Manager struct {
	config Config

	mu        sync.RWMutex
	processes map[string]*Process
	onOutput  func(sessionID string, h model.ProcessHandle, data []byte)
	onExit    func(sessionID string, h model.ProcessHandle, exitCode int, err error)
}

// NewManager creates a new PTY manager.
func NewManager(config Config) *Manager {
	if config.Shell == "" {
		config.Shell = os.Getenv("SHELL")
	}
	if config.Shell == "" {
		config.Shell = DefaultShell
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultRingBufferSize
	}
	return &Manager{
		config:    config,
		processes: make(map[string]*Process),
	}
}

// SetOutputCallback sets the function receiving process output. It is called
// from the process reader goroutine; data is only valid during the call.
func (m *Manager) SetOutputCallback(callback func(sessionID string, h model.ProcessHandle, data []byte)) {
	m.mu.Lock()
	m.onOutput = callback
	m.mu.Unlock()
}

// SetExitCallback sets the function called after a process has exited.
func (m *Manager) SetExitCallback(callback func(sessionID string, h model.ProcessHandle, exitCode int, err error)) {
	m.mu.Lock()
	m.onExit = callback
	m.mu.Unlock()
}

// Acquire starts a shell for the session at the given resolution.
func (m *Manager) Acquire(ctx context.Context, sessionID string, res model.Resolution) (model.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()

	cmd := exec.Command(m.config.Shell, m.config.Args...)
	cmd.Dir = m.config.Dir
	cmd.Env = append(os.Environ(), m.config.Env...)
	cmd.Env = append(cmd.Env,
		"TERM=xterm-256color",
		fmt.Sprintf("%s=%s", SessionEnv, sessionID),
	)

	var recorder *logger.Recorder
	var logPath string
	if m.config.LogDir != "" {
		logPath = filepath.Join(m.config.LogDir, fmt.Sprintf("%s-%s.cast", safeName(sessionID), id))
		var err error
		recorder, err = logger.Create(logPath, logger.Header{
			Width:   int(res.Cols),
			Height:  int(res.Rows),
			Title:   sessionID,
			Command: m.config.Shell,
			Env:     map[string]string{"TERM": "xterm-256color", "SHELL": m.config.Shell},
		})
		if err != nil {
			return nil, err
		}
	}

	tty, err := start(cmd, res)
	if err != nil {
		if recorder != nil {
			recorder.Close()
			os.Remove(logPath)
		}
		return nil, err
	}

	p := &Process{
		id:        id,
		sessionID: sessionID,
		cmd:       cmd,
		tty:       tty,
		history:   buffer.NewRingBuffer(m.config.HistorySize),
		recorder:  recorder,
		logPath:   logPath,
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.processes[id] = p
	m.mu.Unlock()

	log.Info("process started", "session", sessionID, "process", id, "pid", p.PID(), "size", res)

	go m.readLoop(p)
	go m.waitLoop(p)

	return p, nil
}

// Resize changes the terminal size of a process.
func (m *Manager) Resize(h model.ProcessHandle, res model.Resolution) error {
	p, err := asProcess(h)
	if err != nil {
		return err
	}
	return p.Resize(res)
}

// Write forwards input to a process.
func (m *Manager) Write(h model.ProcessHandle, data []byte) error {
	p, err := asProcess(h)
	if err != nil {
		return err
	}
	return p.Write(data)
}

// Release kills a process. Its exit callback still runs.
func (m *Manager) Release(h model.ProcessHandle) error {
	p, err := asProcess(h)
	if err != nil {
		return err
	}
	return p.Close()
}

func asProcess(h model.ProcessHandle) (*Process, error) {
	p, ok := h.(*Process)
	if !ok || p == nil {
		return nil, fmt.Errorf("unknown process handle %T", h)
	}
	return p, nil
}

// Get returns the process with the given id.
func (m *Manager) Get(id string) (*Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.processes[id]
	return p, ok
}

// List returns all running processes.
func (m *Manager) List() []*Process {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		result = append(result, p)
	}
	return result
}

// Close kills all processes.
func (m *Manager) Close() error {
	var firstErr error
	for _, p := range m.List() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.processes, id)
	m.mu.Unlock()
}

// readLoop reads output from the PTY and distributes it.
func (m *Manager) readLoop(p *Process) {
	defer close(p.readDone)
	m.pump(p, p.tty)
}

// pump distributes everything read from r. A UTF-8 sequence cut by a read
// boundary is held back until the rest of it arrives, so every chunk handed
// on is cut between runes.
func (m *Manager) pump(p *Process, r io.Reader) {
	buf := make([]byte, DefaultReadBufferSize+utf8.UTFMax)
	pending := 0
	for {
		n, err := r.Read(buf[pending:])
		end := pending + n
		keep := 0
		if err == nil {
			keep = incompleteSuffix(buf[:end])
		}
		if end > keep {
			m.distribute(p, buf[:end-keep])
		}
		pending = copy(buf, buf[end-keep:end])

		if err != nil {
			// Linux reports EIO on the master once the shell side is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !p.IsClosed() {
				log.Debug("PTY read ended", "session", p.sessionID, "process", p.id, "error", err)
			}
			return
		}
	}
}

func (m *Manager) distribute(p *Process, data []byte) {
	p.history.Write(data)
	if p.recorder != nil {
		p.recorder.WriteOutput(data)
	}

	m.mu.RLock()
	callback := m.onOutput
	m.mu.RUnlock()
	if callback != nil {
		callback(p.sessionID, p, data)
	}
}

// incompleteSuffix returns the length of a UTF-8 sequence at the end of b
// that has started but not finished.
func incompleteSuffix(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

// waitLoop waits for the process to exit and handles cleanup.
func (m *Manager) waitLoop(p *Process) {
	exitCode, err := p.wait()

	select {
	case <-p.readDone:
	case <-time.After(drainTimeout):
	}

	p.Close()
	if p.recorder != nil {
		if cerr := p.recorder.Close(); cerr != nil {
			log.Warn("failed to close recording", "session", p.sessionID, "path", p.logPath, "error", cerr)
		}
	}
	m.remove(p.id)
	close(p.done)

	log.Info("process exited", "session", p.sessionID, "process", p.id, "code", exitCode, "error", err)

	m.mu.RLock()
	callback := m.onExit
	m.mu.RUnlock()
	if callback != nil {
		callback(p.sessionID, p, exitCode, err)
	}
}

// safeName maps a session id onto characters safe for a file name.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
