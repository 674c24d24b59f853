package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/remote-agent-terminal/ttysim/internal/model"
)

const (
	// DefaultSessionTimeout is the idle time after which a session is evicted.
	DefaultSessionTimeout = time.Hour

	// DefaultSweepInterval is how often idle sessions are looked for.
	DefaultSweepInterval = time.Minute
)

// ProcessManager provides the processes that back sessions.
type ProcessManager interface {
	// Acquire starts a process for the session at the given resolution.
	Acquire(ctx context.Context, sessionID string, res model.Resolution) (model.ProcessHandle, error)

	// Resize changes the process terminal size.
	Resize(h model.ProcessHandle, res model.Resolution) error

	// Write forwards client input to the process.
	Write(h model.ProcessHandle, data []byte) error

	// Release stops the process and frees its resources.
	Release(h model.ProcessHandle) error
}

// HistoryRecorder persists a record of every evicted session.
type HistoryRecorder interface {
	Record(ctx context.Context, rec *model.SessionRecord) error
}

// Config holds configuration for the session manager.
type Config struct {
	MaxSessions       int
	DefaultResolution model.Resolution

	// SessionTimeout is the idle threshold of the sweep. Zero disables it.
	SessionTimeout time.Duration

	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager applies the session lifecycle: a session is created by its first
// join, evicted as soon as its last client leaves, and force-evicted when it
// has been idle for longer than the session timeout.
type Manager struct {
	registry  *Registry
	processes ProcessManager
	history   HistoryRecorder

	sessionTimeout time.Duration
	sweepInterval  time.Duration
	now            func() time.Time

	mu      sync.RWMutex
	onEvict func(s model.Session, reason model.EvictReason)

	closeOnce sync.Once
}

// NewManager creates a new session manager. processes and history may be nil,
// in which case sessions run without a backing process or without history.
func NewManager(processes ProcessManager, history HistoryRecorder, config Config) *Manager {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Manager{
		registry: NewRegistry(RegistryConfig{
			MaxSessions:       config.MaxSessions,
			DefaultResolution: config.DefaultResolution,
			Now:               config.Now,
		}),
		processes:      processes,
		history:        history,
		sessionTimeout: config.SessionTimeout,
		sweepInterval:  config.SweepInterval,
		now:            config.Now,
	}
}

// Registry returns the underlying session registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// SetOnEvict sets the callback run after a session is evicted.
func (m *Manager) SetOnEvict(callback func(s model.Session, reason model.EvictReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = callback
}

// JoinResult describes a successful join.
type JoinResult struct {
	// Session is a snapshot taken after the join.
	Session model.Session

	// Client is the normalized client info as stored in the session.
	Client model.ClientInfo

	// Created is true if the join created the session.
	Created bool

	// Changed is true if the session resolution changed.
	Changed bool

	// ProcessErr is set when the session has no backing process. The join
	// itself still succeeded.
	ProcessErr error
}

// Join adds a client to a session, creating the session on first join.
func (m *Manager) Join(ctx context.Context, sessionID string, info model.ClientInfo) (JoinResult, error) {
	if sessionID == "" {
		return JoinResult{}, fmt.Errorf("%w: session id is required", model.ErrInvalidJoinRequest)
	}
	info, err := info.Normalize(m.now())
	if err != nil {
		return JoinResult{}, err
	}

	added, err := m.registry.AddClient(sessionID, info)
	if err != nil {
		return JoinResult{}, err
	}

	result := JoinResult{
		Session: added.Session,
		Client:  info,
		Created: added.Created,
		Changed: added.Changed,
	}
	if added.Created {
		log.Info("Session created", "session", sessionID, "resolution", added.Session.CurrentResolution)
	}

	switch {
	case added.Session.Process == nil && m.processes != nil:
		result.ProcessErr = m.ensureProcess(ctx, sessionID, added.Session.CurrentResolution)
		if s, ok := m.registry.Get(sessionID); ok {
			result.Session = s
		}
	case added.Changed:
		m.resizeProcess(added.Session.Process, added.Session.CurrentResolution)
	}

	return result, nil
}

// ensureProcess acquires a backing process for a session that has none.
// Failure leaves the session running without a process; the next join retries.
func (m *Manager) ensureProcess(ctx context.Context, sessionID string, res model.Resolution) error {
	handle, err := m.processes.Acquire(ctx, sessionID, res)
	if err != nil {
		log.Warn("Failed to acquire backing process", "session", sessionID, "error", err)
		return fmt.Errorf("%w: %v", model.ErrBackingProcessUnavailable, err)
	}

	current, attached := m.registry.AttachProcess(sessionID, handle)
	if !attached {
		// Another join attached a process first, or the session is gone.
		if err := m.processes.Release(handle); err != nil {
			log.Warn("Failed to release surplus process", "session", sessionID, "error", err)
		}
		return nil
	}

	log.Info("Backing process attached", "session", sessionID, "pid", handle.PID())
	if current != res {
		m.resizeProcess(handle, current)
	}
	return nil
}

func (m *Manager) resizeProcess(h model.ProcessHandle, res model.Resolution) {
	if m.processes == nil || h == nil {
		return
	}
	if err := m.processes.Resize(h, res); err != nil {
		log.Warn("Failed to resize backing process", "pid", h.PID(), "resolution", res, "error", err)
	}
}

// LeaveResult describes the outcome of Leave.
type LeaveResult struct {
	// Removed is false if the client was already gone.
	Removed bool

	// Evicted is true if the session was evicted because it became empty.
	Evicted bool

	// Changed is true if the remaining clients negotiated a new resolution.
	Changed bool

	// Session is a snapshot taken after the leave.
	Session model.Session
}

// Leave removes a client from its session. Leaving a session or client that
// no longer exists is not an error. connectionID, when not empty, must match
// the connection that joined the client.
func (m *Manager) Leave(ctx context.Context, sessionID, clientID, connectionID string) LeaveResult {
	removed := m.registry.RemoveClient(sessionID, clientID, connectionID)
	if !removed.Removed {
		return LeaveResult{}
	}

	if removed.Empty {
		m.finalize(ctx, removed.Session, model.EvictEmpty)
		return LeaveResult{Removed: true, Evicted: true, Session: removed.Session}
	}

	if removed.Changed {
		m.resizeProcess(removed.Session.Process, removed.Session.CurrentResolution)
	}
	return LeaveResult{Removed: true, Changed: removed.Changed, Session: removed.Session}
}

// Resize records a client's new preferred resolution and renegotiates.
func (m *Manager) Resize(sessionID, clientID, connectionID string, res model.Resolution) (model.Session, bool, error) {
	s, changed, err := m.registry.UpdateResolution(sessionID, clientID, connectionID, res)
	if err != nil {
		return model.Session{}, false, err
	}
	if changed {
		m.resizeProcess(s.Process, s.CurrentResolution)
	}
	return s, changed, nil
}

// Input records client activity and forwards data to the backing process.
// A client that is no longer a member of the session gets
// model.ErrSessionNotFound and nothing is written.
func (m *Manager) Input(sessionID, clientID, connectionID string, data []byte) error {
	handle, err := m.registry.TouchClient(sessionID, clientID, connectionID)
	if err != nil {
		return err
	}
	if handle == nil || m.processes == nil {
		return fmt.Errorf("%w: session %s", model.ErrBackingProcessUnavailable, sessionID)
	}
	if err := m.processes.Write(handle, data); err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackingProcessUnavailable, err)
	}
	return nil
}

// Touch records client activity on a session.
func (m *Manager) Touch(sessionID string) {
	m.registry.Touch(sessionID)
}

// TouchClient records activity of a member of the session. It fails like
// Input for clients that are no longer members.
func (m *Manager) TouchClient(sessionID, clientID, connectionID string) error {
	_, err := m.registry.TouchClient(sessionID, clientID, connectionID)
	return err
}

// ProcessExited detaches a process that exited on its own. It reports
// whether the process was still attached to the session.
func (m *Manager) ProcessExited(sessionID string, handle model.ProcessHandle, exitCode int, err error) bool {
	if !m.registry.ClearProcess(sessionID, handle) {
		return false
	}
	if err != nil {
		log.Warn("Backing process failed", "session", sessionID, "error", err)
	} else {
		log.Info("Backing process exited", "session", sessionID, "code", exitCode)
	}
	return true
}

// Run sweeps idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if m.sessionTimeout <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evicts every session idle for longer than the session timeout, even
// if clients are still attached. It returns the number of evicted sessions.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.sessionTimeout <= 0 {
		return 0
	}
	evicted := m.registry.EvictIdle(m.sessionTimeout)
	for _, s := range evicted {
		m.finalize(ctx, s, model.EvictIdle)
	}
	return len(evicted)
}

// finalize releases what an evicted session held and reports the eviction.
func (m *Manager) finalize(ctx context.Context, s model.Session, reason model.EvictReason) {
	rec := &model.SessionRecord{
		SessionID:   s.ID,
		CreatedAt:   s.CreatedAt,
		EvictedAt:   m.now(),
		Reason:      reason,
		PeakClients: s.PeakClients,
	}

	if s.Process != nil {
		rec.LogFilePath = s.Process.LogFilePath()
		if m.processes != nil {
			if err := m.processes.Release(s.Process); err != nil {
				log.Warn("Failed to release backing process", "session", s.ID, "error", err)
			}
		}
	}

	log.Info("Session evicted", "session", s.ID, "reason", reason, "clients", len(s.Clients))

	if m.history != nil {
		if err := m.history.Record(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Failed to record session history", "session", s.ID, "error", err)
		}
	}

	m.mu.RLock()
	callback := m.onEvict
	m.mu.RUnlock()

	if callback != nil {
		callback(s, reason)
	}
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(sessionID string) (model.Session, error) {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return model.Session{}, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []model.Session {
	return m.registry.List()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return m.registry.Len()
}

// Close force-evicts every session.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		for _, s := range m.registry.Drain() {
			m.finalize(context.Background(), s, model.EvictShutdown)
		}
	})
	return nil
}
