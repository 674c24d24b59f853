// Package session owns the process-wide mapping from session id to session
// state and the lifecycle rules that create and evict sessions.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/remote-agent-terminal/ttysim/internal/model"
	"github.com/remote-agent-terminal/ttysim/internal/resolution"
)

// entry guards a single session. Every mutation of the session happens with
// mu held; evicted is set under mu at the same time the entry leaves the map,
// so a caller that locked a stale entry can detect it and retry.
type entry struct {
	mu      sync.Mutex
	session *model.Session
	evicted bool
}

// Registry maps session ids to sessions.
//
// Lock order is entry.mu before Registry.mu. Registry.mu is only held for map
// access and never while waiting on an entry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry

	maxSessions       int
	defaultResolution model.Resolution
	now               func() time.Time
}

// RegistryConfig holds configuration for the registry.
type RegistryConfig struct {
	// MaxSessions limits the number of live sessions. Zero means no limit.
	MaxSessions int

	// DefaultResolution is the resolution of a freshly created session.
	DefaultResolution model.Resolution

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.DefaultResolution.Validate() != nil {
		config.DefaultResolution = model.DefaultResolution()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Registry{
		sessions:          make(map[string]*entry),
		maxSessions:       config.MaxSessions,
		defaultResolution: config.DefaultResolution,
		now:               config.Now,
	}
}

// acquire returns the locked, live entry for id, creating it if needed.
// The caller must unlock e.mu.
func (r *Registry) acquire(id string, create bool) (e *entry, created bool, err error) {
	for {
		r.mu.Lock()
		e = r.sessions[id]
		if e == nil {
			if !create {
				r.mu.Unlock()
				return nil, false, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
			}
			if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
				r.mu.Unlock()
				return nil, false, fmt.Errorf("%w: %d active sessions", model.ErrSessionLimitExceeded, r.maxSessions)
			}
			e = &entry{session: model.NewSession(id, r.defaultResolution, r.now())}
			r.sessions[id] = e
			created = true
		}
		r.mu.Unlock()

		e.mu.Lock()
		if !e.evicted {
			return e, created, nil
		}
		// Evicted between lookup and lock; the map no longer holds it.
		e.mu.Unlock()
		created = false
	}
}

// removeLocked deletes e from the map. e.mu must be held.
func (r *Registry) removeLocked(e *entry) {
	e.evicted = true
	r.mu.Lock()
	if r.sessions[e.session.ID] == e {
		delete(r.sessions, e.session.ID)
	}
	r.mu.Unlock()
}

// GetOrCreate returns the session with the given id, creating an empty one
// with the default resolution if it does not exist. An empty session created
// here is reclaimed by the idle sweep if no client is added; joins go through
// AddClient, which creates and inserts in one step.
func (r *Registry) GetOrCreate(id string) (model.Session, bool, error) {
	e, created, err := r.acquire(id, true)
	if err != nil {
		return model.Session{}, false, err
	}
	defer e.mu.Unlock()
	return e.session.Clone(), created, nil
}

// AddResult describes the outcome of AddClient.
type AddResult struct {
	// Session is a snapshot taken after the client was added.
	Session model.Session

	// Created is true if the session did not exist before this call.
	Created bool

	// Changed is true if negotiation produced a new current resolution.
	Changed bool
}

// AddClient inserts a client into the session, creating the session if
// needed, and renegotiates the session resolution. A duplicate client id
// fails with ErrDuplicateClientID and leaves the session unchanged.
func (r *Registry) AddClient(id string, info model.ClientInfo) (AddResult, error) {
	e, created, err := r.acquire(id, true)
	if err != nil {
		return AddResult{}, err
	}
	defer e.mu.Unlock()

	s := e.session
	if _, exists := s.Clients[info.ID]; exists {
		return AddResult{}, fmt.Errorf("%w: %s in session %s", model.ErrDuplicateClientID, info.ID, id)
	}

	s.Clients[info.ID] = info
	if len(s.Clients) > s.PeakClients {
		s.PeakClients = len(s.Clients)
	}
	s.Touch(r.now())
	changed := r.negotiateLocked(s)

	return AddResult{Session: s.Clone(), Created: created, Changed: changed}, nil
}

// RemoveResult describes the outcome of RemoveClient.
type RemoveResult struct {
	// Removed is false if the session or client was already gone.
	Removed bool

	// Empty is true if the session had no clients left and was evicted.
	Empty bool

	// Changed is true if negotiation produced a new current resolution.
	Changed bool

	// Session is a snapshot taken after the removal.
	Session model.Session
}

// RemoveClient removes a client from a session. If connectionID is not empty
// the client is only removed when it is still owned by that connection, so a
// late disconnect cannot remove a client that re-joined elsewhere.
//
// Removing an absent session or client is a no-op. A session left with no
// clients is evicted before RemoveClient returns; the caller is responsible
// for releasing the snapshot's process.
func (r *Registry) RemoveClient(id, clientID, connectionID string) RemoveResult {
	e, _, err := r.acquire(id, false)
	if err != nil {
		return RemoveResult{}
	}
	defer e.mu.Unlock()

	s := e.session
	info, ok := s.Clients[clientID]
	if !ok || (connectionID != "" && info.ConnectionID != connectionID) {
		return RemoveResult{}
	}

	delete(s.Clients, clientID)
	s.Touch(r.now())

	if len(s.Clients) == 0 {
		r.removeLocked(e)
		return RemoveResult{Removed: true, Empty: true, Session: s.Clone()}
	}

	changed := r.negotiateLocked(s)
	return RemoveResult{Removed: true, Changed: changed, Session: s.Clone()}
}

// memberLocked returns the client if it is in the session and, when
// connectionID is not empty, still owned by that connection. e.mu must be
// held.
func memberLocked(e *entry, clientID, connectionID string) (model.ClientInfo, error) {
	info, ok := e.session.Clients[clientID]
	if !ok || (connectionID != "" && info.ConnectionID != connectionID) {
		return model.ClientInfo{}, fmt.Errorf("%w: client %s is not in session %s", model.ErrSessionNotFound, clientID, e.session.ID)
	}
	return info, nil
}

// UpdateResolution records a client's new preferred resolution and
// renegotiates. It reports whether the session resolution changed. A client
// that is not a member, or is owned by another connection, gets
// model.ErrSessionNotFound.
func (r *Registry) UpdateResolution(id, clientID, connectionID string, res model.Resolution) (model.Session, bool, error) {
	if err := res.Validate(); err != nil {
		return model.Session{}, false, err
	}

	e, _, err := r.acquire(id, false)
	if err != nil {
		return model.Session{}, false, err
	}
	defer e.mu.Unlock()

	s := e.session
	info, err := memberLocked(e, clientID, connectionID)
	if err != nil {
		return model.Session{}, false, err
	}
	info.PreferredResolution = res
	info.CurrentResolution = res
	s.Clients[clientID] = info
	s.Touch(r.now())

	changed := r.negotiateLocked(s)
	return s.Clone(), changed, nil
}

// negotiateLocked recomputes the session resolution from its clients.
func (r *Registry) negotiateLocked(s *model.Session) bool {
	next := resolution.Negotiate(s.CurrentResolution, s.PreferredResolutions())
	s.TargetResolution = next
	if next == s.CurrentResolution {
		return false
	}
	s.CurrentResolution = next
	return true
}

// Touch records client activity on the session.
func (r *Registry) Touch(id string) {
	e, _, err := r.acquire(id, false)
	if err != nil {
		return
	}
	defer e.mu.Unlock()
	e.session.Touch(r.now())
}

// TouchClient records activity of a member of the session and returns the
// session's backing process, which may be nil. It fails like UpdateResolution
// for clients that are not members.
func (r *Registry) TouchClient(id, clientID, connectionID string) (model.ProcessHandle, error) {
	e, _, err := r.acquire(id, false)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if _, err := memberLocked(e, clientID, connectionID); err != nil {
		return nil, err
	}
	e.session.Touch(r.now())
	return e.session.Process, nil
}

// AttachProcess attaches a backing process to a live session that has none.
// It returns the session's current resolution and false if the session is
// gone or already has a process, in which case the caller still owns handle.
func (r *Registry) AttachProcess(id string, handle model.ProcessHandle) (model.Resolution, bool) {
	e, _, err := r.acquire(id, false)
	if err != nil {
		return model.Resolution{}, false
	}
	defer e.mu.Unlock()
	if e.session.Process != nil {
		return e.session.CurrentResolution, false
	}
	e.session.Process = handle
	return e.session.CurrentResolution, true
}

// Process returns the session's backing process, if any.
func (r *Registry) Process(id string) (model.ProcessHandle, bool) {
	e, _, err := r.acquire(id, false)
	if err != nil {
		return nil, false
	}
	defer e.mu.Unlock()
	return e.session.Process, e.session.Process != nil
}

// ClearProcess detaches handle from the session if it is still the current
// process. It reports whether anything was detached.
func (r *Registry) ClearProcess(id string, handle model.ProcessHandle) bool {
	e, _, err := r.acquire(id, false)
	if err != nil {
		return false
	}
	defer e.mu.Unlock()
	if e.session.Process == nil || e.session.Process != handle {
		return false
	}
	e.session.Process = nil
	return true
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (model.Session, bool) {
	e, _, err := r.acquire(id, false)
	if err != nil {
		return model.Session{}, false
	}
	defer e.mu.Unlock()
	return e.session.Clone(), true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ids returns the ids of all live sessions.
func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []model.Session {
	ids := r.ids()
	sessions := make([]model.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.Get(id); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// Evict removes the session regardless of its clients and returns its final
// snapshot.
func (r *Registry) Evict(id string) (model.Session, bool) {
	e, _, err := r.acquire(id, false)
	if err != nil {
		return model.Session{}, false
	}
	defer e.mu.Unlock()
	r.removeLocked(e)
	return e.session.Clone(), true
}

// EvictIdle removes every session whose last activity is older than
// threshold and returns their final snapshots.
func (r *Registry) EvictIdle(threshold time.Duration) []model.Session {
	var evicted []model.Session
	for _, id := range r.ids() {
		e, _, err := r.acquire(id, false)
		if err != nil {
			continue
		}
		if r.now().Sub(e.session.LastActivity) > threshold {
			r.removeLocked(e)
			evicted = append(evicted, e.session.Clone())
		}
		e.mu.Unlock()
	}
	return evicted
}

// Drain evicts every session and returns their final snapshots.
func (r *Registry) Drain() []model.Session {
	var evicted []model.Session
	for _, id := range r.ids() {
		if s, ok := r.Evict(id); ok {
			evicted = append(evicted, s)
		}
	}
	return evicted
}
