package model

import (
	"fmt"
	"sort"
	"time"
)

const (
	// DefaultCols is the column count of a freshly created session.
	DefaultCols = 80

	// DefaultRows is the row count of a freshly created session.
	DefaultRows = 24
)

// Resolution is a terminal size in character cells.
type Resolution struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// DefaultResolution returns the resolution used for new sessions.
func DefaultResolution() Resolution {
	return Resolution{Cols: DefaultCols, Rows: DefaultRows}
}

// Validate returns ErrInvalidResolution if either dimension is zero.
func (r Resolution) Validate() error {
	if r.Cols == 0 || r.Rows == 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidResolution, r.Cols, r.Rows)
	}
	return nil
}

// IsZero reports whether the resolution is unset.
func (r Resolution) IsZero() bool {
	return r.Cols == 0 && r.Rows == 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Cols, r.Rows)
}

// ProcessHandle is an opaque reference to the process backing a session.
type ProcessHandle interface {
	// PID returns the operating system process id.
	PID() int

	// History returns recently produced output.
	History() []byte

	// LogFilePath returns the path of the session recording, or "".
	LogFilePath() string
}

// Session is a shared terminal context joinable by multiple clients.
//
// Values returned outside the session registry are snapshots; mutating them
// has no effect on the registry.
type Session struct {
	ID                string                `json:"id"`
	Clients           map[string]ClientInfo `json:"clients"`
	CurrentResolution Resolution            `json:"currentResolution"`
	TargetResolution  Resolution            `json:"targetResolution"`
	CreatedAt         time.Time             `json:"createdAt"`
	LastActivity      time.Time             `json:"lastActivity"`
	PeakClients       int                   `json:"peakClients"`
	Process           ProcessHandle         `json:"-"`
}

// NewSession returns an empty session with the given resolution.
func NewSession(id string, res Resolution, now time.Time) *Session {
	return &Session{
		ID:                id,
		Clients:           make(map[string]ClientInfo),
		CurrentResolution: res,
		TargetResolution:  res,
		CreatedAt:         now,
		LastActivity:      now,
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() Session {
	c := *s
	c.Clients = make(map[string]ClientInfo, len(s.Clients))
	for id, info := range s.Clients {
		c.Clients[id] = info
	}
	return c
}

// Touch advances LastActivity to now. It never moves backwards.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// Roster returns the session's clients ordered by connection time, then id.
func (s *Session) Roster() []ClientInfo {
	roster := make([]ClientInfo, 0, len(s.Clients))
	for _, info := range s.Clients {
		roster = append(roster, info)
	}
	sort.Slice(roster, func(i, j int) bool {
		if !roster[i].ConnectedAt.Equal(roster[j].ConnectedAt) {
			return roster[i].ConnectedAt.Before(roster[j].ConnectedAt)
		}
		return roster[i].ID < roster[j].ID
	})
	return roster
}

// PreferredResolutions returns every client's preferred resolution.
func (s *Session) PreferredResolutions() []Resolution {
	prefs := make([]Resolution, 0, len(s.Clients))
	for _, info := range s.Clients {
		prefs = append(prefs, info.PreferredResolution)
	}
	return prefs
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}
