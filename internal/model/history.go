package model

import "time"

// EvictReason records why a session left the registry.
type EvictReason string

const (
	// EvictEmpty means the last client left.
	EvictEmpty EvictReason = "empty"

	// EvictIdle means the session saw no client activity for too long.
	EvictIdle EvictReason = "idle"

	// EvictShutdown means the server shut down.
	EvictShutdown EvictReason = "shutdown"
)

// SessionRecord is the history entry written when a session is evicted.
type SessionRecord struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"sessionId"`
	CreatedAt   time.Time   `json:"createdAt"`
	EvictedAt   time.Time   `json:"evictedAt"`
	Reason      EvictReason `json:"reason"`
	PeakClients int         `json:"peakClients"`
	LogFilePath string      `json:"logFilePath,omitempty"`
}
