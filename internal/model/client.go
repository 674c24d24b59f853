package model

import (
	"fmt"
	"time"
)

// ClientKind is the kind of device a client connects from.
type ClientKind string

const (
	ClientKindWeb     ClientKind = "web"
	ClientKindMobile  ClientKind = "mobile"
	ClientKindDesktop ClientKind = "desktop"
	ClientKindCLI     ClientKind = "cli"
)

// Valid reports whether k is a known client kind.
func (k ClientKind) Valid() bool {
	switch k {
	case ClientKindWeb, ClientKindMobile, ClientKindDesktop, ClientKindCLI:
		return true
	}
	return false
}

// ClientInfo describes one client attached to a session.
type ClientInfo struct {
	ID                  string     `json:"id"`
	Kind                ClientKind `json:"type"`
	PreferredResolution Resolution `json:"preferredResolution"`
	CurrentResolution   Resolution `json:"currentResolution"`
	UserAgent           string     `json:"userAgent,omitempty"`
	ConnectedAt         time.Time  `json:"connectedAt"`

	// ConnectionID identifies the transport connection that owns the client.
	ConnectionID string `json:"-"`
}

// Normalize validates a join request's client info and fills in defaults.
// ConnectedAt is always stamped with now; client supplied values are ignored.
func (c ClientInfo) Normalize(now time.Time) (ClientInfo, error) {
	if c.ID == "" {
		return c, fmt.Errorf("%w: client id is required", ErrInvalidJoinRequest)
	}
	if c.Kind == "" {
		c.Kind = ClientKindWeb
	}
	if !c.Kind.Valid() {
		return c, fmt.Errorf("%w: unknown client type %q", ErrInvalidJoinRequest, c.Kind)
	}
	if err := c.PreferredResolution.Validate(); err != nil {
		return c, fmt.Errorf("%w: preferred resolution: %v", ErrInvalidJoinRequest, err)
	}
	if c.CurrentResolution.Validate() != nil {
		c.CurrentResolution = c.PreferredResolution
	}
	c.ConnectedAt = now
	return c, nil
}
