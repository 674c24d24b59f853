package model

import "errors"

var (
	// ErrInvalidJoinRequest is returned when a join request is malformed or missing fields.
	ErrInvalidJoinRequest = errors.New("invalid join request")

	// ErrDuplicateClientID is returned when a client id is already present in the session.
	ErrDuplicateClientID = errors.New("duplicate client id")

	// ErrUnboundConnection is returned when a session event arrives on a connection
	// that has not joined a session.
	ErrUnboundConnection = errors.New("connection is not bound to a session")

	// ErrInvalidResolution is returned when a resolution has a zero dimension.
	ErrInvalidResolution = errors.New("invalid resolution")

	// ErrSessionLimitExceeded is returned when creating a session would exceed the configured limit.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")

	// ErrBackingProcessUnavailable is returned when a session has no live backing process.
	ErrBackingProcessUnavailable = errors.New("backing process unavailable")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")
)
