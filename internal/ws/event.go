package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/ttysim/internal/model"
)

// EventType is the wire name of an event.
type EventType string

const (
	// Client -> Server
	EventClientJoin   EventType = "client_join"
	EventClientInput  EventType = "client_input"
	EventClientResize EventType = "client_resize"
	EventPing         EventType = "ping"

	// Server -> Client
	EventClientLeave      EventType = "client_leave"
	EventTTYOutput        EventType = "tty_output"
	EventResolutionChange EventType = "resolution_change"
	EventSessionSync      EventType = "session_sync"
	EventError            EventType = "error"
	EventPong             EventType = "pong"
)

// ServerID is the originator of events produced by the server itself.
const ServerID = "server"

// Payload is the type-specific body of an event.
type Payload interface {
	Type() EventType
}

// JoinPayload announces a client joining. On the wire the outgoing data is
// the client info itself; incoming joins wrap it as {"clientInfo": ...}.
type JoinPayload struct {
	Client model.ClientInfo `json:"clientInfo"`
}

// LeavePayload announces a client leaving.
type LeavePayload struct {
	ClientID string `json:"clientId"`
}

// InputPayload carries raw client input for the backing process.
type InputPayload struct {
	Kind string `json:"type,omitempty"`
	Data string `json:"data"`
}

// OutputPayload carries a chunk of backing process output.
type OutputPayload struct {
	Output string `json:"output"`
}

// ResolutionPayload announces a new session resolution.
type ResolutionPayload struct {
	Resolution model.Resolution `json:"resolution"`
}

// SyncPayload is the full session state sent to a client that just joined.
type SyncPayload struct {
	Resolution model.Resolution   `json:"resolution"`
	Clients    []model.ClientInfo `json:"clients"`
	History    string             `json:"history,omitempty"`
}

// ErrorPayload reports a failed request.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ResizePayload carries a client's new preferred resolution.
type ResizePayload struct {
	Resolution model.Resolution `json:"resolution"`
}

// PingPayload is a keepalive request.
type PingPayload struct{}

// PongPayload answers a ping.
type PongPayload struct{}

func (JoinPayload) Type() EventType       { return EventClientJoin }
func (LeavePayload) Type() EventType      { return EventClientLeave }
func (InputPayload) Type() EventType      { return EventClientInput }
func (OutputPayload) Type() EventType     { return EventTTYOutput }
func (ResolutionPayload) Type() EventType { return EventResolutionChange }
func (SyncPayload) Type() EventType       { return EventSessionSync }
func (ErrorPayload) Type() EventType      { return EventError }
func (ResizePayload) Type() EventType     { return EventClientResize }
func (PingPayload) Type() EventType       { return EventPing }
func (PongPayload) Type() EventType       { return EventPong }

// Event is a message exchanged with clients.
type Event struct {
	SessionID string
	ClientID  string
	Payload   Payload
	Timestamp time.Time
}

// NewEvent creates an event stamped with the current time.
func NewEvent(sessionID, clientID string, payload Payload) Event {
	return Event{
		SessionID: sessionID,
		ClientID:  clientID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// envelope is the wire form of an Event.
type envelope struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	ClientID  string          `json:"clientId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

var (
	// ErrUnknownEvent is returned when decoding an event of an unknown type.
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrMalformedEvent is returned for messages that are not a valid event.
	ErrMalformedEvent = errors.New("malformed event")
)

// MarshalJSON encodes the event as {type, sessionId, clientId, data, timestamp}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event has no payload")
	}

	var data any = e.Payload
	if join, ok := e.Payload.(JoinPayload); ok {
		data = join.Client
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope{
		Type:      e.Payload.Type(),
		SessionID: e.SessionID,
		ClientID:  e.ClientID,
		Data:      raw,
		Timestamp: e.Timestamp,
	})
}

// UnmarshalJSON decodes an event, dispatching on its type.
func (e *Event) UnmarshalJSON(b []byte) error {
	ev, err := DecodeEvent(b)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// DecodeEvent decodes one message. When only the payload is bad, the
// returned event still carries the envelope's session and client ids and the
// error tells why: a join fails with model.ErrInvalidJoinRequest, a resize
// with model.ErrInvalidResolution.
func DecodeEvent(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := Event{
		SessionID: env.SessionID,
		ClientID:  env.ClientID,
		Timestamp: env.Timestamp,
	}
	payload, err := decodePayload(env.Type, env.Data)
	if err != nil {
		return ev, err
	}
	ev.Payload = payload
	return ev, nil
}

func decodePayload(t EventType, data json.RawMessage) (Payload, error) {
	switch t {
	case EventClientJoin:
		return decodeJoin(data)
	case EventClientLeave:
		return decodeInto[LeavePayload](data)
	case EventClientInput:
		return decodeInto[InputPayload](data)
	case EventTTYOutput:
		return decodeInto[OutputPayload](data)
	case EventResolutionChange:
		return decodeInto[ResolutionPayload](data)
	case EventSessionSync:
		return decodeInto[SyncPayload](data)
	case EventError:
		return decodeInto[ErrorPayload](data)
	case EventClientResize:
		p, err := decodeInto[ResizePayload](data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidResolution, err)
		}
		return p, nil
	case EventPing:
		return PingPayload{}, nil
	case EventPong:
		return PongPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, t)
	}
}

func decodeInto[P Payload](data json.RawMessage) (Payload, error) {
	var p P
	if len(data) == 0 || string(data) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, p.Type(), err)
	}
	return p, nil
}

// decodeJoin accepts both {"clientInfo": {...}} and a bare client info.
func decodeJoin(data json.RawMessage) (Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return JoinPayload{}, nil
	}

	var wrapped struct {
		ClientInfo *model.ClientInfo `json:"clientInfo"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidJoinRequest, err)
	}
	if wrapped.ClientInfo != nil {
		return JoinPayload{Client: *wrapped.ClientInfo}, nil
	}

	var bare model.ClientInfo
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidJoinRequest, err)
	}
	return JoinPayload{Client: bare}, nil
}

// ErrorKind is the machine-readable kind of an error event.
type ErrorKind string

const (
	KindInvalidJoinRequest        ErrorKind = "invalid_join_request"
	KindDuplicateClientID         ErrorKind = "duplicate_client_id"
	KindUnboundConnection         ErrorKind = "unbound_connection"
	KindInvalidResolution         ErrorKind = "invalid_resolution"
	KindSessionLimitExceeded      ErrorKind = "session_limit_exceeded"
	KindBackingProcessUnavailable ErrorKind = "backing_process_unavailable"
	KindSessionExpired            ErrorKind = "session_expired"
	KindInvalidMessage            ErrorKind = "invalid_message"
	KindRateLimited               ErrorKind = "rate_limited"
	KindInternal                  ErrorKind = "internal_error"
)

// ErrorKindOf maps an error to the kind reported to clients.
func ErrorKindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, model.ErrInvalidJoinRequest):
		return KindInvalidJoinRequest
	case errors.Is(err, model.ErrDuplicateClientID):
		return KindDuplicateClientID
	case errors.Is(err, model.ErrUnboundConnection):
		return KindUnboundConnection
	case errors.Is(err, model.ErrInvalidResolution):
		return KindInvalidResolution
	case errors.Is(err, model.ErrSessionLimitExceeded):
		return KindSessionLimitExceeded
	case errors.Is(err, model.ErrBackingProcessUnavailable):
		return KindBackingProcessUnavailable
	case errors.Is(err, model.ErrSessionNotFound):
		return KindSessionExpired
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrMalformedEvent):
		return KindInvalidMessage
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}

// errorEvent builds the error event reported for err.
func errorEvent(sessionID, clientID string, err error) Event {
	return NewEvent(sessionID, clientID, ErrorPayload{
		Kind:    ErrorKindOf(err),
		Message: err.Error(),
	})
}
