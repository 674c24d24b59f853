// Package ws connects WebSocket clients to shared terminal sessions.
//
// The package implements:
//   - Event: the wire protocol, a JSON envelope {type, sessionId, clientId,
//     data, timestamp} whose data is one of the Payload variants
//   - Hub: per-session fan-out of events to connected clients
//   - Connection: the Unbound -> Bound -> Closed state machine of one client
//   - Service: wires connections, the hub and the session manager together
//
// Each connection has one reader and one writer goroutine. Outgoing events
// are queued on a buffered channel drained by the writer, so a slow client
// never blocks a session; a client whose queue overflows is disconnected and
// must rejoin to receive a fresh session_sync.
package ws
