package ws

import (
	"encoding/json"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBufferSize is the number of encoded events queued per client before
// the client is considered too slow and disconnected.
const sendBufferSize = 256

// Client is the outbound side of one WebSocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewClient creates a new client for conn with a fresh connection id. conn
// may be nil in tests, in which case messages are only queued.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues a message to be sent to the client. It reports false if the
// client is closed or its buffer was full, in which case it is now closed.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		// Buffer full, close the client
		c.closeLocked()
		return false
	}
}

// Close closes the client's send queue. The write pump drains what is
// queued, then closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub fans events out to the clients of each session.
//
// Each session has its own room with its own lock, so sessions never contend
// with each other. Every broadcast to a session is enqueued on all of its
// members while the room lock is held, so members observe broadcasts in the
// same order. Enqueue never blocks: a member whose queue is full is closed
// instead.
//
// Lock order is room.mu before Hub.mu. Hub.mu is only held for map access.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// room holds the clients of one session. removed is set under mu when the
// room leaves the hub map, so a caller holding a stale room can retry.
type room struct {
	mu      sync.Mutex
	clients map[string]*Client
	removed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]*room),
	}
}

// lookup returns the locked, live room of the session, creating it if create
// is set. It returns nil when the room does not exist. The caller must
// unlock the room.
func (h *Hub) lookup(sessionID string, create bool) *room {
	for {
		h.mu.Lock()
		r := h.rooms[sessionID]
		if r == nil {
			if !create {
				h.mu.Unlock()
				return nil
			}
			r = &room{clients: make(map[string]*Client)}
			h.rooms[sessionID] = r
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.removed {
			return r
		}
		r.mu.Unlock()
	}
}

// removeIfEmptyLocked drops an empty room from the hub. r.mu must be held.
func (h *Hub) removeIfEmptyLocked(sessionID string, r *room) {
	if len(r.clients) > 0 {
		return
	}
	r.removed = true
	h.mu.Lock()
	if h.rooms[sessionID] == r {
		delete(h.rooms, sessionID)
	}
	h.mu.Unlock()
}

// Join adds client to the session's room under clientID, replacing any
// previous client registered under the same id.
func (h *Hub) Join(sessionID, clientID string, client *Client) {
	r := h.lookup(sessionID, true)
	defer r.mu.Unlock()
	r.clients[clientID] = client
}

// Leave removes clientID from the session's room if it is still registered
// to client. It reports whether anything was removed.
func (h *Hub) Leave(sessionID, clientID string, client *Client) bool {
	r := h.lookup(sessionID, false)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()

	if r.clients[clientID] != client {
		return false
	}
	delete(r.clients, clientID)
	h.removeIfEmptyLocked(sessionID, r)
	return true
}

// Broadcast delivers ev to every client of the session. Delivery failures
// close the affected client and are logged; they are never returned.
func (h *Hub) Broadcast(sessionID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error("Failed to encode event", "session", sessionID, "type", ev.Payload.Type(), "error", err)
		return
	}

	r := h.lookup(sessionID, false)
	if r == nil {
		return
	}
	defer r.mu.Unlock()

	for clientID, client := range r.clients {
		if !client.Send(data) {
			log.Warn("Dropped slow client", "session", sessionID, "client", clientID, "connection", client.ID())
		}
	}
}

// Unicast delivers ev to a single client.
func (h *Hub) Unicast(client *Client, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error("Failed to encode event", "session", ev.SessionID, "type", ev.Payload.Type(), "error", err)
		return
	}
	if !client.Send(data) {
		log.Debug("Unicast to closed client", "connection", client.ID(), "type", ev.Payload.Type())
	}
}

// Detach removes clientID from the session's room if it is still owned by
// the connection with connectionID and returns its client, or nil.
func (h *Hub) Detach(sessionID, clientID, connectionID string) *Client {
	r := h.lookup(sessionID, false)
	if r == nil {
		return nil
	}
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok || client.ID() != connectionID {
		return nil
	}
	delete(r.clients, clientID)
	h.removeIfEmptyLocked(sessionID, r)
	return client
}

// ClientCount returns the number of clients in the session's room.
func (h *Hub) ClientCount(sessionID string) int {
	r := h.lookup(sessionID, false)
	if r == nil {
		return 0
	}
	defer r.mu.Unlock()
	return len(r.clients)
}

// SessionCount returns the number of sessions with at least one client.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close closes every client of every session.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.removed = true
		for _, client := range r.clients {
			client.Close()
		}
		r.mu.Unlock()
	}
}
