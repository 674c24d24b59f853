package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/remote-agent-terminal/ttysim/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// ErrRateLimited is reported when a client sends input faster than allowed.
var ErrRateLimited = errors.New("input rate limit exceeded")

// State is the state of a connection.
type State int

const (
	StateUnbound State = iota
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Connection is the per-connection state machine. A connection starts
// Unbound, becomes Bound to one (session, client) pair by a successful join,
// and is Closed when the transport goes away. Closed is terminal.
type Connection struct {
	service   *Service
	client    *Client
	limiter   *rate.Limiter
	userAgent string

	mu        sync.Mutex
	state     State
	sessionID string
	clientID  string
}

func newConnection(service *Service, client *Client, userAgent string) *Connection {
	return &Connection{
		service:   service,
		client:    client,
		limiter:   rate.NewLimiter(service.inputRate, service.inputBurst),
		userAgent: userAgent,
	}
}

// Client returns the outbound side of the connection.
func (c *Connection) Client() *Client {
	return c.client
}

// State returns the connection state and, when bound, its session and client.
func (c *Connection) State() (State, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.sessionID, c.clientID
}

// HandleEvent processes one event received from the client.
func (c *Connection) HandleEvent(ctx context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return
	}

	switch p := ev.Payload.(type) {
	case JoinPayload:
		c.handleJoin(ctx, ev.SessionID, p)
	case InputPayload:
		c.handleInput(p)
	case ResizePayload:
		c.handleResize(p)
	case PingPayload:
		c.handlePing()
	default:
		c.reply(errorEvent(ev.SessionID, ev.ClientID,
			fmt.Errorf("%w: %s is not accepted from clients", ErrUnknownEvent, ev.Payload.Type())))
	}
}

func (c *Connection) reply(ev Event) {
	c.service.hub.Unicast(c.client, ev)
}

func (c *Connection) handleJoin(ctx context.Context, sessionID string, p JoinPayload) {
	if c.state == StateBound {
		c.reply(errorEvent(sessionID, p.Client.ID, fmt.Errorf("%w: connection already joined session %s",
			model.ErrInvalidJoinRequest, c.sessionID)))
		return
	}

	info := p.Client
	info.ConnectionID = c.client.ID()
	if info.UserAgent == "" {
		info.UserAgent = c.userAgent
	}

	manager := c.service.manager
	hub := c.service.hub

	res, err := manager.Join(ctx, sessionID, info)
	if err != nil {
		log.Debug("Join rejected", "session", sessionID, "client", info.ID, "error", err)
		c.reply(errorEvent(sessionID, info.ID, err))
		return
	}

	c.state = StateBound
	c.sessionID = sessionID
	c.clientID = res.Client.ID
	log.Info("Client joined", "session", sessionID, "client", res.Client.ID, "type", res.Client.Kind,
		"clients", len(res.Session.Clients), "resolution", res.Session.CurrentResolution)

	hub.Join(sessionID, res.Client.ID, c.client)
	hub.Broadcast(sessionID, NewEvent(sessionID, res.Client.ID, JoinPayload{Client: res.Client}))
	if res.Changed && !res.Created {
		hub.Broadcast(sessionID, NewEvent(sessionID, ServerID, ResolutionPayload{Resolution: res.Session.CurrentResolution}))
	}

	snapshot := SyncPayload{
		Resolution: res.Session.CurrentResolution,
		Clients:    res.Session.Roster(),
	}
	if res.Session.Process != nil {
		snapshot.History = string(res.Session.Process.History())
	}
	c.reply(NewEvent(sessionID, res.Client.ID, snapshot))

	if res.ProcessErr != nil {
		c.reply(errorEvent(sessionID, ServerID, res.ProcessErr))
	}
}

func (c *Connection) handleInput(p InputPayload) {
	if c.state != StateBound {
		c.reply(errorEvent("", "", fmt.Errorf("%w: join a session before sending input", model.ErrUnboundConnection)))
		return
	}
	if !c.limiter.Allow() {
		c.reply(errorEvent(c.sessionID, c.clientID, ErrRateLimited))
		return
	}

	err := c.service.manager.Input(c.sessionID, c.clientID, c.client.ID(), []byte(p.Data))
	if c.expired(err) {
		return
	}
	if err != nil {
		log.Debug("Input not delivered to backing process", "session", c.sessionID, "client", c.clientID, "error", err)
	}
	c.service.hub.Broadcast(c.sessionID, NewEvent(c.sessionID, c.clientID, p))
}

func (c *Connection) handleResize(p ResizePayload) {
	if c.state != StateBound {
		c.reply(errorEvent("", "", fmt.Errorf("%w: join a session before resizing", model.ErrUnboundConnection)))
		return
	}

	s, changed, err := c.service.manager.Resize(c.sessionID, c.clientID, c.client.ID(), p.Resolution)
	if c.expired(err) {
		return
	}
	if err != nil {
		c.reply(errorEvent(c.sessionID, c.clientID, err))
		return
	}
	if changed {
		log.Debug("Resolution renegotiated", "session", c.sessionID, "client", c.clientID, "resolution", s.CurrentResolution)
		c.service.hub.Broadcast(c.sessionID, NewEvent(c.sessionID, ServerID, ResolutionPayload{Resolution: s.CurrentResolution}))
	}
}

func (c *Connection) handlePing() {
	if c.state == StateBound && c.expired(c.service.manager.TouchClient(c.sessionID, c.clientID, c.client.ID())) {
		return
	}
	c.reply(NewEvent(c.sessionID, ServerID, PongPayload{}))
}

// expired closes a bound connection whose client is no longer a member of
// its session, which happens when the session was evicted under it. It
// reports whether the connection was closed.
func (c *Connection) expired(err error) bool {
	if !errors.Is(err, model.ErrSessionNotFound) {
		return false
	}
	log.Debug("Connection outlived its session", "session", c.sessionID, "client", c.clientID, "connection", c.client.ID())
	c.state = StateClosed
	c.reply(NewEvent(c.sessionID, ServerID, ErrorPayload{Kind: KindSessionExpired, Message: err.Error()}))
	c.client.Close()
	return true
}

// Disconnect runs when the transport is gone. A bound client leaves its
// session; the remaining members are told about it.
func (c *Connection) Disconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.state
	c.state = StateClosed
	if state != StateBound {
		return
	}

	manager := c.service.manager
	hub := c.service.hub

	res := manager.Leave(ctx, c.sessionID, c.clientID, c.client.ID())
	hub.Leave(c.sessionID, c.clientID, c.client)
	if !res.Removed {
		return
	}

	log.Info("Client left", "session", c.sessionID, "client", c.clientID, "evicted", res.Evicted)
	if res.Evicted {
		return
	}

	hub.Broadcast(c.sessionID, NewEvent(c.sessionID, c.clientID, LeavePayload{ClientID: c.clientID}))
	if res.Changed {
		hub.Broadcast(c.sessionID, NewEvent(c.sessionID, ServerID, ResolutionPayload{Resolution: res.Session.CurrentResolution}))
	}
}

// readPump pumps events from the WebSocket connection into the state machine.
// Any read error, including an abrupt close, ends in Disconnect.
func (c *Connection) readPump(ctx context.Context) {
	conn := c.client.Conn()
	defer func() {
		c.Disconnect(ctx)
		c.client.Close()
		conn.Close()
		c.service.untrack(c)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("WebSocket read failed", "connection", c.client.ID(), "error", err)
			}
			return
		}

		ev, err := DecodeEvent(message)
		if err != nil {
			log.Debug("Failed to decode event", "connection", c.client.ID(), "error", err)
			c.reply(errorEvent(ev.SessionID, ServerID, err))
			continue
		}

		c.HandleEvent(ctx, ev)
	}
}

// writePump pumps queued events to the WebSocket connection, one frame per
// event, and keeps the connection alive with pings.
func (c *Connection) writePump() {
	conn := c.client.Conn()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The client was closed
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
