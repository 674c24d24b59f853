package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/remote-agent-terminal/ttysim/internal/model"
	"github.com/remote-agent-terminal/ttysim/internal/session"
)

// Config holds configuration for the WebSocket service.
type Config struct {
	// InputRate is the number of client_input events per second a connection
	// may send. Zero means unlimited.
	InputRate float64

	// InputBurst is the burst size of the input limiter.
	InputBurst int

	// CheckOrigin validates the Origin header of an upgrade request. Nil
	// accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Service connects WebSocket clients to the session manager. It owns the
// broadcast hub and turns backing process output and session evictions into
// events.
type Service struct {
	manager  *session.Manager
	hub      *Hub
	upgrader websocket.Upgrader

	inputRate  rate.Limit
	inputBurst int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*Connection]struct{}
	closed bool
}

// ErrServiceClosed is returned by ServeWS after Close.
var ErrServiceClosed = errors.New("websocket service is closed")

// NewService creates a new WebSocket service for manager.
func NewService(manager *session.Manager, config Config) *Service {
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	limit := rate.Inf
	if config.InputRate > 0 {
		limit = rate.Limit(config.InputRate)
	}
	burst := config.InputBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		manager: manager,
		hub:     NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		inputRate:  limit,
		inputBurst: burst,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[*Connection]struct{}),
	}
	manager.SetOnEvict(s.handleEvict)
	return s
}

// Hub returns the broadcast hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// NewConnection creates an unbound connection for client. The caller pumps
// events into it and calls Disconnect when the transport is gone.
func (s *Service) NewConnection(client *Client, userAgent string) *Connection {
	return newConnection(s, client, userAgent)
}

// ServeWS upgrades the request and serves the connection until it closes.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := s.NewConnection(NewClient(conn), r.UserAgent())
	if !s.track(c) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down"))
		conn.Close()
		return ErrServiceClosed
	}
	log.Debug("Connection opened", "connection", c.client.ID(), "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump(s.ctx)
	return nil
}

// HandleOutput broadcasts output of a session's backing process. Output of
// a process that is no longer attached to the session is dropped.
func (s *Service) HandleOutput(sessionID string, handle model.ProcessHandle, data []byte) {
	current, ok := s.manager.Registry().Process(sessionID)
	if !ok || current != handle {
		return
	}
	s.hub.Broadcast(sessionID, NewEvent(sessionID, ServerID, OutputPayload{Output: string(data)}))
}

// HandleProcessExit detaches an exited backing process and tells the
// session's clients. The next join acquires a new process.
func (s *Service) HandleProcessExit(sessionID string, handle model.ProcessHandle, exitCode int, err error) {
	if !s.manager.ProcessExited(sessionID, handle, exitCode, err) {
		return
	}

	cause := fmt.Errorf("%w: process exited with code %d", model.ErrBackingProcessUnavailable, exitCode)
	if err != nil {
		cause = fmt.Errorf("%w: %v", model.ErrBackingProcessUnavailable, err)
	}
	s.hub.Broadcast(sessionID, errorEvent(sessionID, ServerID, cause))
}

// handleEvict closes the connections of a session evicted with clients still
// attached. A session evicted because it became empty has none.
func (s *Service) handleEvict(sess model.Session, reason model.EvictReason) {
	if reason == model.EvictEmpty {
		return
	}

	message := "session expired after inactivity"
	if reason == model.EvictShutdown {
		message = "server is shutting down"
	}
	ev := NewEvent(sess.ID, ServerID, ErrorPayload{Kind: KindSessionExpired, Message: message})

	for _, info := range sess.Clients {
		client := s.hub.Detach(sess.ID, info.ID, info.ConnectionID)
		if client == nil {
			continue
		}
		s.hub.Unicast(client, ev)
		client.Close()
	}
}

func (s *Service) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Service) untrack(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Connections returns the number of open WebSocket connections, joined or
// not.
func (s *Service) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops serving and closes every connection, including those that
// never joined a session.
func (s *Service) Close() {
	s.cancel()
	s.hub.Close()

	s.mu.Lock()
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.client.Close()
		if conn := c.client.Conn(); conn != nil {
			conn.Close()
		}
	}
}
