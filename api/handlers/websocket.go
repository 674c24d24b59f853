package handlers

import (
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/ttysim/internal/ws"
)

// WebSocketHandler attaches WebSocket clients to sessions. The session is
// chosen by the client_join event, not by the URL.
type WebSocketHandler struct {
	service *ws.Service
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(service *ws.Service) *WebSocketHandler {
	return &WebSocketHandler{service: service}
}

// Attach handles GET /ws - upgrades the request to a WebSocket connection.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.service.ServeWS(c.Writer, c.Request); err != nil {
		// The upgrader has already replied with an HTTP error.
		log.Debug("WebSocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		c.Abort()
	}
}

// RegisterRoutes registers the WebSocket route on a Gin router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Attach)
}
