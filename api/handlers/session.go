// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/ttysim/internal/model"
	"github.com/remote-agent-terminal/ttysim/internal/session"
)

// HistoryStore provides read access to the history of evicted sessions.
type HistoryStore interface {
	Get(ctx context.Context, id int64) (*model.SessionRecord, error)
	List(ctx context.Context, limit int) ([]*model.SessionRecord, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*model.SessionRecord, error)
}

// SessionHandler handles HTTP requests for live sessions.
type SessionHandler struct {
	sessionManager *session.Manager
	history        HistoryStore
}

// NewSessionHandler creates a new SessionHandler. history may be nil.
func NewSessionHandler(sessionManager *session.Manager, history HistoryStore) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
		history:        history,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID                string             `json:"id"`
	Clients           []model.ClientInfo `json:"clients"`
	ClientCount       int                `json:"clientCount"`
	PeakClients       int                `json:"peakClients"`
	CurrentResolution model.Resolution   `json:"currentResolution"`
	TargetResolution  model.Resolution   `json:"targetResolution"`
	PID               *int               `json:"pid,omitempty"`
	LogFilePath       string             `json:"logFilePath,omitempty"`
	Duration          string             `json:"duration"`
	CreatedAt         string             `json:"createdAt"`
	LastActivity      string             `json:"lastActivity"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:                s.ID,
		Clients:           s.Roster(),
		ClientCount:       len(s.Clients),
		PeakClients:       s.PeakClients,
		CurrentResolution: s.CurrentResolution,
		TargetResolution:  s.TargetResolution,
		Duration:          formatDuration(s.Duration()),
		CreatedAt:         s.CreatedAt.Format(time.RFC3339),
		LastActivity:      s.LastActivity.Format(time.RFC3339),
	}
	if s.Process != nil {
		pid := s.Process.PID()
		resp.PID = &pid
		resp.LogFilePath = s.Process.LogFilePath()
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions - lists all live sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.sessionManager.List()

	response := make([]*SessionResponse, len(sessions))
	for i := range sessions {
		response[i] = toSessionResponse(&sessions[i])
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a specific live session.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.sessionManager.Get(sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(&sess))
}

// GetLogs handles GET /api/sessions/:id/logs - downloads the asciicast
// recording of the session's current process or, once the session has been
// evicted, of its most recent one.
func (h *SessionHandler) GetLogs(c *gin.Context) {
	sessionID := c.Param("id")

	path, err := h.logFilePath(c.Request.Context(), sessionID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to look up recording: "+err.Error())
		return
	}
	if path == "" {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "Log file not found for session "+sessionID)
		return
	}
	if _, err := os.Stat(path); err != nil {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "Log file not found for session "+sessionID)
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+safeFileName(sessionID)+".cast")
	c.File(path)
}

func (h *SessionHandler) logFilePath(ctx context.Context, sessionID string) (string, error) {
	if sess, err := h.sessionManager.Get(sessionID); err == nil && sess.Process != nil {
		if path := sess.Process.LogFilePath(); path != "" {
			return path, nil
		}
	}
	if h.history == nil {
		return "", nil
	}

	records, err := h.history.ListBySession(ctx, sessionID, 1)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[0].LogFilePath, nil
}

// safeFileName keeps a session id usable in a Content-Disposition header.
func safeFileName(s string) string {
	out := []byte(s)
	for i, b := range out {
		if b < 0x20 || b > 0x7e || b == '"' || b == '\\' || b == '/' || b == ';' {
			out[i] = '_'
		}
	}
	return string(out)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.GET("/:id/logs", h.GetLogs)
	}
}
