package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/ttysim/internal/model"
	"github.com/remote-agent-terminal/ttysim/internal/repository"
)

// HistoryHandler serves the history of evicted sessions.
type HistoryHandler struct {
	history HistoryStore
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(history HistoryStore) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// HistoryResponse represents an evicted session in API responses.
type HistoryResponse struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"sessionId"`
	Reason      string `json:"reason"`
	PeakClients int    `json:"peakClients"`
	HasLog      bool   `json:"hasLog"`
	Duration    string `json:"duration"`
	CreatedAt   string `json:"createdAt"`
	EvictedAt   string `json:"evictedAt"`
}

func toHistoryResponse(rec *model.SessionRecord) *HistoryResponse {
	return &HistoryResponse{
		ID:          rec.ID,
		SessionID:   rec.SessionID,
		Reason:      string(rec.Reason),
		PeakClients: rec.PeakClients,
		HasLog:      rec.LogFilePath != "",
		Duration:    formatDuration(rec.EvictedAt.Sub(rec.CreatedAt)),
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
		EvictedAt:   rec.EvictedAt.Format(time.RFC3339),
	}
}

// List handles GET /api/history - lists evicted sessions, newest first.
// The optional session query parameter filters by session id.
func (h *HistoryHandler) List(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}

	var records []*model.SessionRecord
	var err error
	if sessionID := c.Query("session"); sessionID != "" {
		records, err = h.history.ListBySession(c.Request.Context(), sessionID, limit)
	} else {
		records, err = h.history.List(c.Request.Context(), limit)
	}
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list history: "+err.Error())
		return
	}

	response := make([]*HistoryResponse, len(records))
	for i, rec := range records {
		response[i] = toHistoryResponse(rec)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/history/:id - gets one history record.
func (h *HistoryHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid history id")
		return
	}

	rec, err := h.history.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			sendError(c, http.StatusNotFound, "RECORD_NOT_FOUND", "History record "+c.Param("id")+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get history: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toHistoryResponse(rec))
}

// RegisterRoutes registers the history routes on a Gin router group.
func (h *HistoryHandler) RegisterRoutes(rg *gin.RouterGroup) {
	history := rg.Group("/history")
	{
		history.GET("", h.List)
		history.GET("/:id", h.Get)
	}
}
