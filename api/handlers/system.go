package handlers

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/remote-agent-terminal/ttysim/internal/session"
)

// SystemHandler serves health and server information.
type SystemHandler struct {
	name           string
	version        string
	started        time.Time
	sessionManager *session.Manager
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(name, version string, sessionManager *session.Manager) *SystemHandler {
	return &SystemHandler{
		name:           name,
		version:        version,
		started:        time.Now(),
		sessionManager: sessionManager,
	}
}

// InfoResponse describes the running server.
type InfoResponse struct {
	Name       string  `json:"name"`
	Version    string  `json:"version"`
	Uptime     string  `json:"uptime"`
	Sessions   int     `json:"sessions"`
	Clients    int     `json:"clients"`
	Goroutines int     `json:"goroutines"`
	MemoryRSS  uint64  `json:"memoryRss,omitempty"`
	CPUPercent float64 `json:"cpuPercent"`
}

// Health handles GET /health.
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Info handles GET /info.
func (h *SystemHandler) Info(c *gin.Context) {
	sessions := h.sessionManager.List()
	clients := 0
	for _, s := range sessions {
		clients += len(s.Clients)
	}

	resp := InfoResponse{
		Name:       h.name,
		Version:    h.version,
		Uptime:     formatDuration(time.Since(h.started)),
		Sessions:   len(sessions),
		Clients:    clients,
		Goroutines: runtime.NumGoroutine(),
	}

	proc, err := process.NewProcessWithContext(c.Request.Context(), int32(os.Getpid()))
	if err == nil {
		if mem, err := proc.MemoryInfoWithContext(c.Request.Context()); err == nil {
			resp.MemoryRSS = mem.RSS
		}
		if cpu, err := proc.CPUPercentWithContext(c.Request.Context()); err == nil {
			resp.CPUPercent = cpu
		}
	} else {
		log.Debug("process stats unavailable", "error", err)
	}

	c.JSON(http.StatusOK, resp)
}

// RegisterRoutes registers the health and info routes on a Gin router.
func (h *SystemHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/info", h.Info)
}
