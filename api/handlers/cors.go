package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginChecker reports whether a browser origin may use the API.
type OriginChecker struct {
	any     bool
	allowed map[string]bool
}

// NewOriginChecker allows the given origins. "*" allows every origin.
func NewOriginChecker(origins []string) *OriginChecker {
	oc := &OriginChecker{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			oc.any = true
		}
		oc.allowed[strings.ToLower(o)] = true
	}
	return oc
}

// Allowed reports whether origin is allowed. Requests without an Origin
// header do not come from a browser and are always allowed.
func (oc *OriginChecker) Allowed(origin string) bool {
	if origin == "" || oc.any {
		return true
	}
	return oc.allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
}

// CheckRequest validates the Origin header of a WebSocket upgrade.
func (oc *OriginChecker) CheckRequest(r *http.Request) bool {
	return oc.Allowed(r.Header.Get("Origin"))
}

// CORSMiddleware returns a CORS middleware allowing the checker's origins.
func CORSMiddleware(oc *OriginChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && oc.Allowed(origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			c.Writer.Header().Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
