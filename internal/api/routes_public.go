package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Version is reported by the ping endpoint.
const Version = "1.0.0"

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     "gridgame-server",
		"version":     Version,
		"uptime_sec":  int64(time.Since(s.started).Seconds()),
		"games":       s.relay.Games().Count(),
		"connections": len(s.relay.Connections()),
	})
}
