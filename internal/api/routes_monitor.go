package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gridgame-project/gridgame/internal/util"
)

// handleGetGames lists the games currently registered with the relay.
func (s *Server) handleGetGames(c *gin.Context) {
	games := s.relay.Games().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"games": games,
		"total": len(games),
	})
}

// handleGetGame returns one registered game.
func (s *Server) handleGetGame(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid game id"})
		return
	}

	game, ok := s.relay.Games().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
		return
	}
	c.JSON(http.StatusOK, game)
}

// handleGetHistory returns games recorded by the ledger.
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "game ledger is not enabled"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	records, err := s.history.History(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read game history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read game history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"games": records,
		"total": len(records),
	})
}

// handleGetConnections lists connected clients.
func (s *Server) handleGetConnections(c *gin.Context) {
	conns := s.relay.Connections()
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"total":       len(conns),
	})
}

// handleGetSystem returns host information and resource usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{
		"system": util.GetSystemInfo(),
	}

	if usage, err := util.GetProcessUsage(); err == nil {
		resp["process"] = usage
	} else {
		s.logger.Debug().Err(err).Msg("process usage unavailable")
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}

	c.JSON(http.StatusOK, resp)
}
