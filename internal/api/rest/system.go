package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// Request context endet mit der Antwort, daher eigener Timeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lm.Config().Server.ShutdownTimeout)
		defer cancel()
		if err := s.lm.Shutdown(ctx); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}

// POST /api/v1/discovery?filter=rtu-
func (s *Server) discover(c *gin.Context) {
	d := s.lm.Discoverer()
	if d == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("UNAVAILABLE", "Discovery not available", nil))
		return
	}

	found, err := d.Discover(c.Request.Context(), c.Query("filter"))
	if err != nil {
		respondError(c, err, "Discovery failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":    found,
		"count":      len(found),
		"scanned_at": time.Now(),
	})
}
