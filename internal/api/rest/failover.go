package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mwilco03/Water-Controller-sub004/internal/failover"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// GET /api/v1/failover/mappings
func (s *Server) listMappings(c *gin.Context) {
	mappings := s.lm.Failover().Mappings()
	c.JSON(http.StatusOK, gin.H{
		"mappings": mappings,
		"count":    len(mappings),
	})
}

// POST /api/v1/failover/mappings
func (s *Server) addMapping(c *gin.Context) {
	var req struct {
		Primary string `json:"primary" binding:"required"`
		Backup  string `json:"backup" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid request body", err.Error()))
		return
	}

	if err := s.lm.Failover().AddMapping(req.Primary, req.Backup); err != nil {
		respondError(c, err, "Failed to add mapping")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"primary": req.Primary, "backup": req.Backup})
}

// DELETE /api/v1/failover/mappings/:primary
func (s *Server) removeMapping(c *gin.Context) {
	if err := s.lm.Failover().RemoveMapping(c.Param("primary")); err != nil {
		respondError(c, err, "Failed to remove mapping")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "mapping removed"})
}

// POST /api/v1/failover/mappings/:primary/execute
func (s *Server) executeFailover(c *gin.Context) {
	primary := c.Param("primary")
	if err := s.lm.Failover().ExecuteFailover(primary); err != nil {
		respondError(c, err, "Failover refused")
		return
	}
	mp, _ := s.lm.Failover().Mapping(primary)
	c.JSON(http.StatusOK, mp)
}

// POST /api/v1/failover/mappings/:primary/restore
func (s *Server) restoreFailover(c *gin.Context) {
	primary := c.Param("primary")
	if err := s.lm.Failover().Restore(primary); err != nil {
		respondError(c, err, "Restore failed")
		return
	}
	mp, _ := s.lm.Failover().Mapping(primary)
	c.JSON(http.StatusOK, mp)
}

// GET /api/v1/failover/health
func (s *Server) healthTable(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stations": s.lm.Failover().HealthTable()})
}

// PUT /api/v1/failover/health/:name
// Maintenance override; cleared with DELETE.
func (s *Server) forceHealth(c *gin.Context) {
	var req struct {
		Healthy *bool `json:"healthy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid request body", err.Error()))
		return
	}
	s.lm.Failover().ForceHealth(c.Param("name"), *req.Healthy)
	c.JSON(http.StatusOK, gin.H{"station": c.Param("name"), "healthy": *req.Healthy, "forced": true})
}

// DELETE /api/v1/failover/health/:name
func (s *Server) clearForcedHealth(c *gin.Context) {
	s.lm.Failover().ClearForcedHealth(c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"station": c.Param("name"), "forced": false})
}

// GET /api/v1/failover/policy
func (s *Server) getPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": s.lm.Failover().Policy()})
}

// PUT /api/v1/failover/policy
func (s *Server) setPolicy(c *gin.Context) {
	var req struct {
		Policy string `json:"policy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid request body", err.Error()))
		return
	}
	if err := s.lm.Failover().SetPolicy(failover.Policy(req.Policy)); err != nil {
		respondError(c, err, "Invalid policy")
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": s.lm.Failover().Policy()})
}
