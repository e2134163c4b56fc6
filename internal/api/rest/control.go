package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mwilco03/Water-Controller-sub004/internal/reconcile"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// GET /api/v1/stations/:name/desired
func (s *Server) getDesired(c *gin.Context) {
	d, err := s.lm.Reconciler().Desired(c.Param("name"))
	if err != nil {
		respondError(c, err, "No desired state")
		return
	}
	c.JSON(http.StatusOK, d)
}

// requireStation answers 404 for names missing from the inventory so they
// never take a desired-state slot.
func (s *Server) requireStation(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if _, ok := s.lm.Registry().Get(name); !ok {
		respondError(c, fmt.Errorf("%w: station %s", types.ErrNotFound, name), "Station not found")
		return "", false
	}
	return name, true
}

func (s *Server) respondSequence(c *gin.Context, name string) {
	d, err := s.lm.Reconciler().Desired(name)
	if err != nil {
		respondError(c, err, "Desired state unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence": d.Sequence})
}

// PUT /api/v1/stations/:name/actuators/:slot
func (s *Server) setActuator(c *gin.Context) {
	name, ok := s.requireStation(c)
	if !ok {
		return
	}
	slot, err := strconv.ParseUint(c.Param("slot"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid slot", err.Error()))
		return
	}

	var req struct {
		Command string `json:"command" binding:"required"`
		Duty    uint8  `json:"duty"`
		Epoch   uint32 `json:"epoch"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid request body", err.Error()))
		return
	}

	cmd, err := types.ParseActuatorCommand(req.Command)
	if err != nil {
		respondError(c, err, "Invalid command")
		return
	}

	if err := s.lm.Reconciler().SetActuator(name, uint16(slot), cmd, req.Duty, req.Epoch); err != nil {
		respondError(c, err, "Failed to set actuator")
		return
	}

	s.respondSequence(c, name)
}

// PUT /api/v1/stations/:name/loops/:loop
func (s *Server) setLoop(c *gin.Context) {
	name, ok := s.requireStation(c)
	if !ok {
		return
	}
	loopID, err := strconv.ParseUint(c.Param("loop"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid loop id", err.Error()))
		return
	}

	var req struct {
		Mode     string   `json:"mode" binding:"required"`
		Setpoint *float64 `json:"setpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid request body", err.Error()))
		return
	}

	mode, err := reconcile.ParsePIDMode(req.Mode)
	if err != nil {
		respondError(c, err, "Invalid mode")
		return
	}

	if err := s.lm.Reconciler().SetPIDLoop(name, uint16(loopID), mode, *req.Setpoint); err != nil {
		respondError(c, err, "Failed to set PID loop")
		return
	}

	s.respondSequence(c, name)
}

// POST /api/v1/stations/:name/sync
func (s *Server) forceSync(c *gin.Context) {
	if err := s.lm.Reconciler().ForceSync(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err, "Force sync failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "sync scheduled"})
}

// POST /api/v1/stations/:name/snapshot
func (s *Server) snapshotDesired(c *gin.Context) {
	if err := s.lm.Reconciler().Snapshot(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err, "Snapshot failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "snapshot written"})
}
