package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mwilco03/Water-Controller-sub004/internal/registry"
	"github.com/mwilco03/Water-Controller-sub004/internal/rpc"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

// GET /api/v1/stations
func (s *Server) listStations(c *gin.Context) {
	stations := s.lm.Registry().List()

	response := make([]gin.H, 0, len(stations))
	for _, st := range stations {
		response = append(response, gin.H{
			"name":          st.Identity.StationName,
			"address":       st.Identity.Address,
			"state":         s.lm.Connections().State(st.Identity.StationName).String(),
			"display_state": st.DisplayState,
			"locked":        st.Locked,
			"modules":       len(st.Layout),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"stations": response,
		"count":    len(response),
	})
}

// GET /api/v1/stations/:name
func (s *Server) getStation(c *gin.Context) {
	name := c.Param("name")
	st, ok := s.lm.Registry().Get(name)
	if !ok {
		respondError(c, fmt.Errorf("%w: station %s", types.ErrNotFound, name), "Station not found")
		return
	}

	response := gin.H{"station": st}
	if info, ok := s.lm.Connections().Info(name); ok {
		response["connection"] = info
	}
	if h, ok := s.lm.Failover().Health(name); ok {
		response["health"] = h
	}
	c.JSON(http.StatusOK, response)
}

type registerRequest struct {
	Name        string             `json:"name" binding:"required"`
	Address     string             `json:"address" binding:"required"`
	VendorID    uint16             `json:"vendor_id"`
	DeviceID    uint16             `json:"device_id"`
	CycleTimeMs int                `json:"cycle_time_ms"`
	AutoConnect bool               `json:"auto_connect"`
	Layout      []types.ModuleSlot `json:"layout"`
}

// POST /api/v1/stations
func (s *Server) registerStation(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid request body", err.Error()))
		return
	}

	cycle := s.lm.Config().Fieldbus.DefaultCycleTime
	if req.CycleTimeMs > 0 {
		cycle = time.Duration(req.CycleTimeMs) * time.Millisecond
	}

	st := registry.Station{
		Identity: types.DeviceIdentity{
			StationName: req.Name,
			Address:     req.Address,
			VendorID:    req.VendorID,
			DeviceID:    req.DeviceID,
		},
		Layout:      req.Layout,
		CycleTime:   cycle,
		AutoConnect: req.AutoConnect,
	}
	if err := s.lm.Registry().Register(st); err != nil {
		respondError(c, err, "Failed to register station")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

// DELETE /api/v1/stations/:name
func (s *Server) removeStation(c *gin.Context) {
	name := c.Param("name")
	if err := s.lm.Registry().Remove(name); err != nil {
		respondError(c, err, "Failed to remove station")
		return
	}

	if err := s.lm.Reconciler().Clear(c.Request.Context(), name); err != nil && !errors.Is(err, types.ErrNotFound) {
		s.logger.Warn("Failed to clear desired state of removed station",
			zap.String("station", name),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"message": "station removed"})
}

// PUT /api/v1/stations/:name/name
func (s *Server) renameStation(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid request body", err.Error()))
		return
	}

	if err := s.lm.Registry().Rename(c.Param("name"), req.Name); err != nil {
		respondError(c, err, "Failed to rename station")
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": req.Name})
}

// POST /api/v1/stations/:name/connect
func (s *Server) connectStation(c *gin.Context) {
	name := c.Param("name")
	if err := s.lm.Connections().Connect(c.Request.Context(), name); err != nil {
		respondError(c, err, "Connect failed")
		return
	}

	info, _ := s.lm.Connections().Info(name)
	c.JSON(http.StatusOK, info)
}

// POST /api/v1/stations/:name/disconnect
func (s *Server) disconnectStation(c *gin.Context) {
	if err := s.lm.Connections().Disconnect(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err, "Disconnect failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "disconnected"})
}

// GET /api/v1/stations/:name/io
func (s *Server) getIO(c *gin.Context) {
	name := c.Param("name")
	values, ok := s.lm.Cyclic().Snapshot(name)
	if !ok {
		respondError(c, fmt.Errorf("%w: %s has no cyclic exchange", types.ErrNotConnected, name), "No live data")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"station": name,
		"values":  values,
	})
}

// GET /api/v1/stations/:name/stats
func (s *Server) getStats(c *gin.Context) {
	name := c.Param("name")
	stats, ok := s.lm.Cyclic().Stats(name)
	if !ok {
		respondError(c, fmt.Errorf("%w: %s has no cyclic exchange", types.ErrNotConnected, name), "No statistics")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GET /api/v1/stations/:name/records/:slot/:index
// Slot 0 addresses device-level records.
func (s *Server) readRecord(c *gin.Context) {
	slot, err := strconv.ParseUint(c.Param("slot"), 0, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid slot", err.Error()))
		return
	}
	index, err := strconv.ParseUint(c.Param("index"), 0, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_PARAM", "Invalid index", err.Error()))
		return
	}

	addr := rpc.DeviceAddress(uint16(index))
	if slot != 0 {
		addr = rpc.SlotAddress(uint16(slot), uint16(index))
	}

	data, err := s.lm.RPC().ReadParameter(c.Request.Context(), c.Param("name"), addr)
	if err != nil {
		respondError(c, err, "Record read failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"slot":  slot,
		"index": index,
		"data":  data,
	})
}
