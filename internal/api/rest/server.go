package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mwilco03/Water-Controller-sub004/internal/api/websocket"
	"github.com/mwilco03/Water-Controller-sub004/internal/config"
	"github.com/mwilco03/Water-Controller-sub004/internal/interfaces"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server
	wsHub  *websocket.Hub
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
		wsHub:  wsHub,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		system := v1.Group("/system")
		{
			system.GET("/status", s.getSystemStatus)
			system.POST("/shutdown", s.shutdown)
		}

		v1.POST("/discovery", s.discover)

		stations := v1.Group("/stations")
		{
			stations.GET("", s.listStations)
			stations.POST("", s.registerStation)
			stations.GET("/:name", s.getStation)
			stations.DELETE("/:name", s.removeStation)
			stations.PUT("/:name/name", s.renameStation)

			stations.POST("/:name/connect", s.connectStation)
			stations.POST("/:name/disconnect", s.disconnectStation)
			stations.GET("/:name/io", s.getIO)
			stations.GET("/:name/stats", s.getStats)
			stations.GET("/:name/records/:slot/:index", s.readRecord)

			stations.GET("/:name/desired", s.getDesired)
			stations.PUT("/:name/actuators/:slot", s.setActuator)
			stations.PUT("/:name/loops/:loop", s.setLoop)
			stations.POST("/:name/sync", s.forceSync)
			stations.POST("/:name/snapshot", s.snapshotDesired)
		}

		fo := v1.Group("/failover")
		{
			fo.GET("/mappings", s.listMappings)
			fo.POST("/mappings", s.addMapping)
			fo.DELETE("/mappings/:primary", s.removeMapping)
			fo.POST("/mappings/:primary/execute", s.executeFailover)
			fo.POST("/mappings/:primary/restore", s.restoreFailover)
			fo.GET("/health", s.healthTable)
			fo.PUT("/health/:name", s.forceHealth)
			fo.DELETE("/health/:name", s.clearForcedHealth)
			fo.GET("/policy", s.getPolicy)
			fo.PUT("/policy", s.setPolicy)
		}

		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// respondError writes the error envelope with a status derived from the
// error taxonomy.
func respondError(c *gin.Context, err error, message string) {
	c.JSON(httpStatus(err), types.NewErrorResponse(types.ErrorCode(err), message, err.Error()))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrBusy), errors.Is(err, types.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, types.ErrResourceExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrNotConnected), errors.Is(err, types.ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrRejected), errors.Is(err, types.ErrCapabilityMismatch),
		errors.Is(err, types.ErrMalformedFrame), errors.Is(err, types.ErrChecksumMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
