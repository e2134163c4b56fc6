// Package healthsvc publishes station health over the standard gRPC health
// protocol. Each station is a service name; the empty name reports the
// controller itself.
package healthsvc

import (
	"context"
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/failover"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const DefaultInterval = time.Second

// HealthSource is the failover manager's health table.
type HealthSource interface {
	HealthTable() []failover.HealthRecord
}

type Service struct {
	server   *health.Server
	source   HealthSource
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	known map[string]healthpb.HealthCheckResponse_ServingStatus
}

func New(source HealthSource, interval time.Duration, logger *zap.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		server:   health.NewServer(),
		source:   source,
		interval: interval,
		logger:   logger,
		known:    make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

func (s *Service) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.server)
}

// Server returns the underlying health server.
func (s *Service) Server() healthpb.HealthServer {
	return s.server
}

// Update copies the health table into the serving status of every station.
// Stations that left the table report NOT_SERVING.
func (s *Service) Update() {
	table := s.source.HealthTable()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(table))
	for _, rec := range table {
		seen[rec.Station] = true
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if rec.Healthy {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.set(rec.Station, status)
	}
	for name := range s.known {
		if !seen[name] {
			s.set(name, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
}

func (s *Service) set(station string, status healthpb.HealthCheckResponse_ServingStatus) {
	if prev, ok := s.known[station]; ok && prev == status {
		return
	}
	s.known[station] = status
	s.server.SetServingStatus(station, status)
	s.logger.Debug("Station health published",
		zap.String("station", station),
		zap.String("status", status.String()))
}

// Run refreshes the serving status until ctx is done, then reports every
// service as NOT_SERVING.
func (s *Service) Run(ctx context.Context) {
	s.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.Update()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.server.Shutdown()
			return
		case <-ticker.C:
			s.Update()
		}
	}
}
