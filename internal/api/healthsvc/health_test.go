package healthsvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/failover"
	"go.uber.org/zap/zaptest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type table struct {
	mu   sync.Mutex
	recs []failover.HealthRecord
}

func (t *table) set(recs ...failover.HealthRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recs = recs
}

func (t *table) HealthTable() []failover.HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]failover.HealthRecord(nil), t.recs...)
}

func check(t *testing.T, s *Service, station string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: station})
	if err != nil {
		t.Fatalf("Check(%q): %v", station, err)
	}
	return resp.Status
}

func TestStationStatusFollowsHealthTable(t *testing.T) {
	src := &table{}
	s := New(src, 0, zaptest.NewLogger(t))

	src.set(
		failover.HealthRecord{Station: "rtu-1", Healthy: true},
		failover.HealthRecord{Station: "rtu-2", Healthy: false},
	)
	s.Update()

	if got := check(t, s, "rtu-1"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("rtu-1 = %s", got)
	}
	if got := check(t, s, "rtu-2"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("rtu-2 = %s", got)
	}

	src.set(failover.HealthRecord{Station: "rtu-2", Healthy: true})
	s.Update()

	if got := check(t, s, "rtu-1"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("vanished rtu-1 = %s", got)
	}
	if got := check(t, s, "rtu-2"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("recovered rtu-2 = %s", got)
	}

	if _, err := s.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "rtu-9"}); err == nil {
		t.Error("unknown station reported")
	}
}

func TestRunPublishesOverallStatus(t *testing.T) {
	src := &table{}
	src.set(failover.HealthRecord{Station: "rtu-1", Healthy: true})
	s := New(src, 10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		resp, err := s.Server().Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("overall status never SERVING")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
	if got := check(t, s, "rtu-1"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after shutdown rtu-1 = %s", got)
	}
}
