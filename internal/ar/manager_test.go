package ar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/events"
	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/registry"
	"github.com/mwilco03/Water-Controller-sub004/internal/rtusim"
	"github.com/mwilco03/Water-Controller-sub004/internal/transport"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap/zaptest"
)

var testLayout = []types.ModuleSlot{
	types.NewSensorSlot(1, 0x101),
	types.NewActuatorSlot(9, 0x201),
}

type fakeScheduler struct {
	mu       sync.Mutex
	armed    map[string]time.Duration
	disarmed []string
}

func (s *fakeScheduler) Arm(station string, _ *Link, _ []types.ModuleSlot, period time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == nil {
		s.armed = make(map[string]time.Duration)
	}
	s.armed[station] = period
	return nil
}

func (s *fakeScheduler) Disarm(station string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.armed, station)
	s.disarmed = append(s.disarmed, station)
}

func (s *fakeScheduler) isArmed(station string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[station]
	return ok
}

type fixture struct {
	reg   *registry.Registry
	rtu   *rtusim.RTU
	mgr   *Manager
	sched *fakeScheduler
	bus   *events.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg := registry.New(0, logger)
	err := reg.Register(registry.Station{
		Identity:  types.DeviceIdentity{StationName: "rtu-1", Address: "rtu-1:34964"},
		Layout:    testLayout,
		CycleTime: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	dialer := transport.NewPipeDialer()
	rtu := rtusim.New(rtusim.Config{StationName: "rtu-1", Layout: testLayout}, logger)
	rtu.Attach(dialer, "rtu-1:34964")

	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 200 * time.Millisecond
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 10 * time.Millisecond
	}

	bus := events.NewBus()
	mgr := NewManager(cfg, dialer, reg, bus, logger)
	sched := &fakeScheduler{}
	mgr.SetScheduler(sched)

	t.Cleanup(func() {
		mgr.Close(context.Background())
		rtu.Close()
		bus.Close()
	})
	return &fixture{reg: reg, rtu: rtu, mgr: mgr, sched: sched, bus: bus}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectReachesRunning(t *testing.T) {
	f := newFixture(t, Config{})
	changes := f.bus.Subscribe(events.KindStateChanged)
	connected := f.bus.Subscribe(events.KindConnected)

	if err := f.mgr.Connect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if got := f.mgr.State("rtu-1"); got != StateRunning {
		t.Fatalf("state = %s", got)
	}
	if !f.sched.isArmed("rtu-1") {
		t.Error("cyclic schedule not armed")
	}

	var path []State
	for len(path) < 3 {
		select {
		case ev := <-changes:
			path = append(path, ev.Data.(StateChange).To)
		case <-time.After(time.Second):
			t.Fatalf("state changes = %v", path)
		}
	}
	want := []State{StateConnecting, StateParameterizing, StateRunning}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("path = %v, want %v", path, want)
		}
	}

	select {
	case ev := <-connected:
		if ev.Station != "rtu-1" {
			t.Errorf("connected event for %s", ev.Station)
		}
	case <-time.After(time.Second):
		t.Error("no connected event")
	}

	st, _ := f.reg.Get("rtu-1")
	if !st.Locked || st.DisplayState != "RUNNING" {
		t.Errorf("registry entry = locked %v, display %s", st.Locked, st.DisplayState)
	}

	info, ok := f.mgr.Info("rtu-1")
	if !ok || info.SessionKey == 0 || info.CycleTime != 20*time.Millisecond || len(info.Layout) != 2 {
		t.Errorf("info = %+v", info)
	}

	// A second Connect on a RUNNING AR is a no-op.
	if err := f.mgr.Connect(context.Background(), "rtu-1"); err != nil {
		t.Errorf("repeat Connect: %v", err)
	}
}

func TestRunningOnlyThroughParameterizing(t *testing.T) {
	// Every edge into RUNNING starts at PARAMETERIZING and every edge into
	// PARAMETERIZING starts at CONNECTING.
	for from, targets := range validTransitions {
		for _, to := range targets {
			if to == StateRunning && from != StateParameterizing {
				t.Errorf("RUNNING reachable from %s", from)
			}
			if to == StateParameterizing && from != StateConnecting {
				t.Errorf("PARAMETERIZING reachable from %s", from)
			}
		}
	}

	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateDiscovered, StateConnecting, true},
		{StateDiscovered, StateRunning, false},
		{StateDiscovered, StateParameterizing, false},
		{StateConnecting, StateRunning, false},
		{StateConnecting, StateParameterizing, true},
		{StateParameterizing, StateRunning, true},
		{StateRunning, StateError, true},
		{StateRunning, StateDisconnected, true},
		{StateError, StateRunning, false},
		{StateError, StateDisconnected, true},
		{StateDisconnected, StateRunning, false},
		{StateDisconnected, StateConnecting, true},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: err = %v", tt.from, tt.to, err)
		}
		if err != nil && !errors.Is(err, types.ErrInvalidState) {
			t.Errorf("%s -> %s: error not ErrInvalidState", tt.from, tt.to)
		}
	}
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		name     string
		faults   rtusim.Faults
		want     error
		cause    Cause
		attempts int
	}{
		{
			name:     "capability mismatch is not retried",
			faults:   rtusim.Faults{AcceptedLayout: []types.ModuleSlot{types.NewSensorSlot(1, 0x101)}},
			want:     types.ErrCapabilityMismatch,
			cause:    CauseCapabilityMismatch,
			attempts: 1,
		},
		{
			name:     "device reports capability mismatch",
			faults:   rtusim.Faults{ConnectStatus: fieldbus.StatusCapabilityMismatch},
			want:     types.ErrCapabilityMismatch,
			cause:    CauseCapabilityMismatch,
			attempts: 1,
		},
		{
			name:     "timeout is retried",
			faults:   rtusim.Faults{DropConnect: true},
			want:     types.ErrTimeout,
			cause:    CauseTimeout,
			attempts: 3,
		},
		{
			name:     "no resources",
			faults:   rtusim.Faults{ConnectStatus: fieldbus.StatusNoResources},
			want:     types.ErrResourceExhausted,
			cause:    CauseResourceExhausted,
			attempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{Retries: 2, ConnectTimeout: 50 * time.Millisecond})
			f.rtu.SetFaults(tt.faults)

			err := f.mgr.Connect(context.Background(), "rtu-1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("Connect = %v, want %v", err, tt.want)
			}

			info, _ := f.mgr.Info("rtu-1")
			if info.State != StateError || info.Cause != tt.cause {
				t.Errorf("state %s cause %q", info.State, info.Cause)
			}
			if info.ConnectAttempts != tt.attempts {
				t.Errorf("attempts = %d, want %d", info.ConnectAttempts, tt.attempts)
			}
			if f.sched.isArmed("rtu-1") {
				t.Error("failed AR must not be armed")
			}
		})
	}
}

func TestConnectPreconditions(t *testing.T) {
	f := newFixture(t, Config{})

	if err := f.mgr.Connect(context.Background(), "rtu-404"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown station = %v", err)
	}

	f.reg.Publish(types.DeviceIdentity{StationName: "rtu-2", Address: "rtu-2:34964"})
	if err := f.mgr.Connect(context.Background(), "rtu-2"); !errors.Is(err, types.ErrInvalidParam) {
		t.Errorf("station without layout = %v", err)
	}
	if st, _ := f.reg.Get("rtu-2"); st.Locked {
		t.Error("rejected station left locked")
	}
}

func TestMissedCyclesForceError(t *testing.T) {
	f := newFixture(t, Config{MissThreshold: 3})
	if err := f.mgr.Connect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if f.mgr.CycleMissed("rtu-1") || f.mgr.CycleMissed("rtu-1") {
		t.Fatal("schedule stopped before the threshold")
	}
	f.mgr.CycleOK("rtu-1")
	if st, _ := f.mgr.Status("rtu-1"); st.ConsecutiveErrors != 0 {
		t.Fatalf("successful cycle did not reset the counter: %d", st.ConsecutiveErrors)
	}

	f.mgr.CycleMissed("rtu-1")
	f.mgr.CycleMissed("rtu-1")
	if !f.mgr.CycleMissed("rtu-1") {
		t.Fatal("third consecutive miss should stop the schedule")
	}

	info, _ := f.mgr.Info("rtu-1")
	if info.State != StateError || info.Cause != CauseCycleMiss {
		t.Errorf("state %s cause %q", info.State, info.Cause)
	}
	if f.sched.isArmed("rtu-1") {
		t.Error("schedule still armed after ERROR")
	}
	if _, err := f.mgr.Link("rtu-1"); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Link in ERROR = %v", err)
	}
}

func TestFatalAlarmForcesError(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.mgr.Connect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := f.rtu.SendAlarm(context.Background(), fieldbus.SeverityDiagnostic, 0x0001, 1); err != nil {
		t.Fatalf("SendAlarm: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.mgr.State("rtu-1"); got != StateRunning {
		t.Fatalf("diagnostic alarm changed state to %s", got)
	}

	if err := f.rtu.SendAlarm(context.Background(), fieldbus.SeverityFatal, 0x0010, 9); err != nil {
		t.Fatalf("SendAlarm: %v", err)
	}
	waitFor(t, "ERROR after fatal alarm", func() bool { return f.mgr.State("rtu-1") == StateError })

	info, _ := f.mgr.Info("rtu-1")
	if info.Cause != CauseProtocolError {
		t.Errorf("cause = %q", info.Cause)
	}
}

func TestLinkLossForcesError(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.mgr.Connect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f.rtu.Close()
	waitFor(t, "ERROR after link loss", func() bool { return f.mgr.State("rtu-1") == StateError })

	info, _ := f.mgr.Info("rtu-1")
	if info.Cause != CauseUnreachable {
		t.Errorf("cause = %q", info.Cause)
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, Config{})

	if err := f.mgr.Disconnect(context.Background(), "rtu-1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Disconnect before Connect = %v", err)
	}

	if err := f.mgr.Connect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "RTU session", f.rtu.Connected)

	if err := f.mgr.Disconnect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := f.mgr.State("rtu-1"); got != StateDisconnected {
		t.Errorf("state = %s", got)
	}
	if f.rtu.Connected() {
		t.Error("RTU did not see the release")
	}
	if f.sched.isArmed("rtu-1") {
		t.Error("schedule still armed")
	}
	if st, _ := f.reg.Get("rtu-1"); st.Locked {
		t.Error("station still locked after disconnect")
	}

	// Disconnect is idempotent and reconnecting works.
	if err := f.mgr.Disconnect(context.Background(), "rtu-1"); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
	if err := f.mgr.Connect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := f.mgr.State("rtu-1"); got != StateRunning {
		t.Errorf("state after reconnect = %s", got)
	}
}

func TestDisconnectFromError(t *testing.T) {
	f := newFixture(t, Config{ConnectTimeout: 30 * time.Millisecond})
	f.rtu.SetFaults(rtusim.Faults{DropConnect: true})

	if err := f.mgr.Connect(context.Background(), "rtu-1"); err == nil {
		t.Fatal("expected connect failure")
	}
	if err := f.mgr.Disconnect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := f.mgr.State("rtu-1"); got != StateDisconnected {
		t.Errorf("state = %s", got)
	}
}

func TestRedirect(t *testing.T) {
	f := newFixture(t, Config{})

	if got := f.mgr.Resolve("rtu-1"); got != "rtu-1" {
		t.Errorf("Resolve without redirect = %s", got)
	}

	f.mgr.Redirect("rtu-1", "rtu-1-bak")
	if got := f.mgr.Resolve("rtu-1"); got != "rtu-1-bak" {
		t.Errorf("Resolve = %s", got)
	}
	if got := f.mgr.DesiredSource("rtu-1-bak"); got != "rtu-1" {
		t.Errorf("DesiredSource = %s", got)
	}
	if got := f.mgr.DesiredSource("rtu-2"); got != "rtu-2" {
		t.Errorf("DesiredSource of unrelated station = %s", got)
	}

	f.mgr.ClearRedirect("rtu-1")
	if got := f.mgr.Resolve("rtu-1"); got != "rtu-1" {
		t.Errorf("Resolve after clear = %s", got)
	}
}
