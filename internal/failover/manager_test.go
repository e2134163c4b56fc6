package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/ar"
	"github.com/mwilco03/Water-Controller-sub004/internal/events"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap/zaptest"
)

type fakeStatus struct {
	mu        sync.Mutex
	states    map[string]ar.Status
	redirects map[string]string
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{states: make(map[string]ar.Status), redirects: make(map[string]string)}
}

func (f *fakeStatus) set(station string, state ar.State, errs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[station] = ar.Status{Station: station, State: state, ConsecutiveErrors: errs, LastActivity: time.Now()}
}

func (f *fakeStatus) Stations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.states {
		out = append(out, name)
	}
	return out
}

func (f *fakeStatus) Status(station string) (ar.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[station]
	return s, ok
}

func (f *fakeStatus) Redirect(primary, backup string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects[primary] = backup
}

func (f *fakeStatus) ClearRedirect(primary string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.redirects, primary)
}

func (f *fakeStatus) redirect(primary string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redirects[primary]
}

type fakeLoss map[string]float64

func (f fakeLoss) PacketLoss(station string) float64 { return f[station] }

type notification struct {
	primary, backup string
	inFailover      bool
}

type notifier struct {
	mu  sync.Mutex
	got []notification
}

func (n *notifier) attach(m *Manager) {
	m.OnNotify(func(primary, backup string, inFailover bool) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.got = append(n.got, notification{primary, backup, inFailover})
	})
}

func (n *notifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.got...)
}

func newManager(t *testing.T, cfg Config) (*Manager, *fakeStatus, *notifier) {
	t.Helper()
	status := newFakeStatus()
	m := NewManager(cfg, status, fakeLoss{}, nil, zaptest.NewLogger(t))
	var n notifier
	n.attach(m)
	if err := m.AddMapping("rtu-1", "rtu-1-bak"); err != nil {
		t.Fatalf("AddMapping: %v", err)
	}
	return m, status, &n
}

func TestExecuteFailoverIsIdempotent(t *testing.T) {
	m, status, n := newManager(t, Config{})
	m.ForceHealth("rtu-1-bak", true)

	for i := 0; i < 3; i++ {
		if err := m.ExecuteFailover("rtu-1"); err != nil {
			t.Fatalf("ExecuteFailover #%d: %v", i, err)
		}
	}

	mp, _ := m.Mapping("rtu-1")
	if !mp.Active || mp.LastFailover.IsZero() {
		t.Errorf("mapping = %+v", mp)
	}
	if got := n.all(); len(got) != 1 || got[0] != (notification{"rtu-1", "rtu-1-bak", true}) {
		t.Errorf("notifications = %+v", got)
	}
	if status.redirect("rtu-1") != "rtu-1-bak" {
		t.Error("connection manager not redirected")
	}
	if h, _ := m.Health("rtu-1"); !h.InFailover || h.BackupStation != "rtu-1-bak" {
		t.Errorf("health = %+v", h)
	}

	for i := 0; i < 2; i++ {
		if err := m.Restore("rtu-1"); err != nil {
			t.Fatal(err)
		}
	}
	if got := n.all(); len(got) != 2 || got[1].inFailover {
		t.Errorf("notifications after restore = %+v", got)
	}
	if status.redirect("rtu-1") != "" {
		t.Error("redirect not cleared")
	}
}

func TestFailoverRefusedWhenBackupUnhealthy(t *testing.T) {
	m, status, n := newManager(t, Config{})

	// Never observed counts as unhealthy.
	if err := m.ExecuteFailover("rtu-1"); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("ExecuteFailover = %v", err)
	}

	m.ForceHealth("rtu-1-bak", false)
	if err := m.ExecuteFailover("rtu-1"); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("ExecuteFailover = %v", err)
	}

	if mp, _ := m.Mapping("rtu-1"); mp.Active {
		t.Error("mapping activated with an unhealthy backup")
	}
	if len(n.all()) != 0 || status.redirect("rtu-1") != "" {
		t.Error("refused failover had side effects")
	}
}

func TestAutoFailoverWithinOneSweep(t *testing.T) {
	m, _, n := newManager(t, Config{Policy: PolicyAuto, SweepInterval: 20 * time.Millisecond})
	m.ForceHealth("rtu-1", false)
	m.ForceHealth("rtu-1-bak", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(5 * 20 * time.Millisecond)

	h, _ := m.Health("rtu-1")
	if !h.InFailover {
		t.Fatalf("rtu-1 health = %+v, want in failover", h)
	}
	got := n.all()
	if len(got) != 1 || got[0] != (notification{"rtu-1", "rtu-1-bak", true}) {
		t.Errorf("notifications = %+v, want exactly one", got)
	}
}

func TestAutoRestoreWhenPrimaryRecovers(t *testing.T) {
	m, status, n := newManager(t, Config{Policy: PolicyAuto})
	status.set("rtu-1", ar.StateError, 5)
	status.set("rtu-1-bak", ar.StateRunning, 0)

	m.Sweep()
	if mp, _ := m.Mapping("rtu-1"); !mp.Active {
		t.Fatal("no automatic failover")
	}

	m.Sweep()
	if len(n.all()) != 1 {
		t.Errorf("repeated sweep notified again: %+v", n.all())
	}

	status.set("rtu-1", ar.StateRunning, 0)
	m.Sweep()
	if mp, _ := m.Mapping("rtu-1"); mp.Active {
		t.Error("mapping still active after primary recovered")
	}
	if got := n.all(); len(got) != 2 || got[1] != (notification{"rtu-1", "rtu-1-bak", false}) {
		t.Errorf("notifications = %+v", got)
	}
}

func TestRejectedAutoFailoverNotRetried(t *testing.T) {
	bus := events.NewBus()
	rejected := bus.Subscribe(events.KindFailoverRejected)

	status := newFakeStatus()
	m := NewManager(Config{Policy: PolicyAuto}, status, fakeLoss{}, bus, zaptest.NewLogger(t))
	m.AddMapping("rtu-1", "rtu-1-bak")
	status.set("rtu-1", ar.StateError, 5)
	status.set("rtu-1-bak", ar.StateError, 5)

	m.Sweep()
	m.Sweep()
	m.Sweep()
	if len(rejected) != 1 {
		t.Errorf("%d rejection events, want 1", len(rejected))
	}

	// Backup recovering alone does not re-arm the attempt.
	status.set("rtu-1-bak", ar.StateRunning, 0)
	m.Sweep()
	if mp, _ := m.Mapping("rtu-1"); mp.Active {
		t.Error("rejected failover retried automatically")
	}

	// Primary recovering clears the refusal; the next outage fails over.
	status.set("rtu-1", ar.StateRunning, 0)
	m.Sweep()
	status.set("rtu-1", ar.StateError, 5)
	m.Sweep()
	if mp, _ := m.Mapping("rtu-1"); !mp.Active {
		t.Error("failover not attempted after primary recovered and failed again")
	}
}

func TestManualPolicyNeverFailsOver(t *testing.T) {
	m, status, n := newManager(t, Config{})
	status.set("rtu-1", ar.StateError, 9)
	status.set("rtu-1-bak", ar.StateRunning, 0)

	m.Sweep()
	if mp, _ := m.Mapping("rtu-1"); mp.Active || len(n.all()) != 0 {
		t.Error("MANUAL policy failed over")
	}
}

func TestHealthDerivation(t *testing.T) {
	status := newFakeStatus()
	loss := fakeLoss{"lossy": 80}
	m := NewManager(Config{FailureThreshold: 2}, status, loss, nil, zaptest.NewLogger(t))

	status.set("ok", ar.StateRunning, 0)
	status.set("erroring", ar.StateRunning, 2)
	status.set("lossy", ar.StateRunning, 0)
	status.set("down", ar.StateError, 0)
	m.Sweep()

	want := map[string]bool{"ok": true, "erroring": false, "lossy": false, "down": false}
	for _, rec := range m.HealthTable() {
		if rec.Healthy != want[rec.Station] {
			t.Errorf("%s healthy = %v", rec.Station, rec.Healthy)
		}
	}

	m.ForceHealth("down", true)
	m.Sweep()
	if !m.Healthy("down") {
		t.Error("forced health overridden by sweep")
	}
	m.ClearForcedHealth("down")
	m.Sweep()
	if m.Healthy("down") {
		t.Error("cleared force still applied")
	}
}

func TestMappingTable(t *testing.T) {
	m := NewManager(Config{MaxMappings: 2}, newFakeStatus(), nil, nil, zaptest.NewLogger(t))

	tests := []struct {
		primary, backup string
		want            error
	}{
		{"rtu-1", "rtu-1-bak", nil},
		{"rtu-1", "rtu-9", types.ErrInvalidParam},
		{"rtu-2", "rtu-2", types.ErrInvalidParam},
		{"rtu-2", "rtu-2-bak", nil},
		{"rtu-3", "rtu-3-bak", types.ErrResourceExhausted},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.primary, tt.backup), func(t *testing.T) {
			err := m.AddMapping(tt.primary, tt.backup)
			if (tt.want == nil && err != nil) || (tt.want != nil && !errors.Is(err, tt.want)) {
				t.Errorf("AddMapping = %v, want %v", err, tt.want)
			}
		})
	}

	if got := m.Mappings(); len(got) != 2 || got[0].Primary != "rtu-1" {
		t.Errorf("Mappings = %+v", got)
	}

	m.ForceHealth("rtu-1-bak", true)
	m.ExecuteFailover("rtu-1")
	if err := m.RemoveMapping("rtu-1"); err != nil {
		t.Fatal(err)
	}
	if h, _ := m.Health("rtu-1"); h.InFailover {
		t.Error("removing an active mapping left the failover in place")
	}
	if err := m.RemoveMapping("rtu-1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("second RemoveMapping = %v", err)
	}
	if err := m.SetPolicy("SOMETIMES"); !errors.Is(err, types.ErrInvalidParam) {
		t.Errorf("SetPolicy = %v", err)
	}
}
