package rpc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/ar"
	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/reconcile"
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

type fixture struct {
	mgr    *ar.Manager
	rtu    *rtusim.RTU
	engine *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg := registry.New(0, logger)
	reg.Register(registry.Station{
		Identity:  types.DeviceIdentity{StationName: "rtu-1", Address: "rtu-1:34964"},
		Layout:    testLayout,
		CycleTime: 50 * time.Millisecond,
	})

	dialer := transport.NewPipeDialer()
	rtu := rtusim.New(rtusim.Config{StationName: "rtu-1", Layout: testLayout}, logger)
	rtu.Attach(dialer, "rtu-1:34964")

	mgr := ar.NewManager(ar.Config{ConnectTimeout: 200 * time.Millisecond}, dialer, reg, nil, logger)
	t.Cleanup(func() {
		mgr.Close(context.Background())
		rtu.Close()
	})

	if err := mgr.Connect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	return &fixture{mgr: mgr, rtu: rtu, engine: NewEngine(cfg, mgr, logger)}
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

var paramAddr = SlotAddress(1, 0x2000)

func TestWriteThenRead(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.engine.Write(ctx, "rtu-1", paramAddr, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got, _ := f.rtu.Record(paramAddr); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("device record = % X", got)
	}

	got, err := f.engine.Read(ctx, "rtu-1", paramAddr, Expect{Min: 4, Max: 4})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("Read = % X", got)
	}

	if p, err := f.engine.ReadParameter(ctx, "rtu-1", paramAddr); err != nil || len(p) != 4 {
		t.Errorf("ReadParameter = % X, %v", p, err)
	}
}

func TestReadErrors(t *testing.T) {
	f := newFixture(t, Config{Retries: 0})
	ctx := context.Background()
	f.rtu.SetRecord(paramAddr, []byte{1, 2, 3})

	tests := []struct {
		name    string
		station string
		addr    fieldbus.Address
		expect  Expect
		want    error
	}{
		{"missing record", "rtu-1", SlotAddress(1, 0x7777), Expect{Max: 8}, types.ErrNotFound},
		{"too short", "rtu-1", paramAddr, Expect{Min: 4, Max: 8}, types.ErrMalformedFrame},
		{"bad bounds", "rtu-1", paramAddr, Expect{Min: 8, Max: 4}, types.ErrInvalidParam},
		{"not connected", "rtu-9", paramAddr, Expect{Max: 8}, types.ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Read(ctx, tt.station, tt.addr, tt.expect); !errors.Is(err, tt.want) {
				t.Errorf("Read = %v, want %v", err, tt.want)
			}
		})
	}

	if err := f.engine.Write(ctx, "rtu-1", paramAddr, make([]byte, MaxRecordLen+1)); !errors.Is(err, types.ErrInvalidParam) {
		t.Errorf("oversized write = %v", err)
	}
}

func TestDeviceRejection(t *testing.T) {
	f := newFixture(t, Config{Retries: 2})
	f.rtu.SetFaults(rtusim.Faults{RecordStatus: fieldbus.StatusRejected})

	if err := f.engine.Write(context.Background(), "rtu-1", paramAddr, []byte{1}); !errors.Is(err, types.ErrRejected) {
		t.Errorf("Write = %v", err)
	}
	if got := f.mgr.State("rtu-1"); got != ar.StateRunning {
		t.Errorf("state = %s after a rejected record", got)
	}
}

func TestSecondRequestIsBusy(t *testing.T) {
	f := newFixture(t, Config{Timeout: time.Second})
	f.rtu.SetFaults(rtusim.Faults{RecordDelay: 300 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		done <- f.engine.Write(context.Background(), "rtu-1", paramAddr, []byte{1})
	}()
	waitFor(t, "request in flight", func() bool { return f.engine.Busy("rtu-1") })

	if _, err := f.engine.Read(context.Background(), "rtu-1", paramAddr, Expect{Max: 8}); !errors.Is(err, types.ErrBusy) {
		t.Errorf("concurrent Read = %v, want busy", err)
	}
	if err := <-done; err != nil {
		t.Errorf("first request: %v", err)
	}
	if f.engine.Busy("rtu-1") {
		t.Error("still busy after completion")
	}
}

func TestTimeoutIsRetried(t *testing.T) {
	f := newFixture(t, Config{Timeout: 50 * time.Millisecond, Retries: 2})
	f.rtu.SetFaults(rtusim.Faults{DropRecords: 2})

	if err := f.engine.Write(context.Background(), "rtu-1", paramAddr, []byte{7}); err != nil {
		t.Fatalf("Write after two drops: %v", err)
	}
	if got, _ := f.rtu.Record(paramAddr); !bytes.Equal(got, []byte{7}) {
		t.Errorf("device record = % X", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, Config{Timeout: 30 * time.Millisecond, Retries: 1})
	f.rtu.SetFaults(rtusim.Faults{DropRecords: 10})

	_, err := f.engine.Read(context.Background(), "rtu-1", paramAddr, Expect{Max: 8})
	if !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("Read = %v, want timeout", err)
	}
	if got := f.mgr.State("rtu-1"); got != ar.StateRunning {
		t.Errorf("state = %s, timeouts must not touch the AR", got)
	}
}

func TestDeviceLossFailsRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.rtu.Close()

	waitFor(t, "AR error", func() bool { return f.mgr.State("rtu-1") == ar.StateError })
	if err := f.engine.Write(context.Background(), "rtu-1", paramAddr, []byte{1}); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Write = %v", err)
	}
}

func TestRequestsFollowRedirect(t *testing.T) {
	f := newFixture(t, Config{})
	f.mgr.Redirect("rtu-0", "rtu-1")

	if err := f.engine.Write(context.Background(), "rtu-0", paramAddr, []byte{9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got, _ := f.rtu.Record(paramAddr); !bytes.Equal(got, []byte{9}) {
		t.Errorf("redirected write landed as % X", got)
	}
}

func TestConfigPush(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	err := f.engine.PushDeviceConfig(ctx, "rtu-1", DeviceConfig{StationName: "rtu-1", CycleTime: 50 * time.Millisecond, WatchdogFactor: 3, FailSafeOff: true})
	if err != nil {
		t.Fatalf("PushDeviceConfig: %v", err)
	}
	rec, ok := f.rtu.Record(DeviceAddress(IndexDeviceConfig))
	if !ok || rec[0] != 5 || string(rec[1:6]) != "rtu-1" || rec[len(rec)-1] != 0x01 {
		t.Errorf("device config record = % X", rec)
	}

	if err := f.engine.PushSensorConfig(ctx, "rtu-1", SensorConfig{Slot: 1, Unit: "pH", ScaleMin: 0, ScaleMax: 14}); err != nil {
		t.Fatalf("PushSensorConfig: %v", err)
	}
	if rec, ok := f.rtu.Record(SlotAddress(1, IndexSensorConfig)); !ok || len(rec) != 2+16+1+2 {
		t.Errorf("sensor config record = % X", rec)
	}

	if err := f.engine.PushActuatorConfig(ctx, "rtu-1", ActuatorConfig{Slot: 9, FailSafe: types.ActuatorOff, MaxDuty: 80}); err != nil {
		t.Fatalf("PushActuatorConfig: %v", err)
	}
	if _, ok := f.rtu.Record(SlotAddress(9, IndexActuatorConfig)); !ok {
		t.Error("actuator config not written")
	}

	if err := f.engine.PushSensorConfig(ctx, "rtu-1", SensorConfig{Slot: 1, ScaleMin: 5, ScaleMax: 5}); !errors.Is(err, types.ErrInvalidParam) {
		t.Errorf("empty scale = %v", err)
	}
}

func TestLoopsRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	loops := []reconcile.PIDLoop{
		{LoopID: 1, Mode: reconcile.PIDAuto, Setpoint: 7.2},
		{LoopID: 2, Mode: reconcile.PIDManual, Setpoint: -1},
	}

	if err := f.engine.WriteLoops(ctx, "rtu-1", loops); err != nil {
		t.Fatalf("WriteLoops: %v", err)
	}
	got, err := f.engine.ReadLoops(ctx, "rtu-1")
	if err != nil {
		t.Fatalf("ReadLoops: %v", err)
	}
	if len(got) != 2 || got[0] != loops[0] || got[1] != loops[1] {
		t.Errorf("ReadLoops = %+v", got)
	}
}
