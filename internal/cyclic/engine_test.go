package cyclic

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/ar"
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

type fakeState struct {
	mu       sync.Mutex
	outputs  map[string]map[uint16][]byte
	observed map[string][]types.SlotValue
}

func (f *fakeState) Outputs(station string) (map[uint16][]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds, ok := f.outputs[station]
	if !ok {
		return nil, false
	}
	out := make(map[uint16][]byte)
	for slot, b := range cmds {
		out[slot] = append([]byte(nil), b...)
	}
	return out, true
}

func (f *fakeState) drive(station string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputs == nil {
		f.outputs = make(map[string]map[uint16][]byte)
	}
	if f.outputs[station] == nil {
		f.outputs[station] = make(map[uint16][]byte)
	}
}

func (f *fakeState) Observe(station string, values []types.SlotValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.observed == nil {
		f.observed = make(map[string][]types.SlotValue)
	}
	f.observed[station] = values
}

func (f *fakeState) set(station string, slot uint16, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputs == nil {
		f.outputs = make(map[string]map[uint16][]byte)
	}
	if f.outputs[station] == nil {
		f.outputs[station] = make(map[uint16][]byte)
	}
	f.outputs[station][slot] = data
}

type fixture struct {
	mgr    *ar.Manager
	engine *Engine
	rtu    *rtusim.RTU
	state  *fakeState
}

func newFixture(t *testing.T, missThreshold int) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg := registry.New(0, logger)
	reg.Register(registry.Station{
		Identity:  types.DeviceIdentity{StationName: "rtu-1", Address: "rtu-1:34964"},
		Layout:    testLayout,
		CycleTime: 10 * time.Millisecond,
	})

	dialer := transport.NewPipeDialer()
	rtu := rtusim.New(rtusim.Config{StationName: "rtu-1", Layout: testLayout}, logger)
	rtu.Attach(dialer, "rtu-1:34964")

	mgr := ar.NewManager(ar.Config{
		ConnectTimeout: 200 * time.Millisecond,
		MissThreshold:  missThreshold,
	}, dialer, reg, nil, logger)

	state := &fakeState{}
	engine := NewEngine(mgr, state, logger)
	mgr.SetScheduler(engine)

	t.Cleanup(func() {
		mgr.Close(context.Background())
		engine.Close()
		rtu.Close()
	})
	return &fixture{mgr: mgr, engine: engine, rtu: rtu, state: state}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	if err := f.mgr.Connect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
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

func slotValue(values []types.SlotValue, slot uint16) types.SlotValue {
	for _, v := range values {
		if v.Slot == slot {
			return v
		}
	}
	return types.SlotValue{}
}

func TestActuatorCommandReachesOutputFrame(t *testing.T) {
	f := newFixture(t, 3)
	f.state.set("rtu-1", 9, fieldbus.EncodeActuatorCommand(types.ActuatorOn, 0))
	f.connect(t)

	want := []byte{0x01, 0x00, 0x00, 0x00}
	waitFor(t, "slot 9 ON in output frame", func() bool {
		out := f.rtu.LastOutput()
		if out == nil {
			return false
		}
		sd, ok := out.Slot(9, 1)
		return ok && bytes.Equal(sd.Data, want) && sd.IOPS == fieldbus.IOPSGood
	})

	out := f.rtu.LastOutput()
	if len(out.Slots) != 1 {
		t.Errorf("output frame carries %d slots, want only the actuator", len(out.Slots))
	}

	// The read-back reaches the input buffer and the state source.
	waitFor(t, "read-back observed", func() bool {
		f.state.mu.Lock()
		defer f.state.mu.Unlock()
		v := slotValue(f.state.observed["rtu-1"], 9)
		return v.Command == types.ActuatorOn && v.Quality == types.QualityGood
	})
}

func TestUncommandedActuatorsAreHeld(t *testing.T) {
	f := newFixture(t, 3)
	on := fieldbus.EncodeActuatorCommand(types.ActuatorOn, 0)
	f.rtu.SetOutput(9, on)
	f.state.drive("rtu-1")
	f.connect(t)

	waitFor(t, "a few output frames", func() bool { return f.rtu.CyclicFrames() >= 3 })
	sd, _ := f.rtu.LastOutput().Slot(9, 1)
	if sd.IOPS != fieldbus.IOPSBad {
		t.Errorf("slot 9 iops = %#x, want bad for an actuator without a command", sd.IOPS)
	}
	if got, _ := f.rtu.Output(9); !bytes.Equal(got, on) {
		t.Errorf("device output = % X, want it left ON", got)
	}
}

func TestOutputsHeldWithoutDesiredState(t *testing.T) {
	f := newFixture(t, 3)
	f.rtu.SetOutput(9, fieldbus.EncodeActuatorCommand(types.ActuatorOn, 0))
	f.connect(t)

	waitFor(t, "first output frame", func() bool { return f.rtu.LastOutput() != nil })
	sd, _ := f.rtu.LastOutput().Slot(9, 1)
	if sd.IOPS != fieldbus.IOPSBad {
		t.Errorf("slot 9 iops = %v, want bad while holding", sd.IOPS)
	}

	waitFor(t, "device state read back", func() bool {
		f.state.mu.Lock()
		defer f.state.mu.Unlock()
		return slotValue(f.state.observed["rtu-1"], 9).Command == types.ActuatorOn
	})
}

func TestSensorValuesAreQualityTagged(t *testing.T) {
	f := newFixture(t, 3)
	f.rtu.SetSensor(1, 7.5, types.QualityUncertain)
	f.connect(t)

	waitFor(t, "sensor value", func() bool {
		values, ok := f.engine.Snapshot("rtu-1")
		if !ok {
			return false
		}
		v := slotValue(values, 1)
		return v.Value == 7.5 && v.Quality == types.QualityUncertain
	})

	values, _ := f.engine.Snapshot("rtu-1")
	values[0].Value = 99
	again, _ := f.engine.Snapshot("rtu-1")
	if slotValue(again, 1).Value != 7.5 {
		t.Error("Snapshot exposed the live buffer")
	}
}

func TestMissedInputMarksEverySlotBad(t *testing.T) {
	f := newFixture(t, 1000)
	f.rtu.SetSensor(1, 3.25, types.QualityGood)
	f.connect(t)

	waitFor(t, "good input", func() bool {
		values, _ := f.engine.Snapshot("rtu-1")
		return slotValue(values, 1).Quality == types.QualityGood
	})

	f.rtu.SetFaults(rtusim.Faults{MuteCyclic: true})
	waitFor(t, "bad quality", func() bool {
		values, _ := f.engine.Snapshot("rtu-1")
		for _, v := range values {
			if v.Quality != types.QualityBad {
				return false
			}
		}
		return true
	})

	values, _ := f.engine.Snapshot("rtu-1")
	for _, v := range values {
		if v.Value != 0 || v.Raw != nil {
			t.Errorf("slot %d kept a stale value: %+v", v.Slot, v)
		}
	}

	st, ok := f.engine.Stats("rtu-1")
	if !ok || st.Misses == 0 || st.PacketLossPercent == 0 {
		t.Errorf("stats = %+v", st)
	}
	if got := f.mgr.State("rtu-1"); got != ar.StateRunning {
		t.Errorf("state = %s, misses below the threshold must not stop the AR", got)
	}
}

func TestCorruptInputIsDropped(t *testing.T) {
	f := newFixture(t, 1000)
	f.connect(t)

	f.rtu.SetFaults(rtusim.Faults{CorruptCyclic: true})
	waitFor(t, "malformed frames counted", func() bool {
		st, _ := f.engine.Stats("rtu-1")
		return st.Malformed > 0
	})

	values, _ := f.engine.Snapshot("rtu-1")
	for _, v := range values {
		if v.Quality != types.QualityBad {
			t.Errorf("slot %d quality %s after corrupt input", v.Slot, v.Quality)
		}
	}
}

func TestConsecutiveMissesStopSchedule(t *testing.T) {
	f := newFixture(t, 3)
	f.connect(t)

	f.rtu.SetFaults(rtusim.Faults{MuteCyclic: true})
	waitFor(t, "AR error", func() bool { return f.mgr.State("rtu-1") == ar.StateError })

	waitFor(t, "schedule removed", func() bool { return len(f.engine.Armed()) == 0 })

	values, ok := f.engine.Snapshot("rtu-1")
	if !ok {
		t.Fatal("buffer dropped")
	}
	for _, v := range values {
		if v.Quality != types.QualityNotConnected {
			t.Errorf("slot %d quality %s, want NOT_CONNECTED", v.Slot, v.Quality)
		}
	}
}

func TestDisarmOnDisconnect(t *testing.T) {
	f := newFixture(t, 3)
	f.connect(t)
	waitFor(t, "cycles", func() bool { return f.rtu.CyclicFrames() > 2 })

	if err := f.mgr.Disconnect(context.Background(), "rtu-1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if len(f.engine.Armed()) != 0 {
		t.Error("schedule still armed")
	}

	frames := f.rtu.CyclicFrames()
	time.Sleep(50 * time.Millisecond)
	if f.rtu.CyclicFrames() != frames {
		t.Error("frames still sent after disarm")
	}

	values, _ := f.engine.Snapshot("rtu-1")
	for _, v := range values {
		if v.Quality != types.QualityNotConnected {
			t.Errorf("slot %d quality %s", v.Slot, v.Quality)
		}
	}
}

func TestSnapshotFollowsRedirect(t *testing.T) {
	f := newFixture(t, 3)
	f.rtu.SetSensor(1, 1.5, types.QualityGood)
	f.connect(t)

	waitFor(t, "input", func() bool {
		values, _ := f.engine.Snapshot("rtu-1")
		return slotValue(values, 1).Quality == types.QualityGood
	})

	if _, ok := f.engine.Snapshot("rtu-2"); ok {
		t.Fatal("unknown station has a snapshot")
	}
	f.mgr.Redirect("rtu-2", "rtu-1")
	values, ok := f.engine.Snapshot("rtu-2")
	if !ok || slotValue(values, 1).Value != 1.5 {
		t.Errorf("redirected snapshot = %v, %v", values, ok)
	}
}

func TestArmRejectsBadPeriod(t *testing.T) {
	f := newFixture(t, 3)
	if err := f.engine.Arm("rtu-1", nil, testLayout, 0); err == nil {
		t.Error("zero period accepted")
	}
}
