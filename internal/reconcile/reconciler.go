package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/events"
	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultMaxStations      = 64
	DefaultSnapshotInterval = 10 * time.Second

	setpointTolerance = 1e-6
)

type Config struct {
	MaxStations      int
	SnapshotInterval time.Duration
}

// LoopWriter pushes PID directives to a device over the acyclic channel.
type LoopWriter interface {
	WriteLoops(ctx context.Context, station string, loops []PIDLoop) error
}

type ActualActuator struct {
	Slot    uint16                `json:"slot"`
	Command types.ActuatorCommand `json:"command"`
	Duty    uint8                 `json:"duty"`
}

// ActualState is what a device reports. A nil Loops slice means the report
// carries no loop information and loops are not compared.
type ActualState struct {
	Actuators []ActualActuator `json:"actuators"`
	Loops     []PIDLoop        `json:"loops,omitempty"`
}

type ItemKind string

const (
	ItemActuator ItemKind = "actuator"
	ItemLoop     ItemKind = "loop"
)

// Conflict is one item whose reported state differs from the desired state.
// A nil actual means the device did not report the item.
type Conflict struct {
	Station         string          `json:"station"`
	Kind            ItemKind        `json:"kind"`
	ID              uint16          `json:"id"`
	Sequence        uint32          `json:"sequence"`
	DesiredActuator *ActuatorEntry  `json:"desired_actuator,omitempty"`
	ActualActuator  *ActualActuator `json:"actual_actuator,omitempty"`
	DesiredLoop     *PIDLoop        `json:"desired_loop,omitempty"`
	ActualLoop      *PIDLoop        `json:"actual_loop,omitempty"`
}

type Result struct {
	Station      string     `json:"station"`
	Sequence     uint32     `json:"sequence"`
	Synced       int        `json:"synced"`
	Conflicts    []Conflict `json:"conflicts"`
	Bootstrapped bool       `json:"bootstrapped"`
	CheckedAt    time.Time  `json:"checked_at"`
}

func (r Result) InSync() bool { return len(r.Conflicts) == 0 }

// SyncComplete is the payload of a sync_complete event.
type SyncComplete struct {
	Station  string `json:"station"`
	Sequence uint32 `json:"sequence"`
}

type itemKey struct {
	kind ItemKind
	id   uint16
}

type entry struct {
	state DesiredState
	dirty bool

	// reported maps a conflicting item to the sequence it was reported at.
	reported  map[itemKey]uint32
	inSync    bool
	syncedSeq uint32
}

// Reconciler owns the desired-state table.
type Reconciler struct {
	cfg    Config
	store  Store
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	pending map[string]bool // awaiting bootstrap from the device

	obsMu      sync.RWMutex
	onConflict []func(Conflict)
	onSync     []func(SyncComplete)
	loops      LoopWriter
}

func New(cfg Config, store Store, bus *events.Bus, logger *zap.Logger) *Reconciler {
	if cfg.MaxStations <= 0 {
		cfg.MaxStations = DefaultMaxStations
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		logger:  logger,
		entries: make(map[string]*entry),
		pending: make(map[string]bool),
	}
}

// OnConflict registers a listener for newly detected conflicts.
func (r *Reconciler) OnConflict(fn func(Conflict)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.onConflict = append(r.onConflict, fn)
}

// OnSyncComplete registers a listener fired when a station converges.
func (r *Reconciler) OnSyncComplete(fn func(SyncComplete)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.onSync = append(r.onSync, fn)
}

func (r *Reconciler) SetLoopWriter(w LoopWriter) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.loops = w
}

// mutate applies fn to a copy of the station record and commits it with a
// new sequence number and checksum. The record is created on first use.
func (r *Reconciler) mutate(station string, fn func(*DesiredState) error) (DesiredState, error) {
	if err := types.ValidateStationName(station); err != nil {
		return DesiredState{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[station]
	if !ok {
		if len(r.entries) >= r.cfg.MaxStations {
			return DesiredState{}, fmt.Errorf("%w: desired-state table holds %d stations", types.ErrResourceExhausted, r.cfg.MaxStations)
		}
		e = &entry{state: DesiredState{Station: station}}
	}

	next := e.state.clone()
	if err := fn(&next); err != nil {
		return DesiredState{}, err
	}
	next.Sequence++
	next.Timestamp = time.Now()
	next.seal()

	e.state = next
	e.dirty = true
	r.entries[station] = e
	return next.clone(), nil
}

// SetActuator records the desired command of one actuator slot.
func (r *Reconciler) SetActuator(station string, slot uint16, cmd types.ActuatorCommand, duty uint8, epoch uint32) error {
	if !cmd.Valid() {
		return fmt.Errorf("%w: actuator command %d", types.ErrInvalidParam, cmd)
	}
	if duty > 100 {
		return fmt.Errorf("%w: duty %d%%", types.ErrInvalidParam, duty)
	}

	d, err := r.mutate(station, func(d *DesiredState) error {
		for i := range d.Actuators {
			if d.Actuators[i].Slot == slot {
				d.Actuators[i] = ActuatorEntry{Slot: slot, Command: cmd, Duty: duty, Epoch: epoch}
				return nil
			}
		}
		if len(d.Actuators) >= MaxActuators {
			return fmt.Errorf("%w: %s has %d actuators", types.ErrResourceExhausted, station, MaxActuators)
		}
		d.Actuators = append(d.Actuators, ActuatorEntry{Slot: slot, Command: cmd, Duty: duty, Epoch: epoch})
		sort.Slice(d.Actuators, func(i, j int) bool { return d.Actuators[i].Slot < d.Actuators[j].Slot })
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("Actuator set",
		zap.String("station", station),
		zap.Uint16("slot", slot),
		zap.Stringer("command", cmd),
		zap.Uint8("duty", duty),
		zap.Uint32("sequence", d.Sequence))
	return nil
}

// SetPIDLoop records the desired mode and setpoint of one loop.
func (r *Reconciler) SetPIDLoop(station string, loopID uint16, mode PIDMode, setpoint float64) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: PID mode %d", types.ErrInvalidParam, mode)
	}
	if math.IsNaN(setpoint) || math.IsInf(setpoint, 0) {
		return fmt.Errorf("%w: setpoint %v", types.ErrInvalidParam, setpoint)
	}

	_, err := r.mutate(station, func(d *DesiredState) error {
		for i := range d.Loops {
			if d.Loops[i].LoopID == loopID {
				d.Loops[i] = PIDLoop{LoopID: loopID, Mode: mode, Setpoint: setpoint}
				return nil
			}
		}
		if len(d.Loops) >= MaxLoops {
			return fmt.Errorf("%w: %s has %d loops", types.ErrResourceExhausted, station, MaxLoops)
		}
		d.Loops = append(d.Loops, PIDLoop{LoopID: loopID, Mode: mode, Setpoint: setpoint})
		sort.Slice(d.Loops, func(i, j int) bool { return d.Loops[i].LoopID < d.Loops[j].LoopID })
		return nil
	})
	return err
}

// Desired returns a copy of the station record.
func (r *Reconciler) Desired(station string) (DesiredState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[station]
	if !ok {
		return DesiredState{}, fmt.Errorf("%w: no desired state for %s", types.ErrNotFound, station)
	}
	return e.state.clone(), nil
}

func (r *Reconciler) Stations() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

// Outputs returns the encoded actuator payloads for a station. It reports
// false while the station has no desired state, in which case outputs must
// be held rather than driven.
func (r *Reconciler) Outputs(station string) (map[uint16][]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[station]
	if !ok {
		return nil, false
	}
	out := make(map[uint16][]byte, len(e.state.Actuators))
	for _, a := range e.state.Actuators {
		out[a.Slot] = fieldbus.EncodeActuatorCommand(a.Command, a.Duty)
	}
	return out, true
}

// Observe reconciles the actuator read-backs of one cycle. A station awaiting
// bootstrap is only bootstrapped from a cycle in which every actuator read
// back GOOD.
func (r *Reconciler) Observe(station string, values []types.SlotValue) {
	var (
		actual   ActualState
		complete = true
	)
	for _, v := range values {
		if v.Kind != types.SlotKindActuator {
			continue
		}
		if v.Quality != types.QualityGood {
			complete = false
			continue
		}
		actual.Actuators = append(actual.Actuators, ActualActuator{Slot: v.Slot, Command: v.Command, Duty: v.Duty})
	}

	if !complete && r.awaitingBootstrap(station) {
		r.logger.Debug("Bootstrap deferred, incomplete read-back", zap.String("station", station))
		return
	}

	if _, err := r.Reconcile(station, actual); err != nil && !errors.Is(err, types.ErrNotFound) {
		r.logger.Warn("Reconciliation failed", zap.String("station", station), zap.Error(err))
	}
}

// Reconcile compares desired and actual state item by item. Conflicts are
// reported to listeners once per item and desired sequence; they are never
// resolved here.
func (r *Reconciler) Reconcile(station string, actual ActualState) (Result, error) {
	r.mu.Lock()
	e, ok := r.entries[station]
	if !ok {
		pending := r.pending[station]
		r.mu.Unlock()
		if !pending {
			return Result{}, fmt.Errorf("%w: no desired state for %s", types.ErrNotFound, station)
		}
		if err := r.AcceptRTUState(station, actual); err != nil {
			return Result{}, err
		}
		d, _ := r.Desired(station)
		return Result{
			Station:      station,
			Sequence:     d.Sequence,
			Synced:       len(d.Actuators) + len(d.Loops),
			Bootstrapped: true,
			CheckedAt:    time.Now(),
		}, nil
	}

	res := compare(&e.state, actual)

	var fresh []Conflict
	current := make(map[itemKey]bool, len(res.Conflicts))
	if e.reported == nil {
		e.reported = make(map[itemKey]uint32)
	}
	for _, c := range res.Conflicts {
		key := itemKey{c.Kind, c.ID}
		current[key] = true
		if seq, seen := e.reported[key]; !seen || seq != c.Sequence {
			e.reported[key] = c.Sequence
			fresh = append(fresh, c)
		}
	}
	for key := range e.reported {
		if !current[key] {
			delete(e.reported, key)
		}
	}

	var synced *SyncComplete
	if res.InSync() {
		if !e.inSync || e.syncedSeq != res.Sequence {
			synced = &SyncComplete{Station: station, Sequence: res.Sequence}
		}
		e.inSync = true
		e.syncedSeq = res.Sequence
	} else {
		e.inSync = false
	}
	r.mu.Unlock()

	for _, c := range fresh {
		r.logger.Warn("Desired state conflict",
			zap.String("station", station),
			zap.String("kind", string(c.Kind)),
			zap.Uint16("id", c.ID),
			zap.Uint32("sequence", c.Sequence))
		r.notifyConflict(c)
	}
	if synced != nil {
		r.logger.Info("Station in sync",
			zap.String("station", station),
			zap.Uint32("sequence", synced.Sequence))
		r.notifySync(*synced)
	}
	return res, nil
}

func compare(d *DesiredState, actual ActualState) Result {
	res := Result{Station: d.Station, Sequence: d.Sequence, CheckedAt: time.Now()}

	reported := make(map[uint16]ActualActuator, len(actual.Actuators))
	for _, a := range actual.Actuators {
		reported[a.Slot] = a
	}
	for _, want := range d.Actuators {
		got, ok := reported[want.Slot]
		if ok && actuatorMatches(want, got) {
			res.Synced++
			continue
		}
		want := want
		c := Conflict{Station: d.Station, Kind: ItemActuator, ID: want.Slot, Sequence: d.Sequence, DesiredActuator: &want}
		if ok {
			c.ActualActuator = &got
		}
		res.Conflicts = append(res.Conflicts, c)
	}

	if actual.Loops == nil {
		return res
	}
	loops := make(map[uint16]PIDLoop, len(actual.Loops))
	for _, l := range actual.Loops {
		loops[l.LoopID] = l
	}
	for _, want := range d.Loops {
		got, ok := loops[want.LoopID]
		if ok && got.Mode == want.Mode && math.Abs(got.Setpoint-want.Setpoint) <= setpointTolerance {
			res.Synced++
			continue
		}
		want := want
		c := Conflict{Station: d.Station, Kind: ItemLoop, ID: want.LoopID, Sequence: d.Sequence, DesiredLoop: &want}
		if ok {
			c.ActualLoop = &got
		}
		res.Conflicts = append(res.Conflicts, c)
	}
	return res
}

func actuatorMatches(want ActuatorEntry, got ActualActuator) bool {
	if want.Command != got.Command {
		return false
	}
	return want.Command != types.ActuatorPWM || want.Duty == got.Duty
}

// AcceptRTUState replaces the desired state with what the device reports.
// Loops are only replaced when the report carries them.
func (r *Reconciler) AcceptRTUState(station string, actual ActualState) error {
	if len(actual.Actuators) > MaxActuators || len(actual.Loops) > MaxLoops {
		return fmt.Errorf("%w: reported state exceeds table capacity", types.ErrResourceExhausted)
	}

	d, err := r.mutate(station, func(d *DesiredState) error {
		d.Actuators = d.Actuators[:0]
		for _, a := range actual.Actuators {
			if !a.Command.Valid() {
				return fmt.Errorf("%w: reported command %d on slot %d", types.ErrInvalidParam, a.Command, a.Slot)
			}
			d.Actuators = append(d.Actuators, ActuatorEntry{Slot: a.Slot, Command: a.Command, Duty: a.Duty})
		}
		sort.Slice(d.Actuators, func(i, j int) bool { return d.Actuators[i].Slot < d.Actuators[j].Slot })
		if actual.Loops != nil {
			d.Loops = append(d.Loops[:0], actual.Loops...)
			sort.Slice(d.Loops, func(i, j int) bool { return d.Loops[i].LoopID < d.Loops[j].LoopID })
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.pending, station)
	if e, ok := r.entries[station]; ok {
		e.reported = nil
		e.inSync = true
		e.syncedSeq = d.Sequence
	}
	r.mu.Unlock()

	r.logger.Info("Desired state accepted from device",
		zap.String("station", station),
		zap.Int("actuators", len(d.Actuators)),
		zap.Uint32("sequence", d.Sequence))
	r.notifySync(SyncComplete{Station: station, Sequence: d.Sequence})
	return nil
}

// ForceSync re-announces the desired state of a station: conflict memory is
// reset, loop directives are pushed again and the record is queued for the
// next snapshot.
func (r *Reconciler) ForceSync(ctx context.Context, station string) error {
	r.mu.Lock()
	e, ok := r.entries[station]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: no desired state for %s", types.ErrNotFound, station)
	}
	e.reported = nil
	e.inSync = false
	e.dirty = true
	loops := append([]PIDLoop(nil), e.state.Loops...)
	r.mu.Unlock()

	r.obsMu.RLock()
	w := r.loops
	r.obsMu.RUnlock()

	r.logger.Info("Forcing sync", zap.String("station", station), zap.Int("loops", len(loops)))

	if w != nil && len(loops) > 0 {
		if err := w.WriteLoops(ctx, station, loops); err != nil {
			return fmt.Errorf("push loops to %s: %w", station, err)
		}
	}
	return nil
}

func (r *Reconciler) awaitingBootstrap(station string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[station]
	return !ok && r.pending[station]
}

// HandleConnected prepares reconciliation for a freshly connected station.
// Without a desired record the station is bootstrapped from its first report.
func (r *Reconciler) HandleConnected(station string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[station]; ok {
		e.reported = nil
		e.inSync = false
		return
	}
	r.pending[station] = true
	r.logger.Info("Awaiting device state for bootstrap", zap.String("station", station))
}

// Clear removes the desired state of a station, including its snapshot.
func (r *Reconciler) Clear(ctx context.Context, station string) error {
	r.mu.Lock()
	_, ok := r.entries[station]
	delete(r.entries, station)
	delete(r.pending, station)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no desired state for %s", types.ErrNotFound, station)
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, station); err != nil {
			return err
		}
	}
	r.logger.Info("Desired state cleared", zap.String("station", station))
	return nil
}

// Snapshot persists the record of one station.
func (r *Reconciler) Snapshot(ctx context.Context, station string) error {
	if r.store == nil {
		return fmt.Errorf("%w: no persistence backend", types.ErrInvalidState)
	}

	r.mu.Lock()
	e, ok := r.entries[station]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: no desired state for %s", types.ErrNotFound, station)
	}
	data, err := e.state.MarshalBinary()
	seq := e.state.Sequence
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := r.store.Save(ctx, station, data); err != nil {
		r.logger.Warn("Snapshot failed, retrying next interval",
			zap.String("station", station),
			zap.Error(err))
		return err
	}

	r.mu.Lock()
	if cur, ok := r.entries[station]; ok && cur == e && e.state.Sequence == seq {
		e.dirty = false
	}
	r.mu.Unlock()

	r.logger.Debug("Snapshot written", zap.String("station", station), zap.Uint32("sequence", seq))
	return nil
}

// SnapshotAll persists every dirty record.
func (r *Reconciler) SnapshotAll(ctx context.Context) error {
	r.mu.Lock()
	var dirty []string
	for name, e := range r.entries {
		if e.dirty {
			dirty = append(dirty, name)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, name := range dirty {
		if err := r.Snapshot(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dirty reports how many records have unpersisted changes.
func (r *Reconciler) Dirty() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.dirty {
			n++
		}
	}
	return n
}

// Restore loads the persisted record of a station. A record failing
// validation is discarded and reported as not found.
func (r *Reconciler) Restore(ctx context.Context, station string) (DesiredState, error) {
	if r.store == nil {
		return DesiredState{}, fmt.Errorf("%w: no persistence backend", types.ErrNotFound)
	}

	data, err := r.store.Load(ctx, station)
	if err != nil {
		return DesiredState{}, err
	}

	var d DesiredState
	if err := d.UnmarshalBinary(data); err != nil {
		r.logger.Warn("Discarding invalid desired-state record",
			zap.String("station", station),
			zap.Error(err))
		return DesiredState{}, fmt.Errorf("%w: %w", types.ErrNotFound, err)
	}
	if d.Station != station {
		r.logger.Warn("Discarding desired-state record of another station",
			zap.String("station", station),
			zap.String("record", d.Station))
		return DesiredState{}, fmt.Errorf("%w: record belongs to %s", types.ErrNotFound, d.Station)
	}

	r.mu.Lock()
	if _, ok := r.entries[station]; !ok && len(r.entries) >= r.cfg.MaxStations {
		r.mu.Unlock()
		return DesiredState{}, fmt.Errorf("%w: desired-state table holds %d stations", types.ErrResourceExhausted, r.cfg.MaxStations)
	}
	r.entries[station] = &entry{state: d}
	delete(r.pending, station)
	r.mu.Unlock()

	r.logger.Info("Desired state restored",
		zap.String("station", station),
		zap.Uint32("sequence", d.Sequence),
		zap.Int("actuators", len(d.Actuators)),
		zap.Int("loops", len(d.Loops)))
	return d.clone(), nil
}

// RestoreAll restores every record in the store and returns how many were
// loaded. Invalid records are skipped.
func (r *Reconciler) RestoreAll(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	names, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, name := range names {
		if _, err := r.Restore(ctx, name); err != nil {
			continue
		}
		n++
	}
	return n, nil
}

// Run flushes dirty records every snapshot interval and handles connected
// events until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SnapshotInterval)
	defer ticker.Stop()

	var connected <-chan events.Event
	if r.bus != nil {
		ch := r.bus.Subscribe(events.KindConnected)
		defer r.bus.Unsubscribe(ch)
		connected = ch
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-connected:
			if !ok {
				connected = nil
				continue
			}
			r.HandleConnected(ev.Station)
		case <-ticker.C:
			if r.store != nil {
				r.SnapshotAll(ctx)
			}
		}
	}
}

// Close drains every dirty record to the store.
func (r *Reconciler) Close(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	err := r.SnapshotAll(ctx)
	if err != nil {
		r.logger.Error("Failed to drain desired state", zap.Error(err))
	} else {
		r.logger.Info("Desired state drained")
	}
	return err
}

func (r *Reconciler) notifyConflict(c Conflict) {
	r.obsMu.RLock()
	listeners := slices.Clone(r.onConflict)
	r.obsMu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
	if r.bus != nil {
		r.bus.Publish(events.New(events.KindConflict, c.Station, c))
	}
}

func (r *Reconciler) notifySync(s SyncComplete) {
	r.obsMu.RLock()
	listeners := slices.Clone(r.onSync)
	r.obsMu.RUnlock()

	for _, fn := range listeners {
		fn(s)
	}
	if r.bus != nil {
		r.bus.Publish(events.New(events.KindSyncComplete, s.Station, s))
	}
}
