package cyclic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/ar"
	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

const lossWindow = 100

// Reporter receives the outcome of every cycle. ar.Manager implements it.
type Reporter interface {
	CycleOK(station string)
	CycleMissed(station string) bool
	Resolve(station string) string
	DesiredSource(station string) string
}

// StateSource supplies the outputs to send and consumes the decoded inputs.
// Outputs reports false when the station has no desired state yet; the
// device then keeps its own outputs.
type StateSource interface {
	Outputs(station string) (map[uint16][]byte, bool)
	Observe(station string, values []types.SlotValue)
}

// Stats are the counters of one schedule.
type Stats struct {
	Cycles            uint64        `json:"cycles"`
	Misses            uint64        `json:"misses"`
	Overruns          uint64        `json:"overruns"`
	Malformed         uint64        `json:"malformed"`
	MaxJitter         time.Duration `json:"max_jitter"`
	LastCycle         time.Duration `json:"last_cycle"`
	PacketLossPercent float64       `json:"packet_loss_percent"`
}

type schedule struct {
	station string
	link    *ar.Link
	layout  []types.ModuleSlot
	period  time.Duration
	buffer  *Buffer
	cancel  context.CancelFunc

	counter uint16

	mu      sync.Mutex
	stats   Stats
	window  [lossWindow]bool
	windowN int
	windowI int
}

func (s *schedule) record(missed bool, took, jitter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Cycles++
	if missed {
		s.stats.Misses++
	}
	if took > s.period {
		s.stats.Overruns++
	}
	if jitter > s.stats.MaxJitter {
		s.stats.MaxJitter = jitter
	}
	s.stats.LastCycle = took
	s.stats.Malformed = s.link.Malformed()

	s.window[s.windowI] = missed
	s.windowI = (s.windowI + 1) % lossWindow
	if s.windowN < lossWindow {
		s.windowN++
	}
	lost := 0
	for i := 0; i < s.windowN; i++ {
		if s.window[i] {
			lost++
		}
	}
	s.stats.PacketLossPercent = float64(lost) * 100 / float64(s.windowN)
}

// Engine runs one cyclic schedule per RUNNING AR.
type Engine struct {
	reporter Reporter
	state    StateSource
	logger   *zap.Logger

	mu        sync.Mutex
	schedules map[string]*schedule
	buffers   map[string]*Buffer
	closed    bool
	wg        sync.WaitGroup
}

var _ ar.Scheduler = (*Engine)(nil)

func NewEngine(reporter Reporter, state StateSource, logger *zap.Logger) *Engine {
	return &Engine{
		reporter:  reporter,
		state:     state,
		logger:    logger,
		schedules: make(map[string]*schedule),
		buffers:   make(map[string]*Buffer),
	}
}

// Arm startet den Zyklus für eine Station
func (e *Engine) Arm(station string, link *ar.Link, layout []types.ModuleSlot, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("%w: cycle period %s", types.ErrInvalidParam, period)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("%w: cyclic engine closed", types.ErrInvalidState)
	}
	if old, ok := e.schedules[station]; ok {
		old.cancel()
		old.buffer.Detach()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &schedule{
		station: station,
		link:    link,
		layout:  append([]types.ModuleSlot(nil), layout...),
		period:  period,
		buffer:  NewBuffer(layout),
		cancel:  cancel,
	}
	e.schedules[station] = s
	e.buffers[station] = s.buffer

	e.wg.Add(1)
	go e.loop(ctx, s)

	e.logger.Info("Cyclic exchange armed",
		zap.String("station", station),
		zap.Duration("period", period),
		zap.Int("slots", len(layout)))
	return nil
}

// Disarm stoppt den Zyklus. It does not wait for the loop, so it is safe to
// call from inside a cycle.
func (e *Engine) Disarm(station string) {
	e.mu.Lock()
	s, ok := e.schedules[station]
	if ok {
		delete(e.schedules, station)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	s.cancel()
	s.buffer.Detach()

	e.logger.Info("Cyclic exchange disarmed", zap.String("station", station))
}

func (e *Engine) loop(ctx context.Context, s *schedule) {
	defer e.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	nominal := time.Now()
	for {
		if stop := e.cycle(ctx, s, nominal); stop {
			return
		}

		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			nominal = tick
		}
	}
}

// cycle runs one exchange and reports whether the schedule must stop.
func (e *Engine) cycle(ctx context.Context, s *schedule, nominal time.Time) bool {
	start := time.Now()
	jitter := start.Sub(nominal)
	deadline := nominal.Add(s.period)

	s.counter++
	values, err := e.exchange(ctx, s, deadline)
	if ctx.Err() != nil {
		return true
	}

	took := time.Since(start)
	if err != nil {
		s.buffer.Invalidate(types.QualityBad, time.Now())
		s.record(true, took, jitter)

		e.logger.Debug("Cycle missed",
			zap.String("station", s.station),
			zap.Uint16("cycle", s.counter),
			zap.Error(err))
		return e.reporter.CycleMissed(s.station)
	}

	s.record(false, took, jitter)
	e.reporter.CycleOK(s.station)
	if e.state != nil && values != nil {
		e.state.Observe(e.reporter.DesiredSource(s.station), values)
	}
	return false
}

func (e *Engine) exchange(ctx context.Context, s *schedule, deadline time.Time) ([]types.SlotValue, error) {
	var (
		commands map[uint16][]byte
		drive    bool
	)
	if e.state != nil {
		commands, drive = e.state.Outputs(e.reporter.DesiredSource(s.station))
	}

	var slots []fieldbus.SlotData
	if drive {
		var err error
		slots, err = fieldbus.OutputRegion(s.layout, commands)
		if err != nil {
			e.logger.Error("Invalid desired outputs, holding device state",
				zap.String("station", s.station),
				zap.Error(err))
			drive = false
		}
	}
	if !drive {
		slots = fieldbus.HoldRegion(s.layout)
	}

	key := s.link.SessionKey()
	out := &fieldbus.CyclicOutput{CyclicData: fieldbus.CyclicData{
		SessionKey:   key,
		CycleCounter: s.counter,
		DataStatus:   fieldbus.DataStatusValid | fieldbus.DataStatusRun,
		Slots:        slots,
	}}

	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := s.link.Send(sendCtx, out); err != nil {
		return nil, err
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, types.ErrTimeout
		}

		in, err := s.link.ReceiveCyclic(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if in.SessionKey != key || in.CycleCounter != s.counter {
			// Late answer to an earlier cycle.
			continue
		}
		values := s.buffer.Update(in, time.Now())
		if values == nil {
			return nil, errors.New("buffer detached")
		}
		return values, nil
	}
}

// Snapshot returns a copy of the input values of station, following an
// active failover redirection.
func (e *Engine) Snapshot(station string) ([]types.SlotValue, bool) {
	target := e.reporter.Resolve(station)

	e.mu.Lock()
	b, ok := e.buffers[target]
	e.mu.Unlock()

	if !ok {
		return nil, false
	}
	return b.Snapshot(), true
}

func (e *Engine) Stats(station string) (Stats, bool) {
	e.mu.Lock()
	s, ok := e.schedules[station]
	e.mu.Unlock()

	if !ok {
		return Stats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, true
}

// PacketLoss returns the loss percentage over the recent window; unarmed
// stations report 100.
func (e *Engine) PacketLoss(station string) float64 {
	st, ok := e.Stats(station)
	if !ok {
		return 100
	}
	return st.PacketLossPercent
}

// Armed lists stations with a running schedule.
func (e *Engine) Armed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.schedules))
	for name := range e.schedules {
		out = append(out, name)
	}
	return out
}

// Close stops every schedule and waits for the loops to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	schedules := make([]*schedule, 0, len(e.schedules))
	for name, s := range e.schedules {
		schedules = append(schedules, s)
		delete(e.schedules, name)
	}
	e.mu.Unlock()

	for _, s := range schedules {
		s.cancel()
		s.buffer.Detach()
	}
	e.wg.Wait()

	e.logger.Info("Cyclic engine stopped")
}
