package ar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mwilco03/Water-Controller-sub004/internal/events"
	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/registry"
	"github.com/mwilco03/Water-Controller-sub004/internal/transport"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

const (
	MinCycleTime = time.Millisecond
	MaxCycleTime = time.Second
)

type Config struct {
	ConnectTimeout time.Duration // per attempt, covers connect and param-end
	Retries        int           // additional attempts after the first
	Backoff        time.Duration // multiplied by the attempt number
	MissThreshold  int           // consecutive missed cycles before ERROR
	WatchdogFactor uint16
	DefaultCycle   time.Duration
	ReleaseTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff == 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = 3
	}
	if c.WatchdogFactor == 0 {
		c.WatchdogFactor = 3
	}
	if c.DefaultCycle == 0 {
		c.DefaultCycle = 100 * time.Millisecond
	}
	if c.ReleaseTimeout == 0 {
		c.ReleaseTimeout = time.Second
	}
}

// Scheduler drives cyclic exchange for RUNNING ARs.
type Scheduler interface {
	Arm(station string, link *Link, layout []types.ModuleSlot, period time.Duration) error
	Disarm(station string)
}

// Inventory is the part of the registry the manager needs.
type Inventory interface {
	Lock(name string) (registry.Station, error)
	Unlock(name string)
	SetDisplayState(name, state string)
}

// Info is a copy of an AR record.
type Info struct {
	Station           string             `json:"station"`
	State             State              `json:"state"`
	ARUUID            uuid.UUID          `json:"ar_uuid"`
	SessionKey        uint16             `json:"session_key"`
	CycleTime         time.Duration      `json:"cycle_time"`
	Layout            []types.ModuleSlot `json:"layout"`
	LastActivity      time.Time          `json:"last_activity"`
	ConsecutiveErrors int                `json:"consecutive_errors"`
	Cause             Cause              `json:"cause,omitempty"`
	LastError         string             `json:"last_error,omitempty"`
	ConnectAttempts   int                `json:"connect_attempts"`
	ConnectedAt       time.Time          `json:"connected_at,omitempty"`
	MalformedFrames   uint64             `json:"malformed_frames"`
}

// Status is the health-relevant subset of an AR record.
type Status struct {
	Station           string
	State             State
	ConsecutiveErrors int
	LastActivity      time.Time
}

// StateChange is the payload of a state_changed event.
type StateChange struct {
	From  State  `json:"from"`
	To    State  `json:"to"`
	Cause Cause  `json:"cause,omitempty"`
	Error string `json:"error,omitempty"`
}

type relation struct {
	mu sync.Mutex

	station           string
	state             State
	session           fieldbus.Session
	cycle             time.Duration
	layout            []types.ModuleSlot
	link              *Link
	lastActivity      time.Time
	consecutiveErrors int
	cause             Cause
	lastError         string
	attempts          int
	connectedAt       time.Time

	// cancelConnect aborts an in-flight Connect.
	cancelConnect context.CancelFunc
}

// Manager owns one AR per station.
type Manager struct {
	cfg       Config
	dialer    transport.Dialer
	inventory Inventory
	bus       *events.Bus
	logger    *zap.Logger

	mu        sync.RWMutex
	relations map[string]*relation
	opLocks   map[string]*sync.Mutex
	redirects map[string]string // primary -> backup
	scheduler Scheduler

	sessionKeys atomic.Uint32
}

func NewManager(cfg Config, dialer transport.Dialer, inventory Inventory, bus *events.Bus, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		inventory: inventory,
		bus:       bus,
		logger:    logger,
		relations: make(map[string]*relation),
		opLocks:   make(map[string]*sync.Mutex),
		redirects: make(map[string]string),
	}
}

func (m *Manager) SetScheduler(s Scheduler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduler = s
}

func (m *Manager) opLock(station string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.opLocks[station]
	if !ok {
		l = &sync.Mutex{}
		m.opLocks[station] = l
	}
	return l
}

func (m *Manager) relation(station string) (*relation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rel, ok := m.relations[station]
	return rel, ok
}

func (m *Manager) getScheduler() Scheduler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scheduler
}

func (m *Manager) nextSessionKey() uint16 {
	for {
		if k := uint16(m.sessionKeys.Add(1)); k != 0 {
			return k
		}
	}
}

// Connect negotiates an AR with station and arms cyclic exchange. It returns
// once the AR is RUNNING or has settled in ERROR.
func (m *Manager) Connect(ctx context.Context, station string) error {
	lock := m.opLock(station)
	lock.Lock()
	defer lock.Unlock()

	if rel, ok := m.relation(station); ok {
		rel.mu.Lock()
		running := rel.state == StateRunning
		rel.mu.Unlock()
		if running {
			return nil
		}
	}

	st, err := m.inventory.Lock(station)
	if err != nil {
		return err
	}
	if err := m.checkStation(st); err != nil {
		m.inventory.Unlock(station)
		return err
	}

	m.mu.Lock()
	rel, ok := m.relations[station]
	if !ok {
		rel = &relation{station: station, state: StateDiscovered}
		m.relations[station] = rel
	}
	m.mu.Unlock()

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rel.mu.Lock()
	rel.cancelConnect = cancel
	rel.attempts = 0
	rel.consecutiveErrors = 0
	m.transition(rel, StateConnecting, CauseNone, nil)
	rel.mu.Unlock()

	cycle := st.CycleTime
	if cycle == 0 {
		cycle = m.cfg.DefaultCycle
	}

	m.logger.Info("Connecting to station",
		zap.String("station", station),
		zap.String("address", st.Identity.Address),
		zap.Duration("cycle_time", cycle))

	var lastErr error
	cause := CauseNone
	for attempt := 1; attempt <= m.cfg.Retries+1; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(connectCtx, m.cfg.Backoff*time.Duration(attempt-1)); err != nil {
				lastErr, cause = err, CauseCancelled
				break
			}
		}

		rel.mu.Lock()
		rel.attempts = attempt
		if rel.state == StateParameterizing || rel.state == StateError {
			m.transition(rel, StateConnecting, CauseNone, nil)
		}
		rel.mu.Unlock()

		lastErr = m.negotiate(connectCtx, rel, st, cycle)
		if lastErr == nil {
			rel.mu.Lock()
			rel.cancelConnect = nil
			rel.mu.Unlock()
			return nil
		}

		cause = causeOf(lastErr)
		if connectCtx.Err() != nil {
			cause = CauseCancelled
		}
		m.logger.Warn("Connect attempt failed",
			zap.String("station", station),
			zap.Int("attempt", attempt),
			zap.String("cause", string(cause)),
			zap.Error(lastErr))

		if !cause.retryable() {
			break
		}
	}

	rel.mu.Lock()
	rel.cancelConnect = nil
	link := m.fail(rel, cause, lastErr)
	rel.mu.Unlock()
	if link != nil {
		link.Close()
	}

	return fmt.Errorf("connect %s: %w", station, lastErr)
}

func (m *Manager) checkStation(st registry.Station) error {
	if len(st.Layout) == 0 {
		return fmt.Errorf("%w: station %s has no module layout", types.ErrInvalidParam, st.Identity.StationName)
	}
	if err := types.ValidateLayout(st.Layout); err != nil {
		return err
	}
	if st.CycleTime != 0 && (st.CycleTime < MinCycleTime || st.CycleTime > MaxCycleTime) {
		return fmt.Errorf("%w: cycle time %s out of range", types.ErrInvalidParam, st.CycleTime)
	}
	return nil
}

// negotiate runs one connect + param-end exchange. On success the AR is
// RUNNING and armed.
func (m *Manager) negotiate(ctx context.Context, rel *relation, st registry.Station, cycle time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	tr, err := m.dialer.Dial(attemptCtx, st.Identity.Address)
	if err != nil {
		return err
	}

	link := newLink(rel.station, tr, m.logger)
	link.onAlarm = m.handleAlarm
	link.onDown = m.handleLinkDown
	link.start()

	rel.mu.Lock()
	old := rel.link
	rel.link = link
	rel.mu.Unlock()
	if old != nil {
		old.Close()
	}

	session := fieldbus.Session{ARUUID: uuid.New(), Key: m.nextSessionKey()}

	if err := m.exchangeConnect(attemptCtx, link, session, st, cycle); err != nil {
		link.Close()
		return err
	}

	link.sessionKey.Store(uint32(session.Key))

	rel.mu.Lock()
	rel.session = session
	rel.cycle = cycle
	rel.layout = append([]types.ModuleSlot(nil), st.Layout...)
	rel.lastActivity = time.Now()
	m.transition(rel, StateParameterizing, CauseNone, nil)
	rel.mu.Unlock()

	if err := m.exchangeParamEnd(attemptCtx, link, session); err != nil {
		link.Close()
		return err
	}

	rel.mu.Lock()
	rel.connectedAt = time.Now()
	rel.lastActivity = rel.connectedAt
	rel.consecutiveErrors = 0
	m.transition(rel, StateRunning, CauseNone, nil)
	layout := append([]types.ModuleSlot(nil), rel.layout...)
	rel.mu.Unlock()

	if s := m.getScheduler(); s != nil {
		if err := s.Arm(rel.station, link, layout, cycle); err != nil {
			err = fmt.Errorf("arm cyclic exchange: %w", err)
			rel.mu.Lock()
			m.fail(rel, causeOf(err), err)
			rel.mu.Unlock()
			link.Close()
			return err
		}
	}

	m.logger.Info("Station connected",
		zap.String("station", rel.station),
		zap.String("ar_uuid", session.ARUUID.String()),
		zap.Uint16("session_key", session.Key))

	if m.bus != nil {
		m.bus.Publish(events.New(events.KindConnected, rel.station, m.info(rel)))
	}
	return nil
}

func (m *Manager) exchangeConnect(ctx context.Context, link *Link, session fieldbus.Session, st registry.Station, cycle time.Duration) error {
	req := &fieldbus.ConnectRequest{
		Session:        session,
		CycleTimeUS:    uint32(cycle / time.Microsecond),
		WatchdogFactor: m.cfg.WatchdogFactor,
		StationName:    st.Identity.StationName,
		Modules:        st.Layout,
	}
	if err := link.Send(ctx, req); err != nil {
		return err
	}

	f, err := link.awaitControl(ctx, fieldbus.TypeConnectResponse, session, m.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	resp := f.(*fieldbus.ConnectResponse)

	if err := statusError(resp.Status); err != nil {
		return fmt.Errorf("connect response: %w", err)
	}
	if !types.SameLayout(resp.Modules, st.Layout) {
		return fmt.Errorf("%w: station %s accepted a different module list", types.ErrCapabilityMismatch, st.Identity.StationName)
	}
	return nil
}

func (m *Manager) exchangeParamEnd(ctx context.Context, link *Link, session fieldbus.Session) error {
	if err := link.Send(ctx, &fieldbus.ParamEndRequest{Session: session}); err != nil {
		return err
	}

	f, err := link.awaitControl(ctx, fieldbus.TypeParamEndResponse, session, m.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	if err := statusError(f.(*fieldbus.ParamEndResponse).Status); err != nil {
		return fmt.Errorf("param-end response: %w", err)
	}
	return nil
}

func statusError(s fieldbus.Status) error {
	switch s {
	case fieldbus.StatusOK:
		return nil
	case fieldbus.StatusCapabilityMismatch:
		return types.ErrCapabilityMismatch
	case fieldbus.StatusNoResources:
		return types.ErrResourceExhausted
	case fieldbus.StatusBusy:
		return types.ErrBusy
	default:
		return fmt.Errorf("%w: status %s", types.ErrRejected, s)
	}
}

// Disconnect releases the AR. It always succeeds for a known station; an
// in-flight Connect is cancelled first.
func (m *Manager) Disconnect(ctx context.Context, station string) error {
	rel, ok := m.relation(station)
	if !ok {
		return fmt.Errorf("%w: no connection for %s", types.ErrNotFound, station)
	}

	rel.mu.Lock()
	if rel.cancelConnect != nil {
		rel.cancelConnect()
	}
	rel.mu.Unlock()

	lock := m.opLock(station)
	lock.Lock()
	defer lock.Unlock()

	rel.mu.Lock()
	state := rel.state
	link := rel.link
	session := rel.session
	rel.mu.Unlock()

	if state == StateDisconnected {
		return nil
	}

	if s := m.getScheduler(); s != nil {
		s.Disarm(station)
	}

	if state == StateRunning && link != nil {
		releaseCtx, cancel := context.WithTimeout(ctx, m.cfg.ReleaseTimeout)
		if err := m.release(releaseCtx, link, session); err != nil {
			m.logger.Warn("Release not acknowledged",
				zap.String("station", station),
				zap.Error(err))
		}
		cancel()
	}
	if link != nil {
		link.Close()
	}

	rel.mu.Lock()
	rel.link = nil
	rel.consecutiveErrors = 0
	m.transition(rel, StateDisconnected, CauseNone, nil)
	rel.mu.Unlock()

	m.inventory.Unlock(station)
	m.logger.Info("Station disconnected", zap.String("station", station))
	return nil
}

func (m *Manager) release(ctx context.Context, link *Link, session fieldbus.Session) error {
	if err := link.Send(ctx, &fieldbus.ReleaseRequest{Session: session}); err != nil {
		return err
	}
	_, err := link.awaitControl(ctx, fieldbus.TypeReleaseResponse, session, m.cfg.ReleaseTimeout)
	return err
}

// transition moves rel to state `to`. rel.mu must be held. Invalid moves are
// logged and ignored.
func (m *Manager) transition(rel *relation, to State, cause Cause, err error) {
	from := rel.state
	if from == to {
		return
	}
	if verr := ValidateTransition(from, to); verr != nil {
		m.logger.Error("Rejected AR transition",
			zap.String("station", rel.station),
			zap.Error(verr))
		return
	}

	rel.state = to
	if to == StateError {
		rel.cause = cause
		if err != nil {
			rel.lastError = err.Error()
		}
	} else if to == StateRunning || to == StateConnecting {
		rel.cause = CauseNone
		rel.lastError = ""
	}

	m.inventory.SetDisplayState(rel.station, to.String())

	fields := []zap.Field{
		zap.String("station", rel.station),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	}
	if cause != CauseNone {
		fields = append(fields, zap.String("cause", string(cause)))
	}
	m.logger.Info("AR state changed", fields...)

	if m.bus != nil {
		change := StateChange{From: from, To: to, Cause: cause}
		if err != nil {
			change.Error = err.Error()
		}
		m.bus.Publish(events.New(events.KindStateChanged, rel.station, change))
	}
}

// fail moves rel to ERROR and detaches its link, which the caller closes
// after releasing rel.mu. rel.mu must be held.
func (m *Manager) fail(rel *relation, cause Cause, err error) *Link {
	if rel.state == StateError || rel.state == StateDisconnected {
		return nil
	}
	m.transition(rel, StateError, cause, err)
	link := rel.link
	rel.link = nil
	return link
}

// failRunning moves a RUNNING AR to ERROR, disarms it and closes its link.
func (m *Manager) failRunning(station string, only *Link, cause Cause, err error) bool {
	rel, ok := m.relation(station)
	if !ok {
		return false
	}

	rel.mu.Lock()
	if rel.state != StateRunning || (only != nil && rel.link != only) {
		rel.mu.Unlock()
		return false
	}
	link := m.fail(rel, cause, err)
	rel.mu.Unlock()

	if s := m.getScheduler(); s != nil {
		s.Disarm(station)
	}
	if link != nil {
		link.Close()
	}
	return true
}

// CycleOK records a successful cyclic exchange.
func (m *Manager) CycleOK(station string) {
	rel, ok := m.relation(station)
	if !ok {
		return
	}
	rel.mu.Lock()
	rel.consecutiveErrors = 0
	rel.lastActivity = time.Now()
	rel.mu.Unlock()
}

// CycleMissed records a missed cycle and reports whether the schedule must
// stop, either because the threshold moved the AR to ERROR or because the AR
// is no longer RUNNING.
func (m *Manager) CycleMissed(station string) bool {
	rel, ok := m.relation(station)
	if !ok {
		return true
	}

	rel.mu.Lock()
	if rel.state != StateRunning {
		rel.mu.Unlock()
		return true
	}
	rel.consecutiveErrors++
	misses := rel.consecutiveErrors
	rel.mu.Unlock()

	if misses < m.cfg.MissThreshold {
		return false
	}

	m.failRunning(station, nil, CauseCycleMiss,
		fmt.Errorf("%w: %d consecutive cycles missed", types.ErrTimeout, misses))
	return true
}

// ProtocolFault moves a RUNNING AR to ERROR after a fatal protocol error.
func (m *Manager) ProtocolFault(station, reason string) {
	m.failRunning(station, nil, CauseProtocolError, fmt.Errorf("%w: %s", types.ErrRejected, reason))
}

// TransportFailed moves a RUNNING AR to ERROR when the device is unreachable.
func (m *Manager) TransportFailed(station string, err error) {
	m.failRunning(station, nil, CauseUnreachable, err)
}

func (m *Manager) handleAlarm(link *Link, alarm *fieldbus.Alarm) {
	if alarm.Severity != fieldbus.SeverityFatal {
		m.logger.Info("Diagnostic alarm",
			zap.String("station", link.Station()),
			zap.Uint16("slot", alarm.Slot),
			zap.Uint16("reason", alarm.Reason))
		return
	}

	m.logger.Warn("Fatal alarm",
		zap.String("station", link.Station()),
		zap.Uint16("slot", alarm.Slot),
		zap.Uint16("reason", alarm.Reason))
	m.failRunning(link.Station(), link, CauseProtocolError,
		fmt.Errorf("%w: fatal alarm reason 0x%04X slot %d", types.ErrRejected, alarm.Reason, alarm.Slot))
}

func (m *Manager) handleLinkDown(link *Link, err error) {
	m.failRunning(link.Station(), link, CauseUnreachable, err)
}

// State returns the AR state; stations without an AR are DISCOVERED.
func (m *Manager) State(station string) State {
	rel, ok := m.relation(station)
	if !ok {
		return StateDiscovered
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	return rel.state
}

func (m *Manager) Info(station string) (Info, bool) {
	rel, ok := m.relation(station)
	if !ok {
		return Info{}, false
	}
	return m.info(rel), true
}

func (m *Manager) info(rel *relation) Info {
	rel.mu.Lock()
	defer rel.mu.Unlock()

	info := Info{
		Station:           rel.station,
		State:             rel.state,
		ARUUID:            rel.session.ARUUID,
		SessionKey:        rel.session.Key,
		CycleTime:         rel.cycle,
		Layout:            append([]types.ModuleSlot(nil), rel.layout...),
		LastActivity:      rel.lastActivity,
		ConsecutiveErrors: rel.consecutiveErrors,
		Cause:             rel.cause,
		LastError:         rel.lastError,
		ConnectAttempts:   rel.attempts,
		ConnectedAt:       rel.connectedAt,
	}
	if rel.link != nil {
		info.MalformedFrames = rel.link.Malformed()
	}
	return info
}

// Stations lists every station with an AR record, ordered by name.
func (m *Manager) Stations() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.relations))
	for name := range m.relations {
		out = append(out, name)
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}

func (m *Manager) Status(station string) (Status, bool) {
	rel, ok := m.relation(station)
	if !ok {
		return Status{}, false
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	return Status{
		Station:           station,
		State:             rel.state,
		ConsecutiveErrors: rel.consecutiveErrors,
		LastActivity:      rel.lastActivity,
	}, true
}

// Link returns the live link of a RUNNING AR.
func (m *Manager) Link(station string) (*Link, error) {
	rel, ok := m.relation(station)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotConnected, station)
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	if rel.state != StateRunning || rel.link == nil {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrNotConnected, station, rel.state)
	}
	return rel.link, nil
}

// Redirect makes reads and writes addressed to primary resolve to backup.
func (m *Manager) Redirect(primary, backup string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirects[primary] = backup
}

func (m *Manager) ClearRedirect(primary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.redirects, primary)
}

// Resolve returns the station that currently serves station.
func (m *Manager) Resolve(station string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if backup, ok := m.redirects[station]; ok {
		return backup
	}
	return station
}

// DesiredSource returns the station whose desired state drives the outputs
// of station: the primary it stands in for, or itself.
func (m *Manager) DesiredSource(station string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for primary, backup := range m.redirects {
		if backup == station {
			return primary
		}
	}
	return station
}

// Close disconnects every station that still holds an AR.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, station := range m.Stations() {
		if m.State(station) == StateDisconnected {
			continue
		}
		if err := m.Disconnect(ctx, station); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
