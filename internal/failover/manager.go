package failover

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/ar"
	"github.com/mwilco03/Water-Controller-sub004/internal/events"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultMaxMappings         = 32
	DefaultSweepInterval       = time.Second
	DefaultFailureThreshold    = 3
	DefaultPacketLossThreshold = 50.0
)

type Policy string

const (
	PolicyManual Policy = "MANUAL"
	PolicyAuto   Policy = "AUTO"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToUpper(s)); p {
	case PolicyManual, PolicyAuto:
		return p, nil
	}
	return "", fmt.Errorf("%w: failover policy %q", types.ErrInvalidParam, s)
}

type Config struct {
	Policy              Policy
	SweepInterval       time.Duration
	FailureThreshold    int
	PacketLossThreshold float64
	MaxMappings         int
}

// StatusSource reports connection state. ar.Manager implements it.
type StatusSource interface {
	Stations() []string
	Status(station string) (ar.Status, bool)
	Redirect(primary, backup string)
	ClearRedirect(primary string)
}

// LossSource reports cyclic packet loss. cyclic.Engine implements it.
type LossSource interface {
	PacketLoss(station string) float64
}

type Mapping struct {
	Primary      string    `json:"primary"`
	Backup       string    `json:"backup"`
	Active       bool      `json:"active"`
	LastFailover time.Time `json:"last_failover,omitempty"`

	// rejected is set after a refused automatic failover and cleared once
	// the primary is healthy again.
	rejected bool
}

type HealthRecord struct {
	Station             string    `json:"station"`
	Healthy             bool      `json:"healthy"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	PacketLossPct       float64   `json:"packet_loss_pct"`
	InFailover          bool      `json:"in_failover"`
	BackupStation       string    `json:"backup_station,omitempty"`
	Forced              bool      `json:"forced,omitempty"`
}

// Notification is the payload of failover events.
type Notification struct {
	Primary    string `json:"primary"`
	Backup     string `json:"backup"`
	InFailover bool   `json:"in_failover"`
}

// Manager owns the backup mappings and the health table.
type Manager struct {
	cfg    Config
	status StatusSource
	loss   LossSource
	bus    *events.Bus
	logger *zap.Logger

	mapMu    sync.Mutex
	mappings map[string]*Mapping
	policy   Policy

	healthMu sync.Mutex
	health   map[string]*HealthRecord
	forced   map[string]bool

	notifyMu  sync.RWMutex
	listeners []func(primary, backup string, inFailover bool)
}

func NewManager(cfg Config, status StatusSource, loss LossSource, bus *events.Bus, logger *zap.Logger) *Manager {
	if cfg.Policy == "" {
		cfg.Policy = PolicyManual
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.PacketLossThreshold <= 0 {
		cfg.PacketLossThreshold = DefaultPacketLossThreshold
	}
	if cfg.MaxMappings <= 0 {
		cfg.MaxMappings = DefaultMaxMappings
	}
	return &Manager{
		cfg:      cfg,
		status:   status,
		loss:     loss,
		bus:      bus,
		logger:   logger,
		mappings: make(map[string]*Mapping),
		policy:   cfg.Policy,
		health:   make(map[string]*HealthRecord),
		forced:   make(map[string]bool),
	}
}

// OnNotify registers a listener called on every executed failover and restore.
func (m *Manager) OnNotify(fn func(primary, backup string, inFailover bool)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) AddMapping(primary, backup string) error {
	if err := types.ValidateStationName(primary); err != nil {
		return err
	}
	if err := types.ValidateStationName(backup); err != nil {
		return err
	}
	if primary == backup {
		return fmt.Errorf("%w: %s cannot back up itself", types.ErrInvalidParam, primary)
	}

	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	if _, ok := m.mappings[primary]; ok {
		return fmt.Errorf("%w: %s already has a backup", types.ErrInvalidParam, primary)
	}
	if len(m.mappings) >= m.cfg.MaxMappings {
		return fmt.Errorf("%w: backup table holds %d mappings", types.ErrResourceExhausted, m.cfg.MaxMappings)
	}
	m.mappings[primary] = &Mapping{Primary: primary, Backup: backup}

	m.logger.Info("Backup mapping added", zap.String("primary", primary), zap.String("backup", backup))
	return nil
}

// RemoveMapping deletes a mapping, restoring it first when active.
func (m *Manager) RemoveMapping(primary string) error {
	m.mapMu.Lock()
	mp, ok := m.mappings[primary]
	active := ok && mp.Active
	m.mapMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no backup mapping for %s", types.ErrNotFound, primary)
	}
	if active {
		if err := m.Restore(primary); err != nil {
			return err
		}
	}

	m.mapMu.Lock()
	delete(m.mappings, primary)
	m.mapMu.Unlock()

	m.logger.Info("Backup mapping removed", zap.String("primary", primary))
	return nil
}

// Mappings returns copies sorted by primary.
func (m *Manager) Mappings() []Mapping {
	m.mapMu.Lock()
	out := make([]Mapping, 0, len(m.mappings))
	for _, mp := range m.mappings {
		out = append(out, *mp)
	}
	m.mapMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Primary < out[j].Primary })
	return out
}

func (m *Manager) Mapping(primary string) (Mapping, bool) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	mp, ok := m.mappings[primary]
	if !ok {
		return Mapping{}, false
	}
	return *mp, true
}

func (m *Manager) SetPolicy(p Policy) error {
	p, err := ParsePolicy(string(p))
	if err != nil {
		return err
	}
	m.mapMu.Lock()
	m.policy = p
	m.mapMu.Unlock()

	m.logger.Info("Failover policy set", zap.String("policy", string(p)))
	return nil
}

func (m *Manager) Policy() Policy {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	return m.policy
}

// ExecuteFailover redirects primary to its backup. Calling it on an active
// mapping is a no-op. It is refused when the backup is not healthy.
func (m *Manager) ExecuteFailover(primary string) error {
	m.mapMu.Lock()
	mp, ok := m.mappings[primary]
	if !ok {
		m.mapMu.Unlock()
		return fmt.Errorf("%w: no backup mapping for %s", types.ErrNotFound, primary)
	}
	if mp.Active {
		m.mapMu.Unlock()
		return nil
	}
	backup := mp.Backup

	if !m.Healthy(backup) {
		mp.rejected = true
		m.mapMu.Unlock()

		m.logger.Warn("Failover refused, backup unhealthy",
			zap.String("primary", primary),
			zap.String("backup", backup))
		m.publish(events.KindFailoverRejected, Notification{Primary: primary, Backup: backup})
		return fmt.Errorf("%w: backup %s of %s is unhealthy", types.ErrInvalidState, backup, primary)
	}

	mp.Active = true
	mp.rejected = false
	mp.LastFailover = time.Now()
	m.status.Redirect(primary, backup)
	m.mapMu.Unlock()

	m.setFailover(primary, backup, true)

	m.logger.Warn("Failover executed",
		zap.String("primary", primary),
		zap.String("backup", backup))
	m.notify(primary, backup, true)
	return nil
}

// Restore reverses an active failover. Restoring an inactive mapping is a
// no-op.
func (m *Manager) Restore(primary string) error {
	m.mapMu.Lock()
	mp, ok := m.mappings[primary]
	if !ok {
		m.mapMu.Unlock()
		return fmt.Errorf("%w: no backup mapping for %s", types.ErrNotFound, primary)
	}
	if !mp.Active {
		m.mapMu.Unlock()
		return nil
	}
	mp.Active = false
	backup := mp.Backup
	m.status.ClearRedirect(primary)
	m.mapMu.Unlock()

	m.setFailover(primary, "", false)

	m.logger.Info("Failover restored",
		zap.String("primary", primary),
		zap.String("backup", backup))
	m.notify(primary, backup, false)
	return nil
}

func (m *Manager) setFailover(primary, backup string, active bool) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	rec := m.record(primary)
	rec.InFailover = active
	rec.BackupStation = backup
}

// record returns the health record of station, creating an unhealthy one.
// healthMu must be held.
func (m *Manager) record(station string) *HealthRecord {
	rec, ok := m.health[station]
	if !ok {
		rec = &HealthRecord{Station: station}
		m.health[station] = rec
	}
	return rec
}

// Healthy reports the last observed health of station. Stations never
// observed are unhealthy.
func (m *Manager) Healthy(station string) bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	rec, ok := m.health[station]
	return ok && rec.Healthy
}

func (m *Manager) Health(station string) (HealthRecord, bool) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	rec, ok := m.health[station]
	if !ok {
		return HealthRecord{}, false
	}
	return *rec, true
}

func (m *Manager) HealthTable() []HealthRecord {
	m.healthMu.Lock()
	out := make([]HealthRecord, 0, len(m.health))
	for _, rec := range m.health {
		out = append(out, *rec)
	}
	m.healthMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Station < out[j].Station })
	return out
}

// ForceHealth pins the health of a station, overriding observations until
// ClearForcedHealth.
func (m *Manager) ForceHealth(station string, healthy bool) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	m.forced[station] = healthy
	rec := m.record(station)
	rec.Healthy = healthy
	rec.Forced = true
}

func (m *Manager) ClearForcedHealth(station string) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	delete(m.forced, station)
	if rec, ok := m.health[station]; ok {
		rec.Forced = false
	}
}

type observation struct {
	station string
	status  ar.Status
	known   bool
	loss    float64
}

// Sweep refreshes the health table from connection state and, under the
// AUTO policy, executes or restores failovers.
func (m *Manager) Sweep() {
	names := make(map[string]bool)
	for _, s := range m.status.Stations() {
		names[s] = true
	}
	for _, mp := range m.Mappings() {
		names[mp.Primary] = true
		names[mp.Backup] = true
	}

	obs := make([]observation, 0, len(names))
	for name := range names {
		o := observation{station: name, loss: 100}
		o.status, o.known = m.status.Status(name)
		if m.loss != nil {
			o.loss = m.loss.PacketLoss(name)
		}
		obs = append(obs, o)
	}

	now := time.Now()
	m.healthMu.Lock()
	for _, o := range obs {
		rec := m.record(o.station)
		rec.ConsecutiveFailures = o.status.ConsecutiveErrors
		rec.PacketLossPct = o.loss
		if o.known && !o.status.LastActivity.IsZero() {
			rec.LastHeartbeat = o.status.LastActivity
		}

		healthy := o.known &&
			o.status.State == ar.StateRunning &&
			o.status.ConsecutiveErrors < m.cfg.FailureThreshold &&
			o.loss < m.cfg.PacketLossThreshold
		if forced, ok := m.forced[o.station]; ok {
			healthy = forced
		}
		if rec.Healthy != healthy {
			m.logger.Info("Station health changed",
				zap.String("station", o.station),
				zap.Bool("healthy", healthy),
				zap.Int("consecutive_failures", rec.ConsecutiveFailures),
				zap.Float64("packet_loss_pct", rec.PacketLossPct))
		}
		rec.Healthy = healthy
	}
	m.healthMu.Unlock()

	m.logger.Debug("Health sweep", zap.Int("stations", len(obs)), zap.Time("at", now))

	if m.Policy() != PolicyAuto {
		return
	}
	m.applyPolicy()
}

func (m *Manager) applyPolicy() {
	for _, mp := range m.Mappings() {
		primaryHealthy := m.Healthy(mp.Primary)

		switch {
		case mp.Active && primaryHealthy:
			if err := m.Restore(mp.Primary); err != nil {
				m.logger.Warn("Automatic restore failed", zap.String("primary", mp.Primary), zap.Error(err))
			}

		case !mp.Active && primaryHealthy && mp.rejected:
			m.mapMu.Lock()
			if cur, ok := m.mappings[mp.Primary]; ok {
				cur.rejected = false
			}
			m.mapMu.Unlock()

		case !mp.Active && !primaryHealthy && !mp.rejected:
			// Errors are logged by ExecuteFailover and not retried until
			// the primary recovers.
			m.ExecuteFailover(mp.Primary)
		}
	}
}

// Run sweeps every interval until ctx is done. A connected event triggers
// an immediate sweep so restores are not delayed by a full interval.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	var connected <-chan events.Event
	if m.bus != nil {
		ch := m.bus.Subscribe(events.KindConnected)
		defer m.bus.Unsubscribe(ch)
		connected = ch
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-connected:
			if !ok {
				connected = nil
				continue
			}
			m.Sweep()
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) notify(primary, backup string, inFailover bool) {
	m.notifyMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.notifyMu.RUnlock()

	for _, fn := range listeners {
		fn(primary, backup, inFailover)
	}

	kind := events.KindFailover
	if !inFailover {
		kind = events.KindFailoverRestored
	}
	m.publish(kind, Notification{Primary: primary, Backup: backup, InFailover: inFailover})
}

func (m *Manager) publish(kind events.Kind, n Notification) {
	if m.bus != nil {
		m.bus.Publish(events.New(kind, n.Primary, n))
	}
}
