package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

const DefaultMaxStations = 64

// Station is one inventory record.
type Station struct {
	Identity    types.DeviceIdentity `json:"identity"`
	Layout      []types.ModuleSlot   `json:"layout"`
	CycleTime   time.Duration        `json:"cycle_time"`
	AutoConnect bool                 `json:"auto_connect"`

	// Locked is set while a connection exists or is being attempted; the
	// identity is immutable while locked.
	Locked bool `json:"locked"`

	// DisplayState mirrors the AR state for operator displays only.
	DisplayState string `json:"display_state"`
}

func (s Station) clone() Station {
	s.Layout = append([]types.ModuleSlot(nil), s.Layout...)
	return s
}

// Persister stores inventory changes. Errors are logged, never fatal.
type Persister interface {
	SaveStation(ctx context.Context, st Station) error
	DeleteStation(ctx context.Context, name string) error
}

// Registry is the bounded device inventory.
type Registry struct {
	mu        sync.RWMutex
	stations  map[string]*Station
	max       int
	persister Persister
	logger    *zap.Logger
}

func New(maxStations int, logger *zap.Logger) *Registry {
	if maxStations <= 0 {
		maxStations = DefaultMaxStations
	}
	return &Registry{
		stations: make(map[string]*Station),
		max:      maxStations,
		logger:   logger,
	}
}

// SetPersister attaches a backing store for inventory changes.
func (r *Registry) SetPersister(p Persister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persister = p
}

// Register adds or replaces a station from manual configuration.
func (r *Registry) Register(st Station) error {
	if err := types.ValidateStationName(st.Identity.StationName); err != nil {
		return err
	}
	if st.Identity.Address == "" {
		return fmt.Errorf("%w: station %s has no address", types.ErrInvalidParam, st.Identity.StationName)
	}
	if err := types.ValidateLayout(st.Layout); err != nil {
		return err
	}

	r.mu.Lock()
	name := st.Identity.StationName
	existing, ok := r.stations[name]
	if ok && existing.Locked {
		r.mu.Unlock()
		return fmt.Errorf("%w: station %s is connected", types.ErrInvalidState, name)
	}
	if !ok && len(r.stations) >= r.max {
		r.mu.Unlock()
		return fmt.Errorf("%w: registry holds %d stations", types.ErrResourceExhausted, r.max)
	}

	st.Locked = false
	if st.DisplayState == "" {
		st.DisplayState = "DISCOVERED"
	}
	stored := st.clone()
	r.stations[name] = &stored
	r.mu.Unlock()

	r.logger.Info("Station registered",
		zap.String("station", name),
		zap.String("address", st.Identity.Address),
		zap.Int("modules", len(st.Layout)))

	r.persist(stored)
	return nil
}

// Publish records a discovery result. New stations are added without a
// layout; known unlocked stations get their address and capabilities
// refreshed. Locked stations are left untouched.
func (r *Registry) Publish(id types.DeviceIdentity) (bool, error) {
	if err := types.ValidateStationName(id.StationName); err != nil {
		return false, err
	}

	r.mu.Lock()
	existing, ok := r.stations[id.StationName]
	switch {
	case ok && existing.Locked:
		r.mu.Unlock()
		r.logger.Debug("Ignoring discovery update for locked station",
			zap.String("station", id.StationName))
		return false, nil

	case ok:
		existing.Identity.Address = id.Address
		existing.Identity.VendorID = id.VendorID
		existing.Identity.DeviceID = id.DeviceID
		existing.Identity.Capabilities = id.Capabilities
		existing.Identity.DiscoveredAt = id.DiscoveredAt
		stored := existing.clone()
		r.mu.Unlock()
		r.persist(stored)
		return false, nil

	case len(r.stations) >= r.max:
		r.mu.Unlock()
		return false, fmt.Errorf("%w: registry holds %d stations", types.ErrResourceExhausted, r.max)
	}

	st := &Station{Identity: id, DisplayState: "DISCOVERED"}
	r.stations[id.StationName] = st
	stored := st.clone()
	r.mu.Unlock()

	r.logger.Info("Station discovered",
		zap.String("station", id.StationName),
		zap.String("address", id.Address))

	r.persist(stored)
	return true, nil
}

func (r *Registry) Get(name string) (Station, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.stations[name]
	if !ok {
		return Station{}, false
	}
	return st.clone(), true
}

// List returns copies of all stations ordered by name.
func (r *Registry) List() []Station {
	r.mu.RLock()
	out := make([]Station, 0, len(r.stations))
	for _, st := range r.stations {
		out = append(out, st.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.StationName < out[j].Identity.StationName
	})
	return out
}

// Lock freezes the identity of a station for the lifetime of a connection.
func (r *Registry) Lock(name string) (Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stations[name]
	if !ok {
		return Station{}, fmt.Errorf("%w: station %s", types.ErrNotFound, name)
	}
	st.Locked = true
	return st.clone(), nil
}

func (r *Registry) Unlock(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.stations[name]; ok {
		st.Locked = false
	}
}

// Rename changes the station name of a disconnected station.
func (r *Registry) Rename(oldName, newName string) error {
	if err := types.ValidateStationName(newName); err != nil {
		return err
	}

	r.mu.Lock()
	st, ok := r.stations[oldName]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: station %s", types.ErrNotFound, oldName)
	}
	if st.Locked {
		r.mu.Unlock()
		return fmt.Errorf("%w: station %s must be disconnected before renaming", types.ErrInvalidState, oldName)
	}
	if _, taken := r.stations[newName]; taken {
		r.mu.Unlock()
		return fmt.Errorf("%w: station %s already exists", types.ErrInvalidParam, newName)
	}

	delete(r.stations, oldName)
	st.Identity.StationName = newName
	r.stations[newName] = st
	stored := st.clone()
	p := r.persister
	r.mu.Unlock()

	r.logger.Info("Station renamed", zap.String("from", oldName), zap.String("to", newName))

	if p != nil {
		if err := p.DeleteStation(context.Background(), oldName); err != nil {
			r.logger.Warn("Failed to delete renamed station", zap.String("station", oldName), zap.Error(err))
		}
	}
	r.persist(stored)
	return nil
}

// Remove deletes a disconnected station. The name may be reused afterwards.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	st, ok := r.stations[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: station %s", types.ErrNotFound, name)
	}
	if st.Locked {
		r.mu.Unlock()
		return fmt.Errorf("%w: station %s is connected", types.ErrInvalidState, name)
	}
	delete(r.stations, name)
	p := r.persister
	r.mu.Unlock()

	r.logger.Info("Station removed", zap.String("station", name))

	if p != nil {
		if err := p.DeleteStation(context.Background(), name); err != nil {
			r.logger.Warn("Failed to delete station", zap.String("station", name), zap.Error(err))
		}
	}
	return nil
}

// SetLayout replaces the expected module list of an unlocked station.
func (r *Registry) SetLayout(name string, layout []types.ModuleSlot) error {
	if err := types.ValidateLayout(layout); err != nil {
		return err
	}

	r.mu.Lock()
	st, ok := r.stations[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: station %s", types.ErrNotFound, name)
	}
	if st.Locked {
		r.mu.Unlock()
		return fmt.Errorf("%w: station %s is connected", types.ErrInvalidState, name)
	}
	st.Layout = append([]types.ModuleSlot(nil), layout...)
	stored := st.clone()
	r.mu.Unlock()

	r.persist(stored)
	return nil
}

// SetDisplayState records the connection state shown to operators.
func (r *Registry) SetDisplayState(name, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.stations[name]; ok {
		st.DisplayState = state
	}
}

func (r *Registry) persist(st Station) {
	r.mu.RLock()
	p := r.persister
	r.mu.RUnlock()

	if p == nil {
		return
	}
	if err := p.SaveStation(context.Background(), st); err != nil {
		r.logger.Warn("Failed to persist station",
			zap.String("station", st.Identity.StationName),
			zap.Error(err))
	}
}

// Layout returns the expected module list of a station.
func (r *Registry) Layout(name string) ([]types.ModuleSlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.stations[name]
	if !ok {
		return nil, fmt.Errorf("%w: station %s", types.ErrNotFound, name)
	}
	return append([]types.ModuleSlot(nil), st.Layout...), nil
}

// Source supplies stored stations, e.g. a database backend.
type Source interface {
	LoadStations(ctx context.Context) ([]Station, error)
}

// LoadFrom registers every station held by src. Invalid records are
// skipped and logged.
func (r *Registry) LoadFrom(ctx context.Context, src Source) (int, error) {
	stations, err := src.LoadStations(ctx)
	if err != nil {
		return 0, fmt.Errorf("load stations: %w", err)
	}

	n := 0
	for _, st := range stations {
		if err := r.Register(st); err != nil {
			r.logger.Warn("Skipping stored station",
				zap.String("station", st.Identity.StationName),
				zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
