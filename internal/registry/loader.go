package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// Inventory is the operator-maintained station file.
type Inventory struct {
	Stations []InventoryStation `json:"stations"`
	Backups  []InventoryBackup  `json:"backups,omitempty"`
}

type InventoryStation struct {
	StationName string            `json:"station_name"`
	Address     string            `json:"address"`
	VendorID    uint16            `json:"vendor_id"`
	DeviceID    uint16            `json:"device_id"`
	CycleTimeMs int               `json:"cycle_time_ms"`
	AutoConnect bool              `json:"auto_connect"`
	Modules     []InventoryModule `json:"modules"`
}

type InventoryModule struct {
	Slot        uint16         `json:"slot"`
	Subslot     uint16         `json:"subslot"`
	ModuleIdent uint32         `json:"module_ident"`
	Kind        types.SlotKind `json:"kind"`
}

type InventoryBackup struct {
	Primary string `json:"primary"`
	Backup  string `json:"backup"`
}

// Station converts an inventory entry into a registry record.
func (s InventoryStation) Station(defaultCycle time.Duration) Station {
	layout := make([]types.ModuleSlot, 0, len(s.Modules))
	for _, m := range s.Modules {
		var slot types.ModuleSlot
		if m.Kind == types.SlotKindActuator {
			slot = types.NewActuatorSlot(m.Slot, m.ModuleIdent)
		} else {
			slot = types.NewSensorSlot(m.Slot, m.ModuleIdent)
		}
		if m.Subslot != 0 {
			slot.Subslot = m.Subslot
		}
		layout = append(layout, slot)
	}

	cycle := defaultCycle
	if s.CycleTimeMs > 0 {
		cycle = time.Duration(s.CycleTimeMs) * time.Millisecond
	}

	return Station{
		Identity: types.DeviceIdentity{
			VendorID:    s.VendorID,
			DeviceID:    s.DeviceID,
			StationName: s.StationName,
			Address:     s.Address,
		},
		Layout:      layout,
		CycleTime:   cycle,
		AutoConnect: s.AutoConnect,
	}
}

type Loader struct {
	validator *Validator
}

func NewLoader() (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	return &Loader{validator: validator}, nil
}

// Load reads and validates an inventory file.
func (l *Loader) Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}
	return l.Parse(data)
}

func (l *Loader) Parse(data []byte) (*Inventory, error) {
	if err := l.validator.ValidateInventory(data); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidParam, err)
	}

	var inv Inventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inventory: %w", err)
	}

	return &inv, nil
}

// LoadFile reads an inventory file and registers its stations.
func (r *Registry) LoadFile(path string, defaultCycle time.Duration) (*Inventory, error) {
	loader, err := NewLoader()
	if err != nil {
		return nil, err
	}
	inv, err := loader.Load(path)
	if err != nil {
		return nil, err
	}

	for _, s := range inv.Stations {
		if err := r.Register(s.Station(defaultCycle)); err != nil {
			return nil, fmt.Errorf("station %s: %w", s.StationName, err)
		}
	}
	return inv, nil
}
