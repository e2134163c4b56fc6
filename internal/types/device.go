package types

import (
	"fmt"
	"time"
)

// Capability flags advertised by an RTU in its identify response.
type Capability uint32

const (
	CapCyclicIO Capability = 1 << iota
	CapRecordRead
	CapRecordWrite
	CapAlarms
	CapUserSync
	CapInterlocks
	CapPID
)

func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

// DeviceIdentity is the registry view of an RTU.
type DeviceIdentity struct {
	VendorID     uint16     `json:"vendor_id"`
	DeviceID     uint16     `json:"device_id"`
	StationName  string     `json:"station_name"`
	Address      string     `json:"address"` // host:port
	Capabilities Capability `json:"capabilities"`
	DiscoveredAt time.Time  `json:"discovered_at"`
}

const MaxStationNameLen = 63

// ValidateStationName checks the operator-assigned station name rules:
// lower-case letters, digits, '-' and '.', not starting or ending with '-'.
func ValidateStationName(name string) error {
	if name == "" || len(name) > MaxStationNameLen {
		return fmt.Errorf("%w: station name length %d", ErrInvalidParam, len(name))
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return fmt.Errorf("%w: station name %q has leading or trailing '-'", ErrInvalidParam, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: station name %q contains %q", ErrInvalidParam, name, r)
		}
	}
	return nil
}

type SlotKind string

const (
	SlotKindSensor   SlotKind = "sensor"
	SlotKindActuator SlotKind = "actuator"
)

// Fixed payload sizes of the two module kinds.
const (
	SensorInputLen    = 5 // float32 + quality
	ActuatorOutputLen = 4 // command, duty, reserved[2]
	ActuatorInputLen  = 4 // read-back, same layout as output
)

// ModuleSlot describes one plugged module of the negotiated layout.
type ModuleSlot struct {
	Slot        uint16   `json:"slot"`
	Subslot     uint16   `json:"subslot"`
	ModuleIdent uint32   `json:"module_ident"`
	Kind        SlotKind `json:"kind"`
	InputLen    uint16   `json:"input_len"`
	OutputLen   uint16   `json:"output_len"`
}

// NewSensorSlot returns a sensor module with the standard input size.
func NewSensorSlot(slot uint16, ident uint32) ModuleSlot {
	return ModuleSlot{Slot: slot, Subslot: 1, ModuleIdent: ident, Kind: SlotKindSensor, InputLen: SensorInputLen}
}

// NewActuatorSlot returns an actuator module with command output and read-back input.
func NewActuatorSlot(slot uint16, ident uint32) ModuleSlot {
	return ModuleSlot{
		Slot:        slot,
		Subslot:     1,
		ModuleIdent: ident,
		Kind:        SlotKindActuator,
		InputLen:    ActuatorInputLen,
		OutputLen:   ActuatorOutputLen,
	}
}

// ValidateLayout rejects duplicate slots and inconsistent module sizes.
func ValidateLayout(layout []ModuleSlot) error {
	seen := make(map[[2]uint16]bool, len(layout))
	for _, m := range layout {
		key := [2]uint16{m.Slot, m.Subslot}
		if seen[key] {
			return fmt.Errorf("%w: duplicate slot %d/%d", ErrInvalidParam, m.Slot, m.Subslot)
		}
		seen[key] = true

		switch m.Kind {
		case SlotKindSensor:
			if m.InputLen != SensorInputLen || m.OutputLen != 0 {
				return fmt.Errorf("%w: sensor slot %d has sizes %d/%d", ErrInvalidParam, m.Slot, m.InputLen, m.OutputLen)
			}
		case SlotKindActuator:
			if m.InputLen != ActuatorInputLen || m.OutputLen != ActuatorOutputLen {
				return fmt.Errorf("%w: actuator slot %d has sizes %d/%d", ErrInvalidParam, m.Slot, m.InputLen, m.OutputLen)
			}
		default:
			return fmt.Errorf("%w: slot %d has unknown kind %q", ErrInvalidParam, m.Slot, m.Kind)
		}
	}
	return nil
}

// SameLayout reports whether two module lists are identical, order included.
func SameLayout(a, b []ModuleSlot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
