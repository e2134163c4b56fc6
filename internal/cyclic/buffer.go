package cyclic

import (
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// Buffer holds the quality-tagged input values of one AR, one entry per
// slot of the negotiated layout. Readers only ever receive copies.
type Buffer struct {
	mu       sync.RWMutex
	layout   []types.ModuleSlot
	values   []types.SlotValue
	detached bool
}

func NewBuffer(layout []types.ModuleSlot) *Buffer {
	b := &Buffer{
		layout: append([]types.ModuleSlot(nil), layout...),
		values: make([]types.SlotValue, len(layout)),
	}
	now := time.Now()
	for i, m := range layout {
		b.values[i] = types.SlotValue{
			Slot:      m.Slot,
			Subslot:   m.Subslot,
			Kind:      m.Kind,
			Quality:   types.QualityNotConnected,
			UpdatedAt: now,
		}
	}
	return b
}

// Update applies one cyclic input frame and returns a copy of the result.
// Slots missing from the frame, flagged bad by the device or carrying an
// undecodable payload are marked BAD; their previous value is cleared.
func (b *Buffer) Update(in *fieldbus.CyclicInput, at time.Time) []types.SlotValue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detached {
		return nil
	}

	valid := in.DataStatus&fieldbus.DataStatusValid != 0
	for i, m := range b.layout {
		v := types.SlotValue{Slot: m.Slot, Subslot: m.Subslot, Kind: m.Kind, Quality: types.QualityBad, UpdatedAt: at}

		sd, ok := in.Slot(m.Slot, m.Subslot)
		if ok && valid && sd.IOPS == fieldbus.IOPSGood {
			v.Raw = append([]byte(nil), sd.Data...)
			switch m.Kind {
			case types.SlotKindSensor:
				if value, q, err := fieldbus.DecodeSensorValue(sd.Data); err == nil {
					v.Value, v.Quality = value, q
				}
			case types.SlotKindActuator:
				if cmd, duty, err := fieldbus.DecodeActuatorCommand(sd.Data); err == nil {
					v.Command, v.Duty, v.Quality = cmd, duty, types.QualityGood
				}
			}
		}
		if v.Quality == types.QualityBad {
			v.Raw = nil
		}
		b.values[i] = v
	}

	return b.copyLocked()
}

// Invalidate stamps every slot with q and drops its value.
func (b *Buffer) Invalidate(q types.Quality, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detached {
		return
	}
	b.invalidateLocked(q, at)
}

func (b *Buffer) invalidateLocked(q types.Quality, at time.Time) {
	for i, m := range b.layout {
		b.values[i] = types.SlotValue{Slot: m.Slot, Subslot: m.Subslot, Kind: m.Kind, Quality: q, UpdatedAt: at}
	}
}

// Detach marks every slot NOT_CONNECTED and ignores later updates.
func (b *Buffer) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.invalidateLocked(types.QualityNotConnected, time.Now())
	b.detached = true
}

func (b *Buffer) Snapshot() []types.SlotValue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyLocked()
}

func (b *Buffer) copyLocked() []types.SlotValue {
	out := make([]types.SlotValue, len(b.values))
	for i, v := range b.values {
		v.Raw = append([]byte(nil), v.Raw...)
		out[i] = v
	}
	return out
}
