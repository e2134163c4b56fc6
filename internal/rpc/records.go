package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/reconcile"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// Record indices understood by the RTU firmware.
const (
	IndexDeviceConfig   uint16 = 0x1000
	IndexSensorConfig   uint16 = 0x1001
	IndexActuatorConfig uint16 = 0x1002
	IndexUsers          uint16 = 0x1100
	IndexInterlocks     uint16 = 0x1200
	IndexPIDLoops       uint16 = 0x1300
)

// DeviceAddress addresses a device-level record (slot 0).
func DeviceAddress(index uint16) fieldbus.Address {
	return fieldbus.Address{Index: index}
}

// SlotAddress addresses a record of one module.
func SlotAddress(slot uint16, index uint16) fieldbus.Address {
	return fieldbus.Address{Slot: slot, Subslot: 1, Index: index}
}

type DeviceConfig struct {
	StationName    string        `json:"station_name" yaml:"station_name"`
	CycleTime      time.Duration `json:"cycle_time" yaml:"cycle_time"`
	WatchdogFactor uint16        `json:"watchdog_factor" yaml:"watchdog_factor"`
	FailSafeOff    bool          `json:"fail_safe_off" yaml:"fail_safe_off"`
}

func (c DeviceConfig) encode() ([]byte, error) {
	if err := types.ValidateStationName(c.StationName); err != nil {
		return nil, err
	}
	if c.CycleTime <= 0 || c.CycleTime > time.Second {
		return nil, fmt.Errorf("%w: cycle time %s", types.ErrInvalidParam, c.CycleTime)
	}

	b := []byte{uint8(len(c.StationName))}
	b = append(b, c.StationName...)
	b = binary.BigEndian.AppendUint32(b, uint32(c.CycleTime/time.Microsecond))
	b = binary.BigEndian.AppendUint16(b, c.WatchdogFactor)
	var flags uint8
	if c.FailSafeOff {
		flags |= 0x01
	}
	return append(b, flags), nil
}

type SensorConfig struct {
	Slot      uint16  `json:"slot" yaml:"slot"`
	Unit      string  `json:"unit" yaml:"unit"`
	ScaleMin  float32 `json:"scale_min" yaml:"scale_min"`
	ScaleMax  float32 `json:"scale_max" yaml:"scale_max"`
	AlarmLow  float32 `json:"alarm_low" yaml:"alarm_low"`
	AlarmHigh float32 `json:"alarm_high" yaml:"alarm_high"`
}

func (c SensorConfig) encode() ([]byte, error) {
	if c.ScaleMax <= c.ScaleMin {
		return nil, fmt.Errorf("%w: sensor %d scale %v..%v", types.ErrInvalidParam, c.Slot, c.ScaleMin, c.ScaleMax)
	}
	if len(c.Unit) > 16 {
		return nil, fmt.Errorf("%w: unit %q", types.ErrInvalidParam, c.Unit)
	}

	b := binary.BigEndian.AppendUint16(nil, c.Slot)
	for _, v := range []float32{c.ScaleMin, c.ScaleMax, c.AlarmLow, c.AlarmHigh} {
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(v))
	}
	b = append(b, uint8(len(c.Unit)))
	return append(b, c.Unit...), nil
}

type ActuatorConfig struct {
	Slot      uint16                `json:"slot" yaml:"slot"`
	FailSafe  types.ActuatorCommand `json:"fail_safe" yaml:"fail_safe"`
	MaxDuty   uint8                 `json:"max_duty" yaml:"max_duty"`
	MinOnTime time.Duration         `json:"min_on_time" yaml:"min_on_time"`
}

func (c ActuatorConfig) encode() ([]byte, error) {
	if !c.FailSafe.Valid() || c.MaxDuty > 100 {
		return nil, fmt.Errorf("%w: actuator %d fail-safe %s max duty %d", types.ErrInvalidParam, c.Slot, c.FailSafe, c.MaxDuty)
	}

	b := binary.BigEndian.AppendUint16(nil, c.Slot)
	b = append(b, byte(c.FailSafe), c.MaxDuty)
	return binary.BigEndian.AppendUint32(b, uint32(c.MinOnTime/time.Millisecond)), nil
}

func (e *Engine) PushDeviceConfig(ctx context.Context, station string, cfg DeviceConfig) error {
	data, err := cfg.encode()
	if err != nil {
		return err
	}
	return e.Write(ctx, station, DeviceAddress(IndexDeviceConfig), data)
}

func (e *Engine) PushSensorConfig(ctx context.Context, station string, cfg SensorConfig) error {
	data, err := cfg.encode()
	if err != nil {
		return err
	}
	return e.Write(ctx, station, SlotAddress(cfg.Slot, IndexSensorConfig), data)
}

func (e *Engine) PushActuatorConfig(ctx context.Context, station string, cfg ActuatorConfig) error {
	data, err := cfg.encode()
	if err != nil {
		return err
	}
	return e.Write(ctx, station, SlotAddress(cfg.Slot, IndexActuatorConfig), data)
}

// ReadParameter reads an arbitrary non-empty record.
func (e *Engine) ReadParameter(ctx context.Context, station string, addr fieldbus.Address) ([]byte, error) {
	return e.Read(ctx, station, addr, Expect{Min: 1, Max: MaxRecordLen})
}

const loopRecordLen = 12

func encodeLoops(loops []reconcile.PIDLoop) ([]byte, error) {
	if len(loops) > reconcile.MaxLoops {
		return nil, fmt.Errorf("%w: %d loops", types.ErrResourceExhausted, len(loops))
	}
	b := binary.BigEndian.AppendUint16(nil, uint16(len(loops)))
	for _, l := range loops {
		b = binary.BigEndian.AppendUint16(b, l.LoopID)
		b = append(b, byte(l.Mode), 0)
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(l.Setpoint))
	}
	return b, nil
}

func decodeLoops(data []byte) ([]reconcile.PIDLoop, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: loop record of %d bytes", types.ErrMalformedFrame, len(data))
	}
	n := int(binary.BigEndian.Uint16(data))
	if n > reconcile.MaxLoops || len(data) != 2+n*loopRecordLen {
		return nil, fmt.Errorf("%w: loop record claims %d loops in %d bytes", types.ErrMalformedFrame, n, len(data))
	}

	loops := make([]reconcile.PIDLoop, 0, n)
	for i := 0; i < n; i++ {
		raw := data[2+i*loopRecordLen:]
		l := reconcile.PIDLoop{
			LoopID:   binary.BigEndian.Uint16(raw),
			Mode:     reconcile.PIDMode(raw[2]),
			Setpoint: math.Float64frombits(binary.BigEndian.Uint64(raw[4:12])),
		}
		if !l.Mode.Valid() {
			return nil, fmt.Errorf("%w: loop %d mode %d", types.ErrMalformedFrame, l.LoopID, raw[2])
		}
		loops = append(loops, l)
	}
	return loops, nil
}

// WriteLoops pushes PID directives to the device.
func (e *Engine) WriteLoops(ctx context.Context, station string, loops []reconcile.PIDLoop) error {
	data, err := encodeLoops(loops)
	if err != nil {
		return err
	}
	return e.Write(ctx, station, DeviceAddress(IndexPIDLoops), data)
}

// ReadLoops reads the PID loop state the device is running.
func (e *Engine) ReadLoops(ctx context.Context, station string) ([]reconcile.PIDLoop, error) {
	data, err := e.Read(ctx, station, DeviceAddress(IndexPIDLoops), Expect{Min: 2, Max: 2 + reconcile.MaxLoops*loopRecordLen})
	if err != nil {
		return nil, err
	}
	return decodeLoops(data)
}

var _ reconcile.LoopWriter = (*Engine)(nil)
