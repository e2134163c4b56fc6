package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	MaxInterlocks  = 32
	interlockLen   = 16
	conditionAbove = 0x01
	conditionBelow = 0x02
)

// Interlock trips an actuator to a safe command when a sensor crosses a
// threshold. The RTU evaluates it locally, independent of the controller.
type Interlock struct {
	ID           uint16                `yaml:"id" json:"id"`
	Name         string                `yaml:"name" json:"name"`
	Station      string                `yaml:"station,omitempty" json:"station,omitempty"`
	SensorSlot   uint16                `yaml:"sensor_slot" json:"sensor_slot"`
	Condition    string                `yaml:"condition" json:"condition"`
	Threshold    float32               `yaml:"threshold" json:"threshold"`
	ActuatorSlot uint16                `yaml:"actuator_slot" json:"actuator_slot"`
	Action       string                `yaml:"action" json:"action"`
	Delay        time.Duration         `yaml:"delay,omitempty" json:"delay,omitempty"`
	command      types.ActuatorCommand `yaml:"-"`
	condition    uint8                 `yaml:"-"`
}

type interlockFile struct {
	Interlocks []Interlock `yaml:"interlocks"`
}

// LoadInterlocks reads interlock rules from a YAML file.
func LoadInterlocks(path string) ([]Interlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read interlock file: %w", err)
	}
	return ParseInterlocks(data)
}

// ParseInterlocks parses and validates interlock YAML.
func ParseInterlocks(data []byte) ([]Interlock, error) {
	var f interlockFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse interlock YAML: %v", types.ErrInvalidParam, err)
	}

	seen := make(map[uint16]bool, len(f.Interlocks))
	for i := range f.Interlocks {
		il := &f.Interlocks[i]
		if seen[il.ID] {
			return nil, fmt.Errorf("%w: duplicate interlock id %d", types.ErrInvalidParam, il.ID)
		}
		seen[il.ID] = true
		if err := il.normalize(); err != nil {
			return nil, err
		}
	}
	return f.Interlocks, nil
}

func (il *Interlock) normalize() error {
	switch strings.ToLower(il.Condition) {
	case "above":
		il.condition = conditionAbove
	case "below":
		il.condition = conditionBelow
	default:
		return fmt.Errorf("%w: interlock %d condition %q", types.ErrInvalidParam, il.ID, il.Condition)
	}

	switch strings.ToLower(il.Action) {
	case "off":
		il.command = types.ActuatorOff
	case "on":
		il.command = types.ActuatorOn
	default:
		return fmt.Errorf("%w: interlock %d action %q", types.ErrInvalidParam, il.ID, il.Action)
	}

	if math.IsNaN(float64(il.Threshold)) || math.IsInf(float64(il.Threshold), 0) {
		return fmt.Errorf("%w: interlock %d threshold", types.ErrInvalidParam, il.ID)
	}
	if il.Delay < 0 || il.Delay/time.Millisecond > math.MaxUint32 {
		return fmt.Errorf("%w: interlock %d delay %s", types.ErrInvalidParam, il.ID, il.Delay)
	}
	if il.Station != "" {
		if err := types.ValidateStationName(il.Station); err != nil {
			return err
		}
	}
	return nil
}

// InterlocksFor returns the rules that apply to station: rules naming it and
// rules without a station.
func InterlocksFor(rules []Interlock, station string) []Interlock {
	var out []Interlock
	for _, r := range rules {
		if r.Station == "" || r.Station == station {
			out = append(out, r)
		}
	}
	return out
}

func encodeInterlocks(rules []Interlock) ([]byte, error) {
	if len(rules) > MaxInterlocks {
		return nil, fmt.Errorf("%w: %d interlocks, device holds %d", types.ErrResourceExhausted, len(rules), MaxInterlocks)
	}

	b := make([]byte, 0, 1+len(rules)*interlockLen)
	b = append(b, uint8(len(rules)))
	for _, r := range rules {
		if r.condition == 0 {
			if err := r.normalize(); err != nil {
				return nil, err
			}
		}
		b = binary.BigEndian.AppendUint16(b, r.ID)
		b = binary.BigEndian.AppendUint16(b, r.SensorSlot)
		b = append(b, r.condition)
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(r.Threshold))
		b = binary.BigEndian.AppendUint16(b, r.ActuatorSlot)
		b = append(b, byte(r.command))
		b = binary.BigEndian.AppendUint32(b, uint32(r.Delay/time.Millisecond))
	}
	return b, nil
}

// PushInterlocks replaces the interlock table of a device.
func (e *Engine) PushInterlocks(ctx context.Context, station string, rules []Interlock) error {
	rules = InterlocksFor(rules, station)
	data, err := encodeInterlocks(rules)
	if err != nil {
		return err
	}
	if err := e.Write(ctx, station, DeviceAddress(IndexInterlocks), data); err != nil {
		return err
	}

	e.logger.Info("Interlocks pushed", zap.String("station", station), zap.Int("rules", len(rules)))
	return nil
}
