package types

import (
	"fmt"
	"strings"
	"time"
)

// Quality is the per-value trust tag. The numeric values are the wire encoding.
type Quality uint8

const (
	QualityGood         Quality = 0x00
	QualityUncertain    Quality = 0x40
	QualityBad          Quality = 0x80
	QualityNotConnected Quality = 0xC0
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "GOOD"
	case QualityUncertain:
		return "UNCERTAIN"
	case QualityBad:
		return "BAD"
	case QualityNotConnected:
		return "NOT_CONNECTED"
	default:
		return "INVALID"
	}
}

func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// Valid reports whether q is one of the four defined codes.
func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualityUncertain, QualityBad, QualityNotConnected:
		return true
	}
	return false
}

// ActuatorCommand is the command byte of an actuator output.
type ActuatorCommand uint8

const (
	ActuatorOff ActuatorCommand = 0x00
	ActuatorOn  ActuatorCommand = 0x01
	ActuatorPWM ActuatorCommand = 0x02
)

func (c ActuatorCommand) String() string {
	switch c {
	case ActuatorOff:
		return "OFF"
	case ActuatorOn:
		return "ON"
	case ActuatorPWM:
		return "PWM"
	default:
		return "INVALID"
	}
}

func (c ActuatorCommand) Valid() bool {
	return c <= ActuatorPWM
}

// ParseActuatorCommand accepts the names returned by String, case-insensitive.
func ParseActuatorCommand(s string) (ActuatorCommand, error) {
	switch strings.ToUpper(s) {
	case "OFF":
		return ActuatorOff, nil
	case "ON":
		return ActuatorOn, nil
	case "PWM":
		return ActuatorPWM, nil
	}
	return 0, fmt.Errorf("%w: actuator command %q", ErrInvalidParam, s)
}

// SlotValue is a copied, quality-tagged view of one input slot.
type SlotValue struct {
	Slot      uint16          `json:"slot"`
	Subslot   uint16          `json:"subslot"`
	Kind      SlotKind        `json:"kind"`
	Value     float32         `json:"value"`
	Command   ActuatorCommand `json:"command,omitempty"`
	Duty      uint8           `json:"duty,omitempty"`
	Raw       []byte          `json:"raw,omitempty"`
	Quality   Quality         `json:"quality"`
	UpdatedAt time.Time       `json:"updated_at"`
}
