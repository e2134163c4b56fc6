package fieldbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// EncodeActuatorCommand returns the 4-byte actuator output payload:
// command, PWM duty, two reserved zero bytes.
func EncodeActuatorCommand(cmd types.ActuatorCommand, duty uint8) []byte {
	return []byte{byte(cmd), duty, 0, 0}
}

// DecodeActuatorCommand parses an actuator output or read-back payload.
func DecodeActuatorCommand(data []byte) (types.ActuatorCommand, uint8, error) {
	if len(data) != types.ActuatorOutputLen {
		return 0, 0, malformed("actuator payload is %d bytes", len(data))
	}
	cmd := types.ActuatorCommand(data[0])
	if !cmd.Valid() {
		return 0, 0, malformed("actuator command 0x%02X", data[0])
	}
	return cmd, data[1], nil
}

// EncodeSensorValue returns the 5-byte sensor payload: IEEE-754 float32
// followed by the quality byte.
func EncodeSensorValue(v float32, q types.Quality) []byte {
	buf := make([]byte, types.SensorInputLen)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	buf[4] = byte(q)
	return buf
}

// DecodeSensorValue parses a sensor payload. NaN values are reported BAD
// regardless of the quality byte.
func DecodeSensorValue(data []byte) (float32, types.Quality, error) {
	if len(data) != types.SensorInputLen {
		return 0, types.QualityBad, malformed("sensor payload is %d bytes", len(data))
	}
	q := types.Quality(data[4])
	if !q.Valid() {
		return 0, types.QualityBad, malformed("sensor quality 0x%02X", data[4])
	}
	v := math.Float32frombits(binary.BigEndian.Uint32(data))
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0, types.QualityBad, nil
	}
	return v, q, nil
}

// OutputRegion builds the output slot entries for a layout. commands maps
// slot number to an encoded actuator payload; actuator slots without an
// entry are held (IOPSBad) so the device keeps its current output.
func OutputRegion(layout []types.ModuleSlot, commands map[uint16][]byte) ([]SlotData, error) {
	slots := make([]SlotData, 0, len(layout))
	for _, m := range layout {
		if m.OutputLen == 0 {
			continue
		}
		data, ok := commands[m.Slot]
		if !ok {
			slots = append(slots, SlotData{Slot: m.Slot, Subslot: m.Subslot, Data: make([]byte, m.OutputLen), IOPS: IOPSBad})
			continue
		}
		if len(data) != int(m.OutputLen) {
			return nil, fmt.Errorf("%w: slot %d output is %d bytes, layout says %d",
				types.ErrInvalidParam, m.Slot, len(data), m.OutputLen)
		}
		slots = append(slots, SlotData{Slot: m.Slot, Subslot: m.Subslot, Data: data, IOPS: IOPSGood})
	}
	return slots, nil
}

// HoldRegion builds output slot entries flagged IOPSBad. A device keeps its
// current outputs when it receives them.
func HoldRegion(layout []types.ModuleSlot) []SlotData {
	slots := make([]SlotData, 0, len(layout))
	for _, m := range layout {
		if m.OutputLen == 0 {
			continue
		}
		slots = append(slots, SlotData{Slot: m.Slot, Subslot: m.Subslot, Data: make([]byte, m.OutputLen), IOPS: IOPSBad})
	}
	return slots
}
