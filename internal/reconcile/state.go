package reconcile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"strings"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

const (
	MaxActuators = 64
	MaxLoops     = 32

	recordVersion uint8 = 1

	// magic(4) version(1) flags(1) sequence(4) timestamp(8) checksum(4)
	headerLen      = 22
	checksumOffset = 18
	actuatorLen    = 8
	loopLen        = 12
)

var recordMagic = [4]byte{'W', 'T', 'D', 'S'}

type PIDMode uint8

const (
	PIDOff PIDMode = iota
	PIDManual
	PIDAuto
	PIDCascade
)

func (m PIDMode) String() string {
	switch m {
	case PIDOff:
		return "OFF"
	case PIDManual:
		return "MANUAL"
	case PIDAuto:
		return "AUTO"
	case PIDCascade:
		return "CASCADE"
	default:
		return "INVALID"
	}
}

func (m PIDMode) Valid() bool { return m <= PIDCascade }

func ParsePIDMode(s string) (PIDMode, error) {
	for m := PIDOff; m <= PIDCascade; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: PID mode %q", types.ErrInvalidParam, s)
}

func (m PIDMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

type ActuatorEntry struct {
	Slot    uint16                `json:"slot"`
	Command types.ActuatorCommand `json:"command"`
	Duty    uint8                 `json:"duty"`
	Epoch   uint32                `json:"epoch"`
}

type PIDLoop struct {
	LoopID   uint16  `json:"loop_id"`
	Mode     PIDMode `json:"mode"`
	Setpoint float64 `json:"setpoint"`
}

// DesiredState is the controller-authoritative record for one station.
// Checksum is the CRC-32 of the encoded record with the checksum field zeroed.
type DesiredState struct {
	Station   string          `json:"station"`
	Sequence  uint32          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Checksum  uint32          `json:"checksum"`
	Actuators []ActuatorEntry `json:"actuators"`
	Loops     []PIDLoop       `json:"loops"`
}

func (d *DesiredState) clone() DesiredState {
	c := *d
	c.Actuators = append([]ActuatorEntry(nil), d.Actuators...)
	c.Loops = append([]PIDLoop(nil), d.Loops...)
	return c
}

// Actuator returns the entry for slot.
func (d *DesiredState) Actuator(slot uint16) (ActuatorEntry, bool) {
	for _, a := range d.Actuators {
		if a.Slot == slot {
			return a, true
		}
	}
	return ActuatorEntry{}, false
}

func (d *DesiredState) Loop(id uint16) (PIDLoop, bool) {
	for _, l := range d.Loops {
		if l.LoopID == id {
			return l, true
		}
	}
	return PIDLoop{}, false
}

// encode writes the record with the given checksum value.
func (d *DesiredState) encode(checksum uint32) ([]byte, error) {
	if len(d.Station) > types.MaxStationNameLen {
		return nil, fmt.Errorf("%w: station name too long", types.ErrInvalidParam)
	}
	if len(d.Actuators) > MaxActuators || len(d.Loops) > MaxLoops {
		return nil, fmt.Errorf("%w: %d actuators, %d loops", types.ErrResourceExhausted, len(d.Actuators), len(d.Loops))
	}

	buf := make([]byte, 0, headerLen+1+len(d.Station)+4+len(d.Actuators)*actuatorLen+len(d.Loops)*loopLen)
	buf = append(buf, recordMagic[:]...)
	buf = append(buf, recordVersion, 0)
	buf = binary.BigEndian.AppendUint32(buf, d.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, uint64(d.Timestamp.UnixNano()))
	buf = binary.BigEndian.AppendUint32(buf, checksum)

	buf = append(buf, uint8(len(d.Station)))
	buf = append(buf, d.Station...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(d.Actuators)))
	for _, a := range d.Actuators {
		buf = binary.BigEndian.AppendUint16(buf, a.Slot)
		buf = append(buf, byte(a.Command), a.Duty)
		buf = binary.BigEndian.AppendUint32(buf, a.Epoch)
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(d.Loops)))
	for _, l := range d.Loops {
		buf = binary.BigEndian.AppendUint16(buf, l.LoopID)
		buf = append(buf, byte(l.Mode), 0)
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(l.Setpoint))
	}
	return buf, nil
}

// ComputeChecksum returns the checksum the record should carry.
func (d *DesiredState) ComputeChecksum() uint32 {
	b, err := d.encode(0)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(b)
}

func (d *DesiredState) ValidChecksum() bool {
	return d.Checksum == d.ComputeChecksum()
}

func (d *DesiredState) seal() {
	d.Checksum = d.ComputeChecksum()
}

// MarshalBinary encodes the record, including its current checksum.
func (d *DesiredState) MarshalBinary() ([]byte, error) {
	return d.encode(d.Checksum)
}

// UnmarshalBinary decodes a persisted record. Any integrity failure leaves d
// untouched.
func (d *DesiredState) UnmarshalBinary(data []byte) error {
	if err := ValidateRecord(data); err != nil {
		return err
	}

	r := bytes.NewReader(data[headerLen:])
	var out DesiredState
	out.Sequence = binary.BigEndian.Uint32(data[6:10])
	out.Timestamp = time.Unix(0, int64(binary.BigEndian.Uint64(data[10:18])))
	out.Checksum = binary.BigEndian.Uint32(data[checksumOffset:headerLen])

	nameLen, err := r.ReadByte()
	if err != nil {
		return malformed("station name length")
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return malformed("station name")
	}
	out.Station = string(name)

	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return malformed("actuator count")
	}
	if count > MaxActuators {
		return malformed("%d actuators", count)
	}
	for i := 0; i < int(count); i++ {
		var raw [actuatorLen]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return malformed("actuator %d", i)
		}
		a := ActuatorEntry{
			Slot:    binary.BigEndian.Uint16(raw[0:2]),
			Command: types.ActuatorCommand(raw[2]),
			Duty:    raw[3],
			Epoch:   binary.BigEndian.Uint32(raw[4:8]),
		}
		if !a.Command.Valid() {
			return malformed("actuator %d command 0x%02X", i, raw[2])
		}
		out.Actuators = append(out.Actuators, a)
	}

	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return malformed("loop count")
	}
	if count > MaxLoops {
		return malformed("%d loops", count)
	}
	for i := 0; i < int(count); i++ {
		var raw [loopLen]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return malformed("loop %d", i)
		}
		l := PIDLoop{
			LoopID:   binary.BigEndian.Uint16(raw[0:2]),
			Mode:     PIDMode(raw[2]),
			Setpoint: math.Float64frombits(binary.BigEndian.Uint64(raw[4:12])),
		}
		if !l.Mode.Valid() {
			return malformed("loop %d mode 0x%02X", i, raw[2])
		}
		out.Loops = append(out.Loops, l)
	}

	if r.Len() != 0 {
		return malformed("%d trailing bytes", r.Len())
	}

	*d = out
	return nil
}

// ValidateRecord checks magic, version and checksum of a persisted record.
func ValidateRecord(data []byte) error {
	if len(data) < headerLen {
		return malformed("record is %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], recordMagic[:]) {
		return malformed("bad magic")
	}
	if data[4] != recordVersion {
		return malformed("unsupported version %d", data[4])
	}

	want := binary.BigEndian.Uint32(data[checksumOffset:headerLen])
	h := crc32.NewIEEE()
	h.Write(data[:checksumOffset])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(data[headerLen:])
	if h.Sum32() != want {
		return fmt.Errorf("%w: desired-state record", types.ErrChecksumMismatch)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: desired-state record: %s", types.ErrMalformedFrame, fmt.Sprintf(format, args...))
}
