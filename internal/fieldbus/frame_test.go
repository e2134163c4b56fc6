package fieldbus

import (
	"bytes"
	"encoding/hex"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

func testSession() Session {
	return Session{ARUUID: uuid.MustParse("6f1c2a8e-3b7d-4e51-9a0c-1d2e3f405162"), Key: 0x0102}
}

func testLayout() []types.ModuleSlot {
	return []types.ModuleSlot{
		types.NewSensorSlot(1, 0x00000101),
		types.NewActuatorSlot(9, 0x00000201),
	}
}

// Frames are compared with reflect.DeepEqual. The wire has no distinction
// between an empty and an absent blob, and empty blobs decode as nil, so
// fixtures use nil for empty data (see TestEmptyBlobDecodesNil).
func TestRoundTrip(t *testing.T) {
	frames := []Frame{
		&IdentifyRequest{XID: 7},
		&IdentifyRequest{XID: 0xFFFFFFFF, StationFilter: "rtu-1"},
		&IdentifyResponse{XID: 7, VendorID: 0x002A, DeviceID: 0x0405, Capabilities: 0x7F,
			IP: [4]byte{192, 168, 6, 21}, Port: 34964, StationName: "rtu-1"},
		&ConnectRequest{Session: testSession(), CycleTimeUS: 32000, WatchdogFactor: 3,
			StationName: "rtu-1", Modules: testLayout()},
		&ConnectResponse{Session: testSession(), Status: StatusOK, Modules: testLayout()},
		&ConnectResponse{Session: testSession(), Status: StatusCapabilityMismatch},
		&ParamEndRequest{Session: testSession()},
		&ParamEndResponse{Session: testSession(), Status: StatusOK},
		&ReleaseRequest{Session: testSession()},
		&ReleaseResponse{Session: testSession(), Status: StatusRejected},
		&CyclicOutput{CyclicData{SessionKey: 1, CycleCounter: 65535, DataStatus: DataStatusRun | DataStatusValid,
			Slots: []SlotData{{Slot: 9, Subslot: 1, Data: EncodeActuatorCommand(types.ActuatorPWM, 40), IOPS: IOPSGood}}}},
		&CyclicInput{CyclicData{SessionKey: 1, CycleCounter: 3, Slots: []SlotData{
			{Slot: 1, Subslot: 1, Data: EncodeSensorValue(7.25, types.QualityGood), IOPS: IOPSGood},
			{Slot: 9, Subslot: 1, Data: EncodeActuatorCommand(types.ActuatorOn, 0), IOPS: IOPSBad},
		}}},
		&CyclicInput{CyclicData{SessionKey: 2}},
		&RecordReadRequest{Correlation: 42, Target: Address{API: 0, Slot: 1, Subslot: 1, Index: 0xB000}, MaxLen: 256},
		&RecordReadResponse{Correlation: 42, Status: StatusOK, Target: Address{Slot: 1, Subslot: 1, Index: 0xB000}, Data: []byte{1, 2, 3}},
		&RecordReadResponse{Correlation: 43, Status: StatusInvalidIndex, Target: Address{Index: 0xFFFF}},
		&RecordWriteRequest{Correlation: 44, Target: Address{API: 1, Slot: 9, Subslot: 1, Index: 0xB101}, Data: []byte("cfg")},
		&RecordWriteResponse{Correlation: 44, Status: StatusBusy, Target: Address{API: 1, Slot: 9, Subslot: 1, Index: 0xB101}},
		&Alarm{SessionKey: 1, Severity: SeverityFatal, Reason: 0x8001, Slot: 9},
	}

	for _, f := range frames {
		t.Run(f.Type().String(), func(t *testing.T) {
			data, err := Encode(f)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if got := int(data[4])<<8 | int(data[5]); got != len(data) {
				t.Errorf("length field = %d, want %d", got, len(data))
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(decoded, f) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", decoded, f)
			}
		})
	}
}

func TestEmptyBlobDecodesNil(t *testing.T) {
	frames := []Frame{
		&RecordWriteRequest{Correlation: 1, Target: Address{Slot: 9, Subslot: 1, Index: 1}, Data: []byte{}},
		&CyclicOutput{CyclicData{SessionKey: 1, Slots: []SlotData{{Slot: 9, Subslot: 1, Data: []byte{}}}}},
	}
	for _, f := range frames {
		data, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode %T: %v", f, err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode %T: %v", f, err)
		}
		switch d := decoded.(type) {
		case *RecordWriteRequest:
			if d.Data != nil {
				t.Errorf("record data = %#v, want nil", d.Data)
			}
		case *CyclicOutput:
			if len(d.Slots) != 1 || d.Slots[0].Data != nil {
				t.Errorf("slot data = %#v, want nil", d.Slots)
			}
		}

		again, err := Encode(decoded)
		if err != nil || !bytes.Equal(again, data) {
			t.Errorf("%T: re-encoding the decoded frame changed the bytes", f)
		}
	}
}

func TestGoldenVectors(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{
			name:  "identify request",
			frame: &IdentifyRequest{XID: 0x01020304, StationFilter: "rtu-1"},
			want:  "574601010016000001cdbe8b01020304057274752d31",
		},
		{
			name: "actuator ON output",
			frame: &CyclicOutput{CyclicData{SessionKey: 1, CycleCounter: 1, DataStatus: DataStatusRun | DataStatusValid,
				Slots: []SlotData{{Slot: 9, Subslot: 1, Data: EncodeActuatorCommand(types.ActuatorOn, 0), IOPS: IOPSGood}}}},
			want: "57460120001d0000621e165a0001000114010009000100040100000080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if hex.EncodeToString(got) != tt.want {
				t.Errorf("Encode = %x, want %s", got, tt.want)
			}
		})
	}
}

func TestDecodeFailsClosed(t *testing.T) {
	valid, err := Encode(&ConnectResponse{Session: testSession(), Status: StatusOK, Modules: testLayout()})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	mutate := func(fn func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return fn(b)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, types.ErrMalformedFrame},
		{"short header", valid[:HeaderLen-1], types.ErrMalformedFrame},
		{"bad magic", mutate(func(b []byte) []byte { b[0] ^= 0xFF; return b }), types.ErrMalformedFrame},
		{"bad version", mutate(func(b []byte) []byte { b[2] = 9; return b }), types.ErrMalformedFrame},
		{"truncated", valid[:len(valid)-1], types.ErrMalformedFrame},
		{"trailing byte", append(append([]byte(nil), valid...), 0), types.ErrMalformedFrame},
		{"payload bit flip", mutate(func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }), types.ErrChecksumMismatch},
		{"crc bit flip", mutate(func(b []byte) []byte { b[crcOffset] ^= 0x80; return b }), types.ErrChecksumMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.data)
			if f != nil {
				t.Errorf("Decode returned frame %#v, want nil", f)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode error = %v, want %v", err, tt.want)
			}
			if !IsDecodeError(err) {
				t.Errorf("error %T is not a DecodeError", err)
			}
		})
	}
}

func TestDecodeRejectsValidCRCOverBadPayload(t *testing.T) {
	// A frame whose CRC is correct but whose module count overruns the buffer.
	w := newWriter(32)
	w.u16(Magic)
	w.u8(Version)
	w.u8(uint8(TypeConnectResponse))
	w.u16(0)
	w.u16(0)
	w.u32(0)
	testSession().encode(w)
	w.u8(uint8(StatusOK))
	w.u8(3) // three modules announced, none present
	buf := w.bytes()
	buf[4], buf[5] = byte(len(buf)>>8), byte(len(buf))
	sum := checksum(buf)
	buf[8], buf[9], buf[10], buf[11] = byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum)

	if _, err := Decode(buf); !errors.Is(err, types.ErrMalformedFrame) {
		t.Fatalf("Decode error = %v, want ErrMalformedFrame", err)
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	f := &RecordWriteRequest{Correlation: 1, Data: bytes.Repeat([]byte{0xAA}, MaxFrameLen)}
	if _, err := Encode(f); !errors.Is(err, types.ErrInvalidParam) {
		t.Fatalf("Encode error = %v, want ErrInvalidParam", err)
	}
	if _, err := Encode(nil); !errors.Is(err, types.ErrInvalidParam) {
		t.Fatalf("Encode(nil) error = %v, want ErrInvalidParam", err)
	}
}

func TestPeekHeader(t *testing.T) {
	data, err := Encode(&Alarm{SessionKey: 5, Severity: SeverityDiagnostic})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	h, err := PeekHeader(data)
	if err != nil {
		t.Fatalf("PeekHeader: %v", err)
	}
	if h.Type != TypeAlarm || int(h.Length) != len(data) {
		t.Errorf("header = %+v", h)
	}
}
