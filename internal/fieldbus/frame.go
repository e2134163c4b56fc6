package fieldbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// Fixed header (12 bytes, big-endian):
//
//	0  magic     uint16
//	2  version   uint8
//	3  type      uint8
//	4  length    uint16 (total frame length, header included)
//	6  reserved  uint16 (zero)
//	8  crc32     uint32 (IEEE, computed with this field zeroed)
const (
	Magic       uint16 = 0x5746
	Version     uint8  = 1
	HeaderLen          = 12
	MaxFrameLen        = 1440

	crcOffset = 8
)

type FrameType uint8

const (
	TypeIdentifyRequest     FrameType = 0x01
	TypeIdentifyResponse    FrameType = 0x02
	TypeConnectRequest      FrameType = 0x10
	TypeConnectResponse     FrameType = 0x11
	TypeParamEndRequest     FrameType = 0x12
	TypeParamEndResponse    FrameType = 0x13
	TypeReleaseRequest      FrameType = 0x14
	TypeReleaseResponse     FrameType = 0x15
	TypeCyclicOutput        FrameType = 0x20
	TypeCyclicInput         FrameType = 0x21
	TypeRecordReadRequest   FrameType = 0x30
	TypeRecordReadResponse  FrameType = 0x31
	TypeRecordWriteRequest  FrameType = 0x32
	TypeRecordWriteResponse FrameType = 0x33
	TypeAlarm               FrameType = 0x40
)

func (t FrameType) String() string {
	switch t {
	case TypeIdentifyRequest:
		return "identify-req"
	case TypeIdentifyResponse:
		return "identify-rsp"
	case TypeConnectRequest:
		return "connect-req"
	case TypeConnectResponse:
		return "connect-rsp"
	case TypeParamEndRequest:
		return "param-end-req"
	case TypeParamEndResponse:
		return "param-end-rsp"
	case TypeReleaseRequest:
		return "release-req"
	case TypeReleaseResponse:
		return "release-rsp"
	case TypeCyclicOutput:
		return "cyclic-out"
	case TypeCyclicInput:
		return "cyclic-in"
	case TypeRecordReadRequest:
		return "record-read-req"
	case TypeRecordReadResponse:
		return "record-read-rsp"
	case TypeRecordWriteRequest:
		return "record-write-req"
	case TypeRecordWriteResponse:
		return "record-write-rsp"
	case TypeAlarm:
		return "alarm"
	default:
		return fmt.Sprintf("type-0x%02X", uint8(t))
	}
}

// Frame is implemented by every typed frame description.
type Frame interface {
	Type() FrameType
	encodePayload(w *writer)
}

// DecodeError is returned for every rejected buffer. It unwraps to
// types.ErrMalformedFrame or types.ErrChecksumMismatch.
type DecodeError struct {
	Kind   error
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func malformed(format string, args ...any) error {
	return &DecodeError{Kind: types.ErrMalformedFrame, Reason: fmt.Sprintf(format, args...)}
}

// Header is the parsed fixed header of a frame.
type Header struct {
	Type     FrameType
	Length   uint16
	Checksum uint32
}

// Encode builds the wire representation of f with length and CRC filled in.
func Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", types.ErrInvalidParam)
	}

	w := newWriter(HeaderLen + 64)
	w.u16(Magic)
	w.u8(Version)
	w.u8(uint8(f.Type()))
	w.u16(0) // length placeholder
	w.u16(0)
	w.u32(0) // crc placeholder

	f.encodePayload(w)
	if w.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidParam, f.Type(), w.err)
	}

	buf := w.bytes()
	if len(buf) > MaxFrameLen {
		return nil, fmt.Errorf("%w: %s frame is %d bytes (max %d)", types.ErrInvalidParam, f.Type(), len(buf), MaxFrameLen)
	}

	binary.BigEndian.PutUint16(buf[4:6], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[crcOffset:], checksum(buf))

	return buf, nil
}

// PeekHeader validates the fixed header and checksum without interpreting
// the payload.
func PeekHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, malformed("frame too short: %d bytes", len(data))
	}
	if m := binary.BigEndian.Uint16(data[0:2]); m != Magic {
		return Header{}, malformed("bad magic 0x%04X", m)
	}
	if v := data[2]; v != Version {
		return Header{}, malformed("unsupported version %d", v)
	}

	h := Header{
		Type:     FrameType(data[3]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint32(data[crcOffset:]),
	}

	if int(h.Length) != len(data) {
		return Header{}, malformed("length field %d does not match buffer %d", h.Length, len(data))
	}
	if r := binary.BigEndian.Uint16(data[6:8]); r != 0 {
		return Header{}, malformed("reserved field 0x%04X", r)
	}
	if sum := checksum(data); sum != h.Checksum {
		return Header{}, &DecodeError{
			Kind:   types.ErrChecksumMismatch,
			Reason: fmt.Sprintf("crc 0x%08X, computed 0x%08X", h.Checksum, sum),
		}
	}

	return h, nil
}

// Decode validates and parses a complete frame. On any error no frame is
// returned.
func Decode(data []byte) (Frame, error) {
	h, err := PeekHeader(data)
	if err != nil {
		return nil, err
	}

	r := newReader(data[HeaderLen:])
	var f Frame

	switch h.Type {
	case TypeIdentifyRequest:
		f = decodeIdentifyRequest(r)
	case TypeIdentifyResponse:
		f = decodeIdentifyResponse(r)
	case TypeConnectRequest:
		f = decodeConnectRequest(r)
	case TypeConnectResponse:
		f = decodeConnectResponse(r)
	case TypeParamEndRequest:
		f = &ParamEndRequest{Session: decodeSession(r)}
	case TypeParamEndResponse:
		f = &ParamEndResponse{Session: decodeSession(r), Status: Status(r.u8())}
	case TypeReleaseRequest:
		f = &ReleaseRequest{Session: decodeSession(r)}
	case TypeReleaseResponse:
		f = &ReleaseResponse{Session: decodeSession(r), Status: Status(r.u8())}
	case TypeCyclicOutput:
		f = &CyclicOutput{CyclicData: decodeCyclic(r)}
	case TypeCyclicInput:
		f = &CyclicInput{CyclicData: decodeCyclic(r)}
	case TypeRecordReadRequest:
		f = decodeRecordReadRequest(r)
	case TypeRecordReadResponse:
		f = decodeRecordReadResponse(r)
	case TypeRecordWriteRequest:
		f = decodeRecordWriteRequest(r)
	case TypeRecordWriteResponse:
		f = decodeRecordWriteResponse(r)
	case TypeAlarm:
		f = decodeAlarm(r)
	default:
		return nil, malformed("unknown frame type 0x%02X", uint8(h.Type))
	}

	if r.err != nil {
		return nil, malformed("%s: %v", h.Type, r.err)
	}
	if r.remaining() != 0 {
		return nil, malformed("%s: %d trailing bytes", h.Type, r.remaining())
	}

	return f, nil
}

// IsDecodeError reports whether err came from frame validation.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func checksum(frame []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(frame[:crcOffset])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(frame[crcOffset+4:])
	return h.Sum32()
}
