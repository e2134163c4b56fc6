package fieldbus

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// Status is the result byte carried by every response frame.
type Status uint8

const (
	StatusOK                 Status = 0x00
	StatusRejected           Status = 0x01
	StatusCapabilityMismatch Status = 0x02
	StatusNoResources        Status = 0x03
	StatusInvalidIndex       Status = 0x04
	StatusBusy               Status = 0x05
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	case StatusCapabilityMismatch:
		return "capability-mismatch"
	case StatusNoResources:
		return "no-resources"
	case StatusInvalidIndex:
		return "invalid-index"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status-0x%02X", uint8(s))
	}
}

// IOPS values of a cyclic slot entry.
const (
	IOPSBad  uint8 = 0x00
	IOPSGood uint8 = 0x80
)

// Data status bits of a cyclic frame.
const (
	DataStatusValid uint8 = 0x04
	DataStatusRun   uint8 = 0x10
)

// Session identifies an AR on the wire.
type Session struct {
	ARUUID uuid.UUID
	Key    uint16
}

func (s Session) encode(w *writer) {
	w.raw(s.ARUUID[:])
	w.u16(s.Key)
}

func decodeSession(r *reader) Session {
	var s Session
	copy(s.ARUUID[:], r.take(16))
	s.Key = r.u16()
	return s
}

// IdentifyRequest asks every listening RTU (or the one named by
// StationFilter) to report its identity.
type IdentifyRequest struct {
	XID           uint32
	StationFilter string
}

func (*IdentifyRequest) Type() FrameType { return TypeIdentifyRequest }

func (f *IdentifyRequest) encodePayload(w *writer) {
	w.u32(f.XID)
	w.str(f.StationFilter)
}

func decodeIdentifyRequest(r *reader) *IdentifyRequest {
	return &IdentifyRequest{XID: r.u32(), StationFilter: r.str()}
}

type IdentifyResponse struct {
	XID          uint32
	VendorID     uint16
	DeviceID     uint16
	Capabilities uint32
	IP           [4]byte
	Port         uint16
	StationName  string
}

func (*IdentifyResponse) Type() FrameType { return TypeIdentifyResponse }

func (f *IdentifyResponse) encodePayload(w *writer) {
	w.u32(f.XID)
	w.u16(f.VendorID)
	w.u16(f.DeviceID)
	w.u32(f.Capabilities)
	w.raw(f.IP[:])
	w.u16(f.Port)
	w.str(f.StationName)
}

func decodeIdentifyResponse(r *reader) *IdentifyResponse {
	f := &IdentifyResponse{
		XID:          r.u32(),
		VendorID:     r.u16(),
		DeviceID:     r.u16(),
		Capabilities: r.u32(),
	}
	copy(f.IP[:], r.take(4))
	f.Port = r.u16()
	f.StationName = r.str()
	return f
}

const moduleEntryLen = 13

func encodeModules(w *writer, modules []types.ModuleSlot) {
	if len(modules) > 255 {
		w.fail(fmt.Errorf("%d modules exceed 255", len(modules)))
		return
	}
	w.u8(uint8(len(modules)))
	for _, m := range modules {
		w.u16(m.Slot)
		w.u16(m.Subslot)
		w.u32(m.ModuleIdent)
		switch m.Kind {
		case types.SlotKindSensor:
			w.u8(1)
		case types.SlotKindActuator:
			w.u8(2)
		default:
			w.fail(fmt.Errorf("slot %d: unknown kind %q", m.Slot, m.Kind))
			return
		}
		w.u16(m.InputLen)
		w.u16(m.OutputLen)
	}
}

func decodeModules(r *reader) []types.ModuleSlot {
	n := int(r.u8())
	if n == 0 || r.err != nil {
		return nil
	}
	if r.remaining() < n*moduleEntryLen {
		r.fail(errShort)
		return nil
	}
	modules := make([]types.ModuleSlot, n)
	for i := range modules {
		m := &modules[i]
		m.Slot = r.u16()
		m.Subslot = r.u16()
		m.ModuleIdent = r.u32()
		switch kind := r.u8(); kind {
		case 1:
			m.Kind = types.SlotKindSensor
		case 2:
			m.Kind = types.SlotKindActuator
		default:
			r.fail(fmt.Errorf("module %d: unknown kind %d", i, kind))
			return nil
		}
		m.InputLen = r.u16()
		m.OutputLen = r.u16()
	}
	return modules
}

// ConnectRequest opens an AR with the expected module layout.
type ConnectRequest struct {
	Session        Session
	CycleTimeUS    uint32
	WatchdogFactor uint16
	StationName    string
	Modules        []types.ModuleSlot
}

func (*ConnectRequest) Type() FrameType { return TypeConnectRequest }

func (f *ConnectRequest) encodePayload(w *writer) {
	f.Session.encode(w)
	w.u32(f.CycleTimeUS)
	w.u16(f.WatchdogFactor)
	w.str(f.StationName)
	encodeModules(w, f.Modules)
}

func decodeConnectRequest(r *reader) *ConnectRequest {
	return &ConnectRequest{
		Session:        decodeSession(r),
		CycleTimeUS:    r.u32(),
		WatchdogFactor: r.u16(),
		StationName:    r.str(),
		Modules:        decodeModules(r),
	}
}

// ConnectResponse carries the module layout the device actually accepted.
type ConnectResponse struct {
	Session Session
	Status  Status
	Modules []types.ModuleSlot
}

func (*ConnectResponse) Type() FrameType { return TypeConnectResponse }

func (f *ConnectResponse) encodePayload(w *writer) {
	f.Session.encode(w)
	w.u8(uint8(f.Status))
	encodeModules(w, f.Modules)
}

func decodeConnectResponse(r *reader) *ConnectResponse {
	return &ConnectResponse{
		Session: decodeSession(r),
		Status:  Status(r.u8()),
		Modules: decodeModules(r),
	}
}

type ParamEndRequest struct {
	Session Session
}

func (*ParamEndRequest) Type() FrameType { return TypeParamEndRequest }

func (f *ParamEndRequest) encodePayload(w *writer) { f.Session.encode(w) }

type ParamEndResponse struct {
	Session Session
	Status  Status
}

func (*ParamEndResponse) Type() FrameType { return TypeParamEndResponse }

func (f *ParamEndResponse) encodePayload(w *writer) {
	f.Session.encode(w)
	w.u8(uint8(f.Status))
}

type ReleaseRequest struct {
	Session Session
}

func (*ReleaseRequest) Type() FrameType { return TypeReleaseRequest }

func (f *ReleaseRequest) encodePayload(w *writer) { f.Session.encode(w) }

type ReleaseResponse struct {
	Session Session
	Status  Status
}

func (*ReleaseResponse) Type() FrameType { return TypeReleaseResponse }

func (f *ReleaseResponse) encodePayload(w *writer) {
	f.Session.encode(w)
	w.u8(uint8(f.Status))
}

// SlotData is one slot region of a cyclic frame.
type SlotData struct {
	Slot    uint16
	Subslot uint16
	Data    []byte
	IOPS    uint8
}

// CyclicData is the body shared by both cyclic directions.
type CyclicData struct {
	SessionKey   uint16
	CycleCounter uint16
	DataStatus   uint8
	Slots        []SlotData
}

func (d *CyclicData) encode(w *writer) {
	w.u16(d.SessionKey)
	w.u16(d.CycleCounter)
	w.u8(d.DataStatus)
	if len(d.Slots) > 255 {
		w.fail(fmt.Errorf("%d slots exceed 255", len(d.Slots)))
		return
	}
	w.u8(uint8(len(d.Slots)))
	for _, s := range d.Slots {
		w.u16(s.Slot)
		w.u16(s.Subslot)
		w.blob(s.Data)
		w.u8(s.IOPS)
	}
}

func decodeCyclic(r *reader) CyclicData {
	d := CyclicData{
		SessionKey:   r.u16(),
		CycleCounter: r.u16(),
		DataStatus:   r.u8(),
	}
	n := int(r.u8())
	if n == 0 || r.err != nil {
		return d
	}
	d.Slots = make([]SlotData, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		d.Slots = append(d.Slots, SlotData{
			Slot:    r.u16(),
			Subslot: r.u16(),
			Data:    r.blob(),
			IOPS:    r.u8(),
		})
	}
	return d
}

// Slot returns the entry for slot/subslot.
func (d *CyclicData) Slot(slot, subslot uint16) (SlotData, bool) {
	for _, s := range d.Slots {
		if s.Slot == slot && s.Subslot == subslot {
			return s, true
		}
	}
	return SlotData{}, false
}

// CyclicOutput is sent controller -> RTU every cycle.
type CyclicOutput struct {
	CyclicData
}

func (*CyclicOutput) Type() FrameType { return TypeCyclicOutput }

func (f *CyclicOutput) encodePayload(w *writer) { f.CyclicData.encode(w) }

// CyclicInput is sent RTU -> controller every cycle.
type CyclicInput struct {
	CyclicData
}

func (*CyclicInput) Type() FrameType { return TypeCyclicInput }

func (f *CyclicInput) encodePayload(w *writer) { f.CyclicData.encode(w) }

// Address is the record addressing tuple.
type Address struct {
	API     uint32
	Slot    uint16
	Subslot uint16
	Index   uint16
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d/%d/0x%04X", a.API, a.Slot, a.Subslot, a.Index)
}

func (a Address) encode(w *writer) {
	w.u32(a.API)
	w.u16(a.Slot)
	w.u16(a.Subslot)
	w.u16(a.Index)
}

func decodeAddress(r *reader) Address {
	return Address{API: r.u32(), Slot: r.u16(), Subslot: r.u16(), Index: r.u16()}
}

type RecordReadRequest struct {
	Correlation uint32
	Target      Address
	MaxLen      uint16
}

func (*RecordReadRequest) Type() FrameType { return TypeRecordReadRequest }

func (f *RecordReadRequest) encodePayload(w *writer) {
	w.u32(f.Correlation)
	f.Target.encode(w)
	w.u16(f.MaxLen)
}

func decodeRecordReadRequest(r *reader) *RecordReadRequest {
	return &RecordReadRequest{Correlation: r.u32(), Target: decodeAddress(r), MaxLen: r.u16()}
}

type RecordReadResponse struct {
	Correlation uint32
	Status      Status
	Target      Address
	Data        []byte
}

func (*RecordReadResponse) Type() FrameType { return TypeRecordReadResponse }

func (f *RecordReadResponse) encodePayload(w *writer) {
	w.u32(f.Correlation)
	w.u8(uint8(f.Status))
	f.Target.encode(w)
	w.blob(f.Data)
}

func decodeRecordReadResponse(r *reader) *RecordReadResponse {
	return &RecordReadResponse{
		Correlation: r.u32(),
		Status:      Status(r.u8()),
		Target:      decodeAddress(r),
		Data:        r.blob(),
	}
}

type RecordWriteRequest struct {
	Correlation uint32
	Target      Address
	Data        []byte
}

func (*RecordWriteRequest) Type() FrameType { return TypeRecordWriteRequest }

func (f *RecordWriteRequest) encodePayload(w *writer) {
	w.u32(f.Correlation)
	f.Target.encode(w)
	w.blob(f.Data)
}

func decodeRecordWriteRequest(r *reader) *RecordWriteRequest {
	return &RecordWriteRequest{Correlation: r.u32(), Target: decodeAddress(r), Data: r.blob()}
}

type RecordWriteResponse struct {
	Correlation uint32
	Status      Status
	Target      Address
}

func (*RecordWriteResponse) Type() FrameType { return TypeRecordWriteResponse }

func (f *RecordWriteResponse) encodePayload(w *writer) {
	w.u32(f.Correlation)
	w.u8(uint8(f.Status))
	f.Target.encode(w)
}

func decodeRecordWriteResponse(r *reader) *RecordWriteResponse {
	return &RecordWriteResponse{Correlation: r.u32(), Status: Status(r.u8()), Target: decodeAddress(r)}
}

// Alarm severities.
const (
	SeverityDiagnostic uint8 = 0x01
	SeverityFatal      uint8 = 0x02
)

// Alarm is an RTU-initiated notification. A fatal alarm aborts the AR.
type Alarm struct {
	SessionKey uint16
	Severity   uint8
	Reason     uint16
	Slot       uint16
}

func (*Alarm) Type() FrameType { return TypeAlarm }

func (f *Alarm) encodePayload(w *writer) {
	w.u16(f.SessionKey)
	w.u8(f.Severity)
	w.u16(f.Reason)
	w.u16(f.Slot)
}

func decodeAlarm(r *reader) *Alarm {
	return &Alarm{SessionKey: r.u16(), Severity: r.u8(), Reason: r.u16(), Slot: r.u16()}
}
