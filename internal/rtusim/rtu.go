// Package rtusim is a simulated RTU speaking the fieldbus protocol. It backs
// protocol-level tests and the bench simulator binary.
package rtusim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/transport"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

const pollInterval = 50 * time.Millisecond

type Config struct {
	StationName  string
	VendorID     uint16
	DeviceID     uint16
	Capabilities types.Capability
	Layout       []types.ModuleSlot
	Port         uint16
}

// Faults injects misbehaviour. The zero value is a healthy device.
type Faults struct {
	ConnectStatus  fieldbus.Status    // non-OK rejects connect requests
	AcceptedLayout []types.ModuleSlot // echoed instead of the real layout
	DropConnect    bool               // never answer connect requests
	MuteCyclic     bool               // stop answering cyclic output
	CorruptCyclic  bool               // answer cyclic output with a bad CRC
	RecordStatus   fieldbus.Status    // non-OK fails every record request
	RecordDelay    time.Duration
	DropRecords    int // ignore the next n record requests
}

type sensor struct {
	value   float32
	quality types.Quality
}

type RTU struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	faults    Faults
	session   fieldbus.Session
	connected bool
	sensors   map[uint16]sensor
	outputs   map[uint16][]byte
	records   map[fieldbus.Address][]byte
	last      *fieldbus.CyclicOutput
	frames    int
	send      func(context.Context, []byte) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger *zap.Logger) *RTU {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RTU{
		cfg:     cfg,
		logger:  logger.With(zap.String("rtu", cfg.StationName)),
		sensors: make(map[uint16]sensor),
		outputs: make(map[uint16][]byte),
		records: make(map[fieldbus.Address][]byte),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, m := range cfg.Layout {
		if m.Kind == types.SlotKindSensor {
			r.sensors[m.Slot] = sensor{quality: types.QualityGood}
		}
	}
	return r
}

// Identity returns the identify response this RTU advertises.
func (r *RTU) Identity() fieldbus.IdentifyResponse {
	return fieldbus.IdentifyResponse{
		VendorID:     r.cfg.VendorID,
		DeviceID:     r.cfg.DeviceID,
		Capabilities: uint32(r.cfg.Capabilities),
		Port:         r.cfg.Port,
		StationName:  r.cfg.StationName,
	}
}

// Attach registers the RTU on a pipe dialer under address.
func (r *RTU) Attach(d *transport.PipeDialer, address string) {
	d.Listen(address, func(p *transport.PipeEnd) {
		r.wg.Add(1)
		defer r.wg.Done()
		defer p.Close()
		if err := r.Serve(r.ctx, p); err != nil {
			r.logger.Debug("Pipe session ended", zap.Error(err))
		}
	})
}

// Serve answers frames arriving on tr until ctx ends or tr closes.
func (r *RTU) Serve(ctx context.Context, tr transport.Transport) error {
	r.mu.Lock()
	r.send = tr.Send
	r.mu.Unlock()

	for {
		data, err := tr.Receive(ctx, pollInterval)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, types.ErrTimeout) {
				continue
			}
			return err
		}

		for _, out := range r.handle(data) {
			if err := tr.Send(ctx, out); err != nil {
				return err
			}
		}
	}
}

// ServeUDP answers frames on a UDP socket, replying to each sender.
func (r *RTU) ServeUDP(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, fieldbus.MaxFrameLen+1)
	var (
		peerMu sync.Mutex
		peer   net.Addr
	)

	r.mu.Lock()
	r.send = func(_ context.Context, data []byte) error {
		peerMu.Lock()
		to := peer
		peerMu.Unlock()
		if to == nil {
			return types.ErrNotConnected
		}
		_, err := conn.WriteTo(data, to)
		return err
	}
	r.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		peerMu.Lock()
		peer = src
		peerMu.Unlock()

		for _, out := range r.handle(buf[:n]) {
			if _, err := conn.WriteTo(out, src); err != nil {
				r.logger.Debug("Reply failed", zap.Error(err))
			}
		}
	}
}

// handle decodes one inbound frame and returns the encoded replies.
func (r *RTU) handle(data []byte) [][]byte {
	frame, err := fieldbus.Decode(data)
	if err != nil {
		r.logger.Debug("Dropping malformed frame", zap.Error(err))
		return nil
	}

	var replies []fieldbus.Frame
	corrupt := false

	switch f := frame.(type) {
	case *fieldbus.IdentifyRequest:
		if f.StationFilter == "" || f.StationFilter == r.cfg.StationName {
			id := r.Identity()
			id.XID = f.XID
			replies = append(replies, &id)
		}

	case *fieldbus.ConnectRequest:
		if resp := r.connect(f); resp != nil {
			replies = append(replies, resp)
		}

	case *fieldbus.ParamEndRequest:
		replies = append(replies, r.paramEnd(f))

	case *fieldbus.ReleaseRequest:
		r.mu.Lock()
		status := fieldbus.StatusOK
		if f.Session != r.session {
			status = fieldbus.StatusRejected
		} else {
			r.connected = false
		}
		r.mu.Unlock()
		replies = append(replies, &fieldbus.ReleaseResponse{Session: f.Session, Status: status})

	case *fieldbus.CyclicOutput:
		var in *fieldbus.CyclicInput
		in, corrupt = r.cyclic(f)
		if in != nil {
			replies = append(replies, in)
		}

	case *fieldbus.RecordReadRequest:
		if resp := r.recordRead(f); resp != nil {
			replies = append(replies, resp)
		}

	case *fieldbus.RecordWriteRequest:
		if resp := r.recordWrite(f); resp != nil {
			replies = append(replies, resp)
		}
	}

	out := make([][]byte, 0, len(replies))
	for _, reply := range replies {
		b, err := fieldbus.Encode(reply)
		if err != nil {
			r.logger.Error("Failed to encode reply", zap.Error(err))
			continue
		}
		if corrupt {
			b[len(b)-1] ^= 0xFF
		}
		out = append(out, b)
	}
	return out
}

func (r *RTU) connect(f *fieldbus.ConnectRequest) *fieldbus.ConnectResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.faults.DropConnect {
		return nil
	}
	if r.faults.ConnectStatus != fieldbus.StatusOK {
		return &fieldbus.ConnectResponse{Session: f.Session, Status: r.faults.ConnectStatus}
	}
	if f.StationName != r.cfg.StationName {
		return &fieldbus.ConnectResponse{Session: f.Session, Status: fieldbus.StatusRejected}
	}

	accepted := r.cfg.Layout
	if r.faults.AcceptedLayout != nil {
		accepted = r.faults.AcceptedLayout
	} else if !types.SameLayout(f.Modules, r.cfg.Layout) {
		return &fieldbus.ConnectResponse{Session: f.Session, Status: fieldbus.StatusCapabilityMismatch, Modules: r.cfg.Layout}
	}

	r.session = f.Session
	r.connected = false
	return &fieldbus.ConnectResponse{Session: f.Session, Status: fieldbus.StatusOK, Modules: accepted}
}

func (r *RTU) paramEnd(f *fieldbus.ParamEndRequest) *fieldbus.ParamEndResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Session != r.session {
		return &fieldbus.ParamEndResponse{Session: f.Session, Status: fieldbus.StatusRejected}
	}
	r.connected = true
	return &fieldbus.ParamEndResponse{Session: f.Session, Status: fieldbus.StatusOK}
}

func (r *RTU) cyclic(f *fieldbus.CyclicOutput) (*fieldbus.CyclicInput, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected || f.SessionKey != r.session.Key {
		return nil, false
	}

	r.frames++
	last := *f
	last.Slots = append([]fieldbus.SlotData(nil), f.Slots...)
	r.last = &last

	for _, s := range f.Slots {
		if s.IOPS == fieldbus.IOPSGood {
			r.outputs[s.Slot] = append([]byte(nil), s.Data...)
		}
	}

	if r.faults.MuteCyclic {
		return nil, false
	}

	in := &fieldbus.CyclicInput{CyclicData: fieldbus.CyclicData{
		SessionKey:   f.SessionKey,
		CycleCounter: f.CycleCounter,
		DataStatus:   fieldbus.DataStatusValid | fieldbus.DataStatusRun,
	}}
	for _, m := range r.cfg.Layout {
		var data []byte
		switch m.Kind {
		case types.SlotKindSensor:
			s := r.sensors[m.Slot]
			data = fieldbus.EncodeSensorValue(s.value, s.quality)
		case types.SlotKindActuator:
			data = r.outputs[m.Slot]
			if data == nil {
				data = fieldbus.EncodeActuatorCommand(types.ActuatorOff, 0)
			}
		}
		in.Slots = append(in.Slots, fieldbus.SlotData{
			Slot:    m.Slot,
			Subslot: m.Subslot,
			Data:    data,
			IOPS:    fieldbus.IOPSGood,
		})
	}
	return in, r.faults.CorruptCyclic
}

// recordFault applies delay and drop faults. It reports whether the request
// must go unanswered and returns the configured status.
func (r *RTU) recordFault() (bool, fieldbus.Status) {
	r.mu.Lock()
	delay := r.faults.RecordDelay
	drop := r.faults.DropRecords > 0
	if drop {
		r.faults.DropRecords--
	}
	status := r.faults.RecordStatus
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return drop, status
}

func (r *RTU) recordRead(f *fieldbus.RecordReadRequest) *fieldbus.RecordReadResponse {
	drop, status := r.recordFault()
	if drop {
		return nil
	}
	resp := &fieldbus.RecordReadResponse{Correlation: f.Correlation, Target: f.Target, Status: status}
	if status != fieldbus.StatusOK {
		return resp
	}

	r.mu.Lock()
	data, ok := r.records[f.Target]
	r.mu.Unlock()
	if !ok {
		resp.Status = fieldbus.StatusInvalidIndex
		return resp
	}
	if f.MaxLen > 0 && len(data) > int(f.MaxLen) {
		data = data[:f.MaxLen]
	}
	resp.Data = append([]byte(nil), data...)
	return resp
}

func (r *RTU) recordWrite(f *fieldbus.RecordWriteRequest) *fieldbus.RecordWriteResponse {
	drop, status := r.recordFault()
	if drop {
		return nil
	}
	resp := &fieldbus.RecordWriteResponse{Correlation: f.Correlation, Target: f.Target, Status: status}
	if status == fieldbus.StatusOK {
		r.mu.Lock()
		r.records[f.Target] = append([]byte(nil), f.Data...)
		r.mu.Unlock()
	}
	return resp
}

// SendAlarm pushes an alarm frame to the controller of the current session.
func (r *RTU) SendAlarm(ctx context.Context, severity uint8, reason, slot uint16) error {
	r.mu.Lock()
	send := r.send
	key := r.session.Key
	r.mu.Unlock()

	if send == nil {
		return types.ErrNotConnected
	}
	data, err := fieldbus.Encode(&fieldbus.Alarm{SessionKey: key, Severity: severity, Reason: reason, Slot: slot})
	if err != nil {
		return err
	}
	return send(ctx, data)
}

func (r *RTU) SetSensor(slot uint16, value float32, q types.Quality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors[slot] = sensor{value: value, quality: q}
}

// Output returns the last output bytes applied to an actuator slot.
func (r *RTU) Output(slot uint16) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.outputs[slot]
	return append([]byte(nil), b...), ok
}

// SetOutput overrides an actuator read-back, as a local hand switch would.
func (r *RTU) SetOutput(slot uint16, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[slot] = append([]byte(nil), data...)
}

// LastOutput returns a copy of the most recent cyclic output frame.
func (r *RTU) LastOutput() *fieldbus.CyclicOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	last := *r.last
	last.Slots = append([]fieldbus.SlotData(nil), r.last.Slots...)
	return &last
}

// CyclicFrames counts accepted cyclic output frames.
func (r *RTU) CyclicFrames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *RTU) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *RTU) Record(addr fieldbus.Address) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.records[addr]
	return append([]byte(nil), b...), ok
}

func (r *RTU) SetRecord(addr fieldbus.Address, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[addr] = append([]byte(nil), data...)
}

func (r *RTU) SetFaults(f Faults) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = f
}

func (r *RTU) String() string {
	return fmt.Sprintf("rtu(%s)", r.cfg.StationName)
}

// Close stops every pipe session.
func (r *RTU) Close() {
	r.cancel()
	r.wg.Wait()
}
