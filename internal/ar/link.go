package ar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/transport"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

const (
	linkPoll     = 100 * time.Millisecond
	recordQueue  = 4
	controlQueue = 4
)

// Link owns the transport of one AR. A single reader goroutine routes
// inbound frames: cyclic input (latest wins), record responses, control
// responses and alarms. Malformed frames are dropped and counted.
type Link struct {
	station string
	tr      transport.Transport
	logger  *zap.Logger

	cyclicIn chan *fieldbus.CyclicInput
	records  chan fieldbus.Frame
	control  chan fieldbus.Frame

	onAlarm func(*Link, *fieldbus.Alarm)
	onDown  func(*Link, error)

	malformed  atomic.Uint64
	sessionKey atomic.Uint32

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newLink(station string, tr transport.Transport, logger *zap.Logger) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		station:  station,
		tr:       tr,
		logger:   logger,
		cyclicIn: make(chan *fieldbus.CyclicInput, 1),
		records:  make(chan fieldbus.Frame, recordQueue),
		control:  make(chan fieldbus.Frame, controlQueue),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (l *Link) start() {
	go l.run()
}

func (l *Link) Station() string { return l.station }

// SessionKey is the key negotiated for the AR carried by this link.
func (l *Link) SessionKey() uint16 { return uint16(l.sessionKey.Load()) }

// Malformed returns the number of inbound frames dropped by the codec.
func (l *Link) Malformed() uint64 { return l.malformed.Load() }

// Done is closed once the link is shut down.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) Send(ctx context.Context, f fieldbus.Frame) error {
	select {
	case <-l.done:
		return fmt.Errorf("%w: link to %s closed", types.ErrNotConnected, l.station)
	default:
	}

	data, err := fieldbus.Encode(f)
	if err != nil {
		return err
	}
	return l.tr.Send(ctx, data)
}

// ReceiveCyclic waits at most timeout for the next cyclic input frame.
func (l *Link) ReceiveCyclic(ctx context.Context, timeout time.Duration) (*fieldbus.CyclicInput, error) {
	return receive(ctx, l, l.cyclicIn, timeout)
}

// ReceiveRecord waits at most timeout for the next record response.
func (l *Link) ReceiveRecord(ctx context.Context, timeout time.Duration) (fieldbus.Frame, error) {
	return receive(ctx, l, l.records, timeout)
}

// DrainRecords discards record responses left over from earlier requests.
func (l *Link) DrainRecords() {
	for {
		select {
		case <-l.records:
		default:
			return
		}
	}
}

// awaitControl waits for a control response of type want belonging to
// session. Responses for other sessions are stale and skipped.
func (l *Link) awaitControl(ctx context.Context, want fieldbus.FrameType, session fieldbus.Session, timeout time.Duration) (fieldbus.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: no %s from %s", types.ErrTimeout, want, l.station)
		}

		f, err := receive(ctx, l, l.control, remaining)
		if err != nil {
			return nil, err
		}
		if f.Type() != want || controlSession(f) != session {
			l.logger.Debug("Skipping stale control response",
				zap.String("station", l.station),
				zap.Stringer("type", f.Type()))
			continue
		}
		return f, nil
	}
}

func controlSession(f fieldbus.Frame) fieldbus.Session {
	switch m := f.(type) {
	case *fieldbus.ConnectResponse:
		return m.Session
	case *fieldbus.ParamEndResponse:
		return m.Session
	case *fieldbus.ReleaseResponse:
		return m.Session
	}
	return fieldbus.Session{}
}

func receive[T any](ctx context.Context, l *Link, ch chan T, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v, nil
	case <-l.done:
		return zero, fmt.Errorf("%w: link to %s closed", types.ErrNotConnected, l.station)
	case <-timer.C:
		return zero, types.ErrTimeout
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v", types.ErrTimeout, ctx.Err())
	}
}

func (l *Link) run() {
	for {
		data, err := l.tr.Receive(l.ctx, linkPoll)
		if l.ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, types.ErrTimeout) {
				continue
			}
			l.shutdown()
			l.logger.Warn("Link lost",
				zap.String("station", l.station),
				zap.Error(err))
			if l.onDown != nil {
				l.onDown(l, err)
			}
			return
		}

		frame, err := fieldbus.Decode(data)
		if err != nil {
			l.malformed.Add(1)
			l.logger.Debug("Dropping malformed frame",
				zap.String("station", l.station),
				zap.Error(err))
			continue
		}

		switch f := frame.(type) {
		case *fieldbus.CyclicInput:
			deliverLatest(l.cyclicIn, f)
		case *fieldbus.RecordReadResponse, *fieldbus.RecordWriteResponse:
			l.offer(l.records, frame)
		case *fieldbus.ConnectResponse, *fieldbus.ParamEndResponse, *fieldbus.ReleaseResponse:
			l.offer(l.control, frame)
		case *fieldbus.Alarm:
			if l.onAlarm != nil {
				l.onAlarm(l, f)
			}
		default:
			l.malformed.Add(1)
			l.logger.Debug("Unexpected frame on link",
				zap.String("station", l.station),
				zap.Stringer("type", frame.Type()))
		}
	}
}

func deliverLatest(ch chan *fieldbus.CyclicInput, f *fieldbus.CyclicInput) {
	select {
	case ch <- f:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- f:
	default:
	}
}

func (l *Link) offer(ch chan fieldbus.Frame, f fieldbus.Frame) {
	select {
	case ch <- f:
	default:
		l.logger.Debug("Dropping unclaimed response",
			zap.String("station", l.station),
			zap.Stringer("type", f.Type()))
	}
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		l.cancel()
		close(l.done)
		l.tr.Close()
	})
}

// Close stops the reader and closes the transport. It does not wait for the
// reader goroutine, which exits within one poll interval.
func (l *Link) Close() error {
	l.shutdown()
	return nil
}
