package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/ar"
	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 2

	// MaxRecordLen is the largest record payload that fits one frame.
	MaxRecordLen = fieldbus.MaxFrameLen - fieldbus.HeaderLen - 16
)

type Config struct {
	Timeout time.Duration
	Retries int
}

// Links gives access to the live link of a RUNNING AR. ar.Manager implements it.
type Links interface {
	Link(station string) (*ar.Link, error)
	TransportFailed(station string, err error)
	Resolve(station string) string
}

// Expect bounds the size of a record response payload.
type Expect struct {
	Min int
	Max int
}

func (e Expect) check(n int) error {
	if n < e.Min || (e.Max > 0 && n > e.Max) {
		return fmt.Errorf("%w: record of %d bytes, expected %d..%d", types.ErrMalformedFrame, n, e.Min, e.Max)
	}
	return nil
}

// Engine runs acyclic record requests, at most one in flight per device.
type Engine struct {
	cfg    Config
	links  Links
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool

	correlation atomic.Uint32
}

func NewEngine(cfg Config, links Links, logger *zap.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Engine{
		cfg:      cfg,
		links:    links,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

func (e *Engine) acquire(station string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[station] {
		return false
	}
	e.inflight[station] = true
	return true
}

func (e *Engine) release(station string) {
	e.mu.Lock()
	delete(e.inflight, station)
	e.mu.Unlock()
}

// Busy reports whether a request to station is outstanding.
func (e *Engine) Busy(station string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[e.links.Resolve(station)]
}

// Read fetches one record. The payload must satisfy expect.
func (e *Engine) Read(ctx context.Context, station string, addr fieldbus.Address, expect Expect) ([]byte, error) {
	if expect.Min < 0 || expect.Max < expect.Min || expect.Max > MaxRecordLen {
		return nil, fmt.Errorf("%w: expected size %d..%d", types.ErrInvalidParam, expect.Min, expect.Max)
	}

	resp, err := e.call(ctx, station, addr, func(corr uint32) fieldbus.Frame {
		return &fieldbus.RecordReadRequest{Correlation: corr, Target: addr, MaxLen: uint16(expect.Max)}
	})
	if err != nil {
		return nil, err
	}

	rr, ok := resp.(*fieldbus.RecordReadResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s answered a read with %s", types.ErrMalformedFrame, station, resp.Type())
	}
	if err := statusError(rr.Status); err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", addr, station, err)
	}
	if rr.Target != addr {
		return nil, fmt.Errorf("%w: response addresses %s, requested %s", types.ErrMalformedFrame, rr.Target, addr)
	}
	if err := expect.check(len(rr.Data)); err != nil {
		return nil, err
	}
	return rr.Data, nil
}

// Write stores one record on the device.
func (e *Engine) Write(ctx context.Context, station string, addr fieldbus.Address, data []byte) error {
	if len(data) > MaxRecordLen {
		return fmt.Errorf("%w: record of %d bytes exceeds %d", types.ErrInvalidParam, len(data), MaxRecordLen)
	}

	resp, err := e.call(ctx, station, addr, func(corr uint32) fieldbus.Frame {
		return &fieldbus.RecordWriteRequest{Correlation: corr, Target: addr, Data: data}
	})
	if err != nil {
		return err
	}

	wr, ok := resp.(*fieldbus.RecordWriteResponse)
	if !ok {
		return fmt.Errorf("%w: %s answered a write with %s", types.ErrMalformedFrame, station, resp.Type())
	}
	if err := statusError(wr.Status); err != nil {
		return fmt.Errorf("write %s to %s: %w", addr, station, err)
	}
	return nil
}

// call sends the request built by build and waits for the response with
// the same correlation id. Timeouts are retried; device status errors and
// transport failures are not.
func (e *Engine) call(ctx context.Context, station string, addr fieldbus.Address, build func(corr uint32) fieldbus.Frame) (fieldbus.Frame, error) {
	target := e.links.Resolve(station)
	if !e.acquire(target) {
		return nil, fmt.Errorf("%w: request to %s already in flight", types.ErrBusy, target)
	}
	defer e.release(target)

	link, err := e.links.Link(target)
	if err != nil {
		return nil, err
	}

	attempts := e.cfg.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		corr := e.correlation.Add(1)
		link.DrainRecords()

		if err := link.Send(ctx, build(corr)); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrTimeout, ctx.Err())
			}
			e.logger.Warn("Record request failed, device unreachable",
				zap.String("station", target),
				zap.Stringer("address", addr),
				zap.Error(err))
			e.links.TransportFailed(target, err)
			return nil, fmt.Errorf("%w: %s: %v", types.ErrUnreachable, target, err)
		}

		resp, err := e.await(ctx, link, corr)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, types.ErrTimeout) || ctx.Err() != nil {
			return nil, err
		}

		e.logger.Debug("Record request timed out",
			zap.String("station", target),
			zap.Stringer("address", addr),
			zap.Uint32("correlation", corr),
			zap.Int("attempt", attempt))
	}

	return nil, fmt.Errorf("%w: %s %s unanswered after %d attempts", types.ErrTimeout, target, addr, attempts)
}

func (e *Engine) await(ctx context.Context, link *ar.Link, corr uint32) (fieldbus.Frame, error) {
	deadline := time.Now().Add(e.cfg.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, types.ErrTimeout
		}

		f, err := link.ReceiveRecord(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if correlationOf(f) != corr {
			// Answer to an abandoned attempt.
			continue
		}
		return f, nil
	}
}

func correlationOf(f fieldbus.Frame) uint32 {
	switch m := f.(type) {
	case *fieldbus.RecordReadResponse:
		return m.Correlation
	case *fieldbus.RecordWriteResponse:
		return m.Correlation
	}
	return 0
}

func statusError(s fieldbus.Status) error {
	switch s {
	case fieldbus.StatusOK:
		return nil
	case fieldbus.StatusInvalidIndex:
		return fmt.Errorf("%w: %s", types.ErrNotFound, s)
	case fieldbus.StatusBusy:
		return fmt.Errorf("%w: %s", types.ErrBusy, s)
	case fieldbus.StatusNoResources:
		return fmt.Errorf("%w: %s", types.ErrResourceExhausted, s)
	case fieldbus.StatusCapabilityMismatch:
		return fmt.Errorf("%w: %s", types.ErrCapabilityMismatch, s)
	default:
		return fmt.Errorf("%w: %s", types.ErrRejected, s)
	}
}
