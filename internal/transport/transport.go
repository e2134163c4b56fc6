package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// Transport moves whole frames to and from one RTU. Receive never blocks
// longer than timeout; a closed transport returns types.ErrNotConnected.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// Dialer opens a transport to an RTU address (host:port).
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// UDPDialer dials connected UDP sockets.
type UDPDialer struct {
	// LocalAddr optionally pins the source address (interface selection).
	LocalAddr string
}

var _ Dialer = (*UDPDialer)(nil)

func (d *UDPDialer) Dial(ctx context.Context, address string) (Transport, error) {
	var dialer net.Dialer
	if d.LocalAddr != "" {
		laddr, err := net.ResolveUDPAddr("udp4", d.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: local address %q: %v", types.ErrInvalidParam, d.LocalAddr, err)
		}
		dialer.LocalAddr = laddr
	}

	conn, err := dialer.DialContext(ctx, "udp4", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", types.ErrUnreachable, address, err)
	}

	return &UDPTransport{conn: conn.(*net.UDPConn)}, nil
}

// UDPTransport is a connected UDP socket carrying one frame per datagram.
type UDPTransport struct {
	conn   *net.UDPConn
	connMu sync.RWMutex
}

var _ Transport = (*UDPTransport)(nil)

func (t *UDPTransport) Send(ctx context.Context, data []byte) error {
	t.connMu.RLock()
	defer t.connMu.RUnlock()

	if t.conn == nil {
		return types.ErrNotConnected
	}

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if _, err := t.conn.Write(data); err != nil {
		return classify(err)
	}
	return nil
}

func (t *UDPTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t.connMu.RLock()
	defer t.connMu.RUnlock()

	if t.conn == nil {
		return nil, types.ErrNotConnected
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, fieldbus.MaxFrameLen+1)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, classify(err)
	}
	return buf[:n], nil
}

func (t *UDPTransport) Close() error {
	// Unblock a pending Read before taking the write lock.
	t.connMu.RLock()
	if t.conn != nil {
		t.conn.SetReadDeadline(time.Now())
	}
	t.connMu.RUnlock()

	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// classify maps socket errors onto the taxonomy. ICMP port-unreachable on a
// connected UDP socket surfaces as ECONNREFUSED.
func classify(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return types.ErrTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return types.ErrTimeout
	case errors.Is(err, net.ErrClosed):
		return types.ErrNotConnected
	default:
		return fmt.Errorf("%w: %v", types.ErrUnreachable, err)
	}
}
