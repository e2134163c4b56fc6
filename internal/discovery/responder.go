package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Responder answers identify requests on behalf of one station. It is the
// device side of discovery and backs the RTU simulator.
type Responder struct {
	conn     net.PacketConn
	identity func() fieldbus.IdentifyResponse
	logger   *zap.Logger
}

// Listen binds a responder to address. When address names a multicast group
// the socket joins it on ifi (nil picks the system default).
func Listen(address string, ifi *net.Interface, identity func() fieldbus.IdentifyResponse, logger *zap.Logger) (*Responder, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}

	bind := addr.String()
	if addr.IP.IsMulticast() {
		bind = fmt.Sprintf(":%d", addr.Port)
	}

	conn, err := net.ListenPacket("udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bind, err)
	}

	if addr.IP.IsMulticast() {
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: addr.IP}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("join group %s: %w", addr.IP, err)
		}
	}

	return &Responder{conn: conn, identity: identity, logger: logger}, nil
}

func (r *Responder) Addr() net.Addr { return r.conn.LocalAddr() }

// Serve answers requests until ctx is cancelled or the responder is closed.
func (r *Responder) Serve(ctx context.Context) error {
	buf := make([]byte, fieldbus.MaxFrameLen+1)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return err
		}

		n, src, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		frame, err := fieldbus.Decode(buf[:n])
		if err != nil {
			continue
		}
		req, ok := frame.(*fieldbus.IdentifyRequest)
		if !ok {
			continue
		}

		resp := r.identity()
		if req.StationFilter != "" && req.StationFilter != resp.StationName {
			continue
		}
		resp.XID = req.XID

		out, err := fieldbus.Encode(&resp)
		if err != nil {
			r.logger.Error("Failed to encode identify response", zap.Error(err))
			continue
		}
		if _, err := r.conn.WriteTo(out, src); err != nil {
			r.logger.Debug("Failed to send identify response",
				zap.String("to", src.String()),
				zap.Error(err))
		}
	}
}

func (r *Responder) Close() error {
	return r.conn.Close()
}
