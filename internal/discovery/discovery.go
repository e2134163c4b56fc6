package discovery

// Identify-based device discovery. The controller multicasts an identify
// request to the configured group; every RTU listening on the group answers
// with a unicast identify response to the requester.

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mwilco03/Water-Controller-sub004/internal/events"
	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

type Config struct {
	Group     string        // group address, e.g. "239.255.12.1:34964"
	Interface string        // network interface name, empty = default
	Timeout   time.Duration // response window
	TTL       int
}

func (c *Config) applyDefaults() {
	if c.Group == "" {
		c.Group = "239.255.12.1:34964"
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
	if c.TTL == 0 {
		c.TTL = 1 // link-local
	}
}

// Publisher receives every candidate found by a scan.
type Publisher interface {
	Publish(id types.DeviceIdentity) (bool, error)
}

type Discoverer struct {
	cfg       Config
	publisher Publisher
	bus       *events.Bus
	logger    *zap.Logger
}

func New(cfg Config, publisher Publisher, bus *events.Bus, logger *zap.Logger) *Discoverer {
	cfg.applyDefaults()
	return &Discoverer{cfg: cfg, publisher: publisher, bus: bus, logger: logger}
}

// Discover runs one identify scan and returns the candidates ordered by
// station name. An empty filter asks every station to answer.
func (d *Discoverer) Discover(ctx context.Context, filter string) ([]types.DeviceIdentity, error) {
	group, err := net.ResolveUDPAddr("udp4", d.cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery group %q: %v", types.ErrInvalidParam, d.cfg.Group, err)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("listen for identify responses: %w", err)
	}
	defer conn.Close()

	if group.IP.IsMulticast() {
		if err := d.prepareMulticast(conn); err != nil {
			return nil, err
		}
	}

	xid := newXID()
	req, err := fieldbus.Encode(&fieldbus.IdentifyRequest{XID: xid, StationFilter: filter})
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteTo(req, group); err != nil {
		return nil, fmt.Errorf("%w: send identify request: %v", types.ErrUnreachable, err)
	}

	d.logger.Debug("Identify request sent",
		zap.String("group", group.String()),
		zap.String("filter", filter),
		zap.Uint32("xid", xid))

	found, err := d.collect(ctx, conn, xid, filter)
	if err != nil {
		return nil, err
	}

	result := make([]types.DeviceIdentity, 0, len(found))
	for _, id := range found {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StationName < result[j].StationName })

	for _, id := range result {
		if d.publisher != nil {
			if _, err := d.publisher.Publish(id); err != nil {
				d.logger.Warn("Failed to publish discovered station",
					zap.String("station", id.StationName),
					zap.Error(err))
				continue
			}
		}
		if d.bus != nil {
			d.bus.Publish(events.New(events.KindDiscovered, id.StationName, id))
		}
	}

	d.logger.Info("Discovery finished", zap.Int("found", len(result)))
	return result, nil
}

func (d *Discoverer) prepareMulticast(conn net.PacketConn) error {
	p := ipv4.NewPacketConn(conn)

	if d.cfg.Interface != "" {
		ifi, err := net.InterfaceByName(d.cfg.Interface)
		if err != nil {
			return fmt.Errorf("%w: interface %q: %v", types.ErrInvalidParam, d.cfg.Interface, err)
		}
		if err := p.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("set multicast interface: %w", err)
		}
	}
	if err := p.SetMulticastTTL(d.cfg.TTL); err != nil {
		return fmt.Errorf("set multicast TTL: %w", err)
	}
	// Simulated RTUs on the controller host must see the request too.
	if err := p.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("set multicast loopback: %w", err)
	}
	return nil
}

func (d *Discoverer) collect(ctx context.Context, conn net.PacketConn, xid uint32, filter string) (map[string]types.DeviceIdentity, error) {
	deadline := time.Now().Add(d.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	found := make(map[string]types.DeviceIdentity)
	buf := make([]byte, fieldbus.MaxFrameLen+1)

	for {
		if ctx.Err() != nil {
			return found, nil
		}

		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return found, nil
			}
			return nil, fmt.Errorf("read identify response: %w", err)
		}

		frame, err := fieldbus.Decode(buf[:n])
		if err != nil {
			d.logger.Debug("Dropping malformed identify response",
				zap.String("source", src.String()),
				zap.Error(err))
			continue
		}
		resp, ok := frame.(*fieldbus.IdentifyResponse)
		if !ok || resp.XID != xid {
			continue
		}
		if filter != "" && resp.StationName != filter {
			continue
		}
		if types.ValidateStationName(resp.StationName) != nil {
			d.logger.Warn("Ignoring station with invalid name",
				zap.String("source", src.String()),
				zap.String("station", resp.StationName))
			continue
		}

		found[resp.StationName] = identityFrom(resp, src)
	}
}

func identityFrom(resp *fieldbus.IdentifyResponse, src net.Addr) types.DeviceIdentity {
	ip := net.IP(resp.IP[:])
	if ip.IsUnspecified() {
		if udp, ok := src.(*net.UDPAddr); ok {
			ip = udp.IP
		}
	}
	return types.DeviceIdentity{
		VendorID:     resp.VendorID,
		DeviceID:     resp.DeviceID,
		StationName:  resp.StationName,
		Address:      net.JoinHostPort(ip.String(), strconv.Itoa(int(resp.Port))),
		Capabilities: types.Capability(resp.Capabilities),
		DiscoveredAt: time.Now(),
	}
}

func newXID() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}
