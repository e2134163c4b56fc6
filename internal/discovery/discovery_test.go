package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/events"
	"github.com/mwilco03/Water-Controller-sub004/internal/fieldbus"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	mu  sync.Mutex
	ids []types.DeviceIdentity
}

func (p *recordingPublisher) Publish(id types.DeviceIdentity) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return true, nil
}

func startResponder(t *testing.T, name string) *Responder {
	t.Helper()

	r, err := Listen("127.0.0.1:0", nil, func() fieldbus.IdentifyResponse {
		return fieldbus.IdentifyResponse{
			VendorID:     42,
			DeviceID:     7,
			Capabilities: uint32(types.CapCyclicIO | types.CapRecordRead),
			Port:         34964,
			StationName:  name,
		}
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		r.Close()
		<-done
	})
	return r
}

func TestDiscoverUnicast(t *testing.T) {
	r := startResponder(t, "rtu-1")

	pub := &recordingPublisher{}
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.KindDiscovered)

	d := New(Config{Group: r.Addr().String(), Timeout: 300 * time.Millisecond}, pub, bus, zaptest.NewLogger(t))

	found, err := d.Discover(context.Background(), "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d stations, want 1", len(found))
	}

	id := found[0]
	if id.StationName != "rtu-1" || id.VendorID != 42 || id.DeviceID != 7 {
		t.Errorf("identity = %+v", id)
	}
	if !id.Capabilities.Has(types.CapRecordRead) {
		t.Errorf("capabilities = %b", id.Capabilities)
	}
	// The response carried no IP, so the source address is used.
	host, port, _ := net.SplitHostPort(id.Address)
	if host != "127.0.0.1" || port != "34964" {
		t.Errorf("address = %s", id.Address)
	}

	if len(pub.ids) != 1 {
		t.Errorf("publisher saw %d identities", len(pub.ids))
	}
	select {
	case ev := <-sub:
		if ev.Station != "rtu-1" {
			t.Errorf("event station = %s", ev.Station)
		}
	case <-time.After(time.Second):
		t.Error("no discovered event")
	}
}

func TestDiscoverFilter(t *testing.T) {
	r := startResponder(t, "rtu-1")

	d := New(Config{Group: r.Addr().String(), Timeout: 200 * time.Millisecond}, nil, nil, zaptest.NewLogger(t))

	found, err := d.Discover(context.Background(), "rtu-2")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("filter mismatch returned %v", found)
	}
}

func TestDiscoverIgnoresGarbage(t *testing.T) {
	// A peer that answers with noise and a stale XID.
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	go func() {
		buf := make([]byte, 2048)
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		conn.WriteTo([]byte("not a frame"), src)

		frame, err := fieldbus.Decode(buf[:n])
		if err != nil {
			return
		}
		req := frame.(*fieldbus.IdentifyRequest)
		stale, _ := fieldbus.Encode(&fieldbus.IdentifyResponse{XID: req.XID + 1, StationName: "rtu-stale"})
		conn.WriteTo(stale, src)
	}()

	d := New(Config{Group: conn.LocalAddr().String(), Timeout: 200 * time.Millisecond}, nil, nil, zaptest.NewLogger(t))

	found, err := d.Discover(context.Background(), "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("found = %v", found)
	}
}

func TestDiscoverBadGroup(t *testing.T) {
	d := New(Config{Group: "no-port"}, nil, nil, zaptest.NewLogger(t))
	if _, err := d.Discover(context.Background(), ""); err == nil {
		t.Error("expected error for unresolvable group")
	}
}
