// Command rtusim runs one simulated RTU from the station inventory so the
// controller can be exercised on a bench without field hardware.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/discovery"
	"github.com/mwilco03/Water-Controller-sub004/internal/registry"
	"github.com/mwilco03/Water-Controller-sub004/internal/rtusim"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
)

func main() {
	inventoryPath := flag.String("inventory", "configs/inventory.json", "station inventory file")
	station := flag.String("station", "", "station name to simulate")
	listen := flag.String("listen", ":34965", "UDP address for connection and cyclic traffic")
	group := flag.String("discovery", "239.255.12.1:34964", "discovery group, empty disables identify responses")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	loader, err := registry.NewLoader()
	if err != nil {
		logger.Fatal("Failed to create inventory loader", zap.Error(err))
	}
	inv, err := loader.Load(*inventoryPath)
	if err != nil {
		logger.Fatal("Failed to load inventory", zap.Error(err))
	}

	var st *registry.Station
	for _, s := range inv.Stations {
		if s.StationName == *station {
			rec := s.Station(0)
			st = &rec
			break
		}
	}
	if st == nil {
		logger.Fatal("Station not in inventory", zap.String("station", *station))
	}

	conn, err := net.ListenPacket("udp4", *listen)
	if err != nil {
		logger.Fatal("Failed to listen", zap.String("address", *listen), zap.Error(err))
	}
	defer conn.Close()

	rtu := rtusim.New(rtusim.Config{
		StationName:  st.Identity.StationName,
		VendorID:     st.Identity.VendorID,
		DeviceID:     st.Identity.DeviceID,
		Capabilities: st.Identity.Capabilities,
		Layout:       st.Layout,
		Port:         uint16(conn.LocalAddr().(*net.UDPAddr).Port),
	}, logger)
	defer rtu.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *group != "" {
		responder, err := discovery.Listen(*group, nil, rtu.Identity, logger)
		if err != nil {
			logger.Fatal("Failed to join discovery group", zap.Error(err))
		}
		defer responder.Close()
		go func() {
			if err := responder.Serve(ctx); err != nil {
				logger.Error("Discovery responder stopped", zap.Error(err))
			}
		}()
	}

	go wobble(ctx, rtu, st.Layout)

	logger.Info("RTU simulator running",
		zap.String("station", st.Identity.StationName),
		zap.String("address", conn.LocalAddr().String()),
		zap.Int("modules", len(st.Layout)))

	if err := rtu.ServeUDP(ctx, conn); err != nil {
		logger.Error("Simulator stopped", zap.Error(err))
	}
}

// wobble moves every sensor along a slow sine so displays show live values.
func wobble(ctx context.Context, rtu *rtusim.RTU, layout []types.ModuleSlot) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			phase := now.Sub(start).Seconds() / 30
			for i, m := range layout {
				if m.Kind != types.SlotKindSensor {
					continue
				}
				v := 7 + math.Sin(2*math.Pi*phase+float64(i))
				rtu.SetSensor(m.Slot, float32(v), types.QualityGood)
			}
		}
	}
}
