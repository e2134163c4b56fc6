package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/api/healthsvc"
	"github.com/mwilco03/Water-Controller-sub004/internal/api/rest"
	"github.com/mwilco03/Water-Controller-sub004/internal/api/websocket"
	"github.com/mwilco03/Water-Controller-sub004/internal/ar"
	"github.com/mwilco03/Water-Controller-sub004/internal/config"
	"github.com/mwilco03/Water-Controller-sub004/internal/cyclic"
	"github.com/mwilco03/Water-Controller-sub004/internal/discovery"
	"github.com/mwilco03/Water-Controller-sub004/internal/events"
	"github.com/mwilco03/Water-Controller-sub004/internal/failover"
	"github.com/mwilco03/Water-Controller-sub004/internal/interfaces"
	"github.com/mwilco03/Water-Controller-sub004/internal/reconcile"
	"github.com/mwilco03/Water-Controller-sub004/internal/registry"
	"github.com/mwilco03/Water-Controller-sub004/internal/rpc"
	"github.com/mwilco03/Water-Controller-sub004/internal/storage"
	"github.com/mwilco03/Water-Controller-sub004/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type LifecycleManager struct {
	config  *config.Config
	storage *storage.PostgresClient
	logger  *zap.Logger

	bus         *events.Bus
	registry    *registry.Registry
	discoverer  *discovery.Discoverer
	connections *ar.Manager
	cyclic      *cyclic.Engine
	rpc         *rpc.Engine
	reconciler  *reconcile.Reconciler
	failover    *failover.Manager
	health      *healthsvc.Service
	wsHub       *websocket.Hub

	hasher     *rpc.PasswordHasher
	users      []rpc.User
	interlocks []rpc.Interlock

	restServer *rest.Server
	grpcServer *grpc.Server

	stateMu      sync.RWMutex
	currentState SystemState

	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

// NewLifecycleManager builds every component from cfg. db is required for
// the postgres persistence backend and optional otherwise. A nil dialer
// selects UDP.
func NewLifecycleManager(cfg *config.Config, db *storage.PostgresClient, dialer transport.Dialer, logger *zap.Logger) (*LifecycleManager, error) {
	if dialer == nil {
		local, err := interfaceAddr(cfg.Fieldbus.Interface)
		if err != nil {
			return nil, err
		}
		dialer = &transport.UDPDialer{LocalAddr: local}
	}

	lm := &LifecycleManager{
		config:       cfg,
		storage:      db,
		logger:       logger,
		bus:          events.NewBus(),
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}

	lm.registry = registry.New(cfg.Inventory.MaxStations, logger.Named("registry"))

	var store reconcile.Store
	switch cfg.Persistence.Backend {
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("persistence backend postgres needs a database connection")
		}
		store = storage.NewDesiredStateStore(db)
		lm.registry.SetPersister(db)
	default:
		fs, err := reconcile.NewFileStore(cfg.Persistence.Directory)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	lm.connections = ar.NewManager(ar.Config{
		ConnectTimeout: cfg.Fieldbus.ConnectTimeout,
		Retries:        cfg.Fieldbus.ConnectRetries,
		Backoff:        cfg.Fieldbus.ConnectBackoff,
		MissThreshold:  cfg.Fieldbus.MissThreshold,
		WatchdogFactor: uint16(cfg.Fieldbus.WatchdogFactor),
		DefaultCycle:   cfg.Fieldbus.DefaultCycleTime,
		ReleaseTimeout: cfg.Fieldbus.ReleaseTimeout,
	}, dialer, lm.registry, lm.bus, logger.Named("ar"))

	lm.reconciler = reconcile.New(reconcile.Config{
		MaxStations:      cfg.Persistence.MaxStations,
		SnapshotInterval: cfg.Persistence.SnapshotInterval,
	}, store, lm.bus, logger.Named("reconcile"))

	lm.cyclic = cyclic.NewEngine(lm.connections, lm.reconciler, logger.Named("cyclic"))
	lm.connections.SetScheduler(lm.cyclic)

	lm.rpc = rpc.NewEngine(rpc.Config{
		Timeout: cfg.RPC.Timeout,
		Retries: cfg.RPC.Retries,
	}, lm.connections, logger.Named("rpc"))
	lm.reconciler.SetLoopWriter(lm.rpc)

	policy, err := failover.ParsePolicy(cfg.Failover.Mode)
	if err != nil {
		return nil, err
	}
	lm.failover = failover.NewManager(failover.Config{
		Policy:              policy,
		SweepInterval:       cfg.Failover.SweepInterval,
		FailureThreshold:    cfg.Failover.FailureThreshold,
		PacketLossThreshold: cfg.Failover.PacketLossThreshold,
		MaxMappings:         cfg.Failover.MaxMappings,
	}, lm.connections, lm.cyclic, lm.bus, logger.Named("failover"))

	lm.discoverer = discovery.New(discovery.Config{
		Group:     cfg.Fieldbus.DiscoveryGroup,
		Interface: cfg.Fieldbus.Interface,
		Timeout:   cfg.Fieldbus.DiscoveryTimeout,
		TTL:       cfg.Fieldbus.DiscoveryTTL,
	}, lm.registry, lm.bus, logger.Named("discovery"))

	lm.health = healthsvc.New(lm.failover, cfg.Failover.SweepInterval, logger.Named("health"))
	lm.wsHub = websocket.NewHub(logger.Named("websocket"))

	if err := lm.loadProvisioning(); err != nil {
		return nil, err
	}

	return lm, nil
}

// loadProvisioning reads the credentials and interlock rules pushed to every
// station after it connects.
func (lm *LifecycleManager) loadProvisioning() error {
	creds := lm.config.Credentials
	lm.hasher = rpc.NewPasswordHasher(rpc.HashParams{
		Memory:      creds.Memory,
		Iterations:  creds.Iterations,
		Parallelism: creds.Parallelism,
	})

	for _, u := range creds.Users {
		role, err := rpc.ParseRole(u.Role)
		if err != nil {
			return fmt.Errorf("user %s: %w", u.Name, err)
		}
		password, err := u.Password()
		if err != nil {
			return err
		}
		lm.users = append(lm.users, rpc.User{Name: u.Name, Password: password, Role: role})
	}

	if path := lm.config.Interlocks.Path; path != "" {
		rules, err := rpc.LoadInterlocks(path)
		if err != nil {
			return err
		}
		lm.interlocks = rules
	}
	return nil
}

// Start loads the inventory, restores desired state, starts the background
// loops and servers, then connects every auto-connect station.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting water treatment controller")

	if err := lm.loadInventory(ctx); err != nil {
		lm.setError(err)
		return err
	}
	lm.restoreDesiredState(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	lm.goRun(func() { lm.reconciler.Run(runCtx) })
	lm.goRun(func() { lm.failover.Run(runCtx) })
	lm.goRun(func() { lm.health.Run(runCtx) })
	lm.goRun(func() { lm.wsHub.Run(runCtx) })
	lm.wsHub.Forward(runCtx, lm.bus)

	connected := lm.bus.Subscribe(events.KindConnected)
	lm.goRun(func() { lm.provisionOnConnect(runCtx, connected) })

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)

	if lm.config.Inventory.AutoConnect {
		lm.goRun(func() { lm.autoConnect(runCtx) })
	}

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("stations", len(lm.registry.List())),
		zap.String("failover_policy", string(lm.failover.Policy())))

	return nil
}

func (lm *LifecycleManager) goRun(fn func()) {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		fn()
	}()
}

func (lm *LifecycleManager) loadInventory(ctx context.Context) error {
	if lm.storage != nil && lm.config.Persistence.Backend == "postgres" {
		n, err := lm.registry.LoadFrom(ctx, lm.storage)
		if err != nil {
			return fmt.Errorf("failed to load stations from database: %w", err)
		}
		lm.logger.Info("Stations loaded from database", zap.Int("count", n))
	}

	path := lm.config.Inventory.Path
	if path == "" {
		return nil
	}
	inv, err := lm.registry.LoadFile(path, lm.config.Fieldbus.DefaultCycleTime)
	if err != nil {
		return fmt.Errorf("failed to load inventory: %w", err)
	}

	for _, b := range inv.Backups {
		if err := lm.failover.AddMapping(b.Primary, b.Backup); err != nil {
			return fmt.Errorf("backup mapping %s -> %s: %w", b.Primary, b.Backup, err)
		}
	}

	lm.logger.Info("Inventory loaded",
		zap.String("path", path),
		zap.Int("stations", len(inv.Stations)),
		zap.Int("backups", len(inv.Backups)))
	return nil
}

// restoreDesiredState loads every persisted record. Invalid records are
// skipped; those stations bootstrap from their device after connecting.
func (lm *LifecycleManager) restoreDesiredState(ctx context.Context) {
	n, err := lm.reconciler.RestoreAll(ctx)
	if err != nil {
		lm.logger.Warn("Desired state restore incomplete", zap.Error(err))
	}
	lm.logger.Info("Desired state restored", zap.Int("stations", n))
}

func (lm *LifecycleManager) autoConnect(ctx context.Context) {
	var wg sync.WaitGroup
	for _, st := range lm.registry.List() {
		if !st.AutoConnect {
			continue
		}
		name := st.Identity.StationName
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.connections.Connect(ctx, name); err != nil {
				lm.logger.Warn("Auto-connect failed",
					zap.String("station", name),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// provisionOnConnect pushes device config, interlocks and credentials to
// every station that reaches RUNNING.
func (lm *LifecycleManager) provisionOnConnect(ctx context.Context, connected <-chan events.Event) {
	defer lm.bus.Unsubscribe(connected)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-connected:
			if !ok {
				return
			}
			if err := lm.provision(ctx, ev.Station); err != nil {
				lm.logger.Warn("Provisioning failed",
					zap.String("station", ev.Station),
					zap.Error(err))
			}
		}
	}
}

func (lm *LifecycleManager) provision(ctx context.Context, station string) error {
	st, ok := lm.registry.Get(station)
	if !ok {
		return nil
	}

	devCfg := rpc.DeviceConfig{
		StationName:    station,
		CycleTime:      st.CycleTime,
		WatchdogFactor: uint16(lm.config.Fieldbus.WatchdogFactor),
		FailSafeOff:    true,
	}
	if devCfg.CycleTime == 0 {
		devCfg.CycleTime = lm.config.Fieldbus.DefaultCycleTime
	}
	if err := lm.rpc.PushDeviceConfig(ctx, station, devCfg); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if rules := rpc.InterlocksFor(lm.interlocks, station); len(rules) > 0 {
		if err := lm.rpc.PushInterlocks(ctx, station, rules); err != nil {
			return fmt.Errorf("interlocks: %w", err)
		}
	}

	if len(lm.users) > 0 {
		if err := lm.rpc.SyncUsers(ctx, station, lm.hasher, lm.users); err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
	}

	lm.logger.Info("Station provisioned",
		zap.String("station", station),
		zap.Int("interlocks", len(rpc.InterlocksFor(lm.interlocks, station))),
		zap.Int("users", len(lm.users)))
	return nil
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		shutdownErr = lm.gracefulShutdown(ctx)
		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// gracefulShutdown stops command intake first, then releases every AR, then
// drains dirty desired state before the background loops stop.
func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. REST API: keine neuen Kommandos
	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	// 2. Release ARs and stop cyclic exchange
	if err := lm.connections.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connection release failed: %w", err))
	}
	lm.cyclic.Close()

	// 3. Drain desired state
	if err := lm.reconciler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("desired state drain failed: %w", err))
	}

	// 4. Background loops
	if lm.cancel != nil {
		lm.cancel()
	}
	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}

	// 5. gRPC last so health checks see NOT_SERVING until the end
	if lm.grpcServer != nil {
		lm.logger.Info("Stopping gRPC server")
		lm.grpcServer.GracefulStop()
	}

	lm.bus.Close()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.health.Register(lm.grpcServer)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Ignoring system state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

// State returns the current system state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	stations := lm.registry.List()
	running := 0
	for _, st := range stations {
		if lm.connections.State(st.Identity.StationName) == ar.StateRunning {
			running++
		}
	}
	active := 0
	for _, mp := range lm.failover.Mappings() {
		if mp.Active {
			active++
		}
	}

	return interfaces.SystemStatus{
		State:             lm.State().String(),
		StationCount:      len(stations),
		RunningStations:   running,
		ActiveFailovers:   active,
		DirtyDesiredState: lm.reconciler.Dirty(),
		FailoverPolicy:    string(lm.failover.Policy()),
	}
}

func (lm *LifecycleManager) Config() *config.Config { return lm.config }
func (lm *LifecycleManager) Events() *events.Bus { return lm.bus }
func (lm *LifecycleManager) Registry() *registry.Registry { return lm.registry }
func (lm *LifecycleManager) Discoverer() *discovery.Discoverer { return lm.discoverer }
func (lm *LifecycleManager) Connections() *ar.Manager { return lm.connections }
func (lm *LifecycleManager) Cyclic() *cyclic.Engine { return lm.cyclic }
func (lm *LifecycleManager) RPC() *rpc.Engine { return lm.rpc }
func (lm *LifecycleManager) Reconciler() *reconcile.Reconciler { return lm.reconciler }
func (lm *LifecycleManager) Failover() *failover.Manager { return lm.failover }

// interfaceAddr returns the first IPv4 address of the named interface as a
// local UDP address, or "" for the default route.
func interfaceAddr(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("fieldbus interface %s: %w", name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", fmt.Errorf("fieldbus interface %s: %w", name, err)
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return net.JoinHostPort(ipnet.IP.String(), "0"), nil
		}
	}
	return "", fmt.Errorf("fieldbus interface %s has no IPv4 address", name)
}
