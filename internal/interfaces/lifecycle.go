package interfaces

import (
	"context"

	"github.com/mwilco03/Water-Controller-sub004/internal/ar"
	"github.com/mwilco03/Water-Controller-sub004/internal/config"
	"github.com/mwilco03/Water-Controller-sub004/internal/cyclic"
	"github.com/mwilco03/Water-Controller-sub004/internal/discovery"
	"github.com/mwilco03/Water-Controller-sub004/internal/events"
	"github.com/mwilco03/Water-Controller-sub004/internal/failover"
	"github.com/mwilco03/Water-Controller-sub004/internal/reconcile"
	"github.com/mwilco03/Water-Controller-sub004/internal/registry"
	"github.com/mwilco03/Water-Controller-sub004/internal/rpc"
)

// SystemStatus represents the current controller state
type SystemStatus struct {
	State             string `json:"state"`
	StationCount      int    `json:"station_count"`
	RunningStations   int    `json:"running_stations"`
	ActiveFailovers   int    `json:"active_failovers"`
	DirtyDesiredState int    `json:"dirty_desired_state"`
	FailoverPolicy    string `json:"failover_policy"`
}

type LifecycleManager interface {
	Config() *config.Config
	Events() *events.Bus
	Registry() *registry.Registry
	Discoverer() *discovery.Discoverer
	Connections() *ar.Manager
	Cyclic() *cyclic.Engine
	RPC() *rpc.Engine
	Reconciler() *reconcile.Reconciler
	Failover() *failover.Manager
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
