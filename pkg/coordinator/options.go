package coordinator

import (
	"context"
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/devicehealth"
	"github.com/kioskworks/kiosksync/pkg/failover"
	"github.com/kioskworks/kiosksync/pkg/healthprobe"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/metrics"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/network"
	"github.com/kioskworks/kiosksync/pkg/session"
	"github.com/kioskworks/kiosksync/pkg/store"
)

// Replicator is what the coordinator needs from a collection session.
// *session.Session implements it.
type Replicator interface {
	Name() string
	Register(ctx context.Context, identity models.ReplicationIdentity, ep models.BackendEndpoint) (*session.Handle, error)
	Stop(ctx context.Context)
	Drain(ctx context.Context) error
	SetEndpoint(ep models.BackendEndpoint)
	Endpoint() models.BackendEndpoint
	IsActive() bool
	Status() session.Status
}

var _ Replicator = (*session.Session)(nil)

// Options tune migrations. Zero fields take their defaults.
type Options struct {
	// DrainTimeout bounds the coordinated drain before the forced path is taken.
	DrainTimeout time.Duration
	// ShutdownTimeout bounds waiting for the local store's pending writes.
	ShutdownTimeout time.Duration
	// SettleDelay is the pause after force-stopping sessions.
	SettleDelay time.Duration
	// StopTimeout bounds stopping one session.
	StopTimeout time.Duration
	// FailbackCheckInterval is how often the coordinator looks for a
	// recovered primary while on the secondary.
	FailbackCheckInterval time.Duration
	// FailbackDebounce is how long server_up signals must settle before
	// failing back. Zero uses the bus debounce.
	FailbackDebounce time.Duration
}

// DefaultOptions returns the stock coordinator options.
func DefaultOptions() Options {
	return Options{
		DrainTimeout:          constants.DefaultDrainTimeout,
		ShutdownTimeout:       constants.DefaultShutdownTimeout,
		SettleDelay:           constants.DefaultSettleDelay,
		StopTimeout:           constants.DefaultShutdownTimeout,
		FailbackCheckInterval: constants.DefaultFailbackCheckInterval,
	}
}

func (o Options) withDefaults(bus *failover.Bus) Options {
	d := DefaultOptions()
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = d.DrainTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = d.ShutdownTimeout
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = d.SettleDelay
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.FailbackCheckInterval <= 0 {
		o.FailbackCheckInterval = d.FailbackCheckInterval
	}
	if o.FailbackDebounce <= 0 {
		o.FailbackDebounce = bus.Options().Debounce
	}
	return o
}

// Deps are the collaborators of a coordinator. Sessions, Bus and Store are required.
type Deps struct {
	Sessions  []Replicator
	Endpoints models.Endpoints
	Bus       *failover.Bus
	Store     store.Database

	// Health records the audit trail and watches for recovery announcements.
	Health *devicehealth.Facade
	// Prober checks the primary while on the secondary.
	Prober healthprobe.Prober
	// Network suppresses inactivity based fail-back while offline.
	Network *network.Monitor

	Logger  logger.Logger
	Metrics *metrics.Registry
	Options Options
	Now     func() time.Time
}
