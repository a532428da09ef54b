package kiosksync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kioskworks/kiosksync/pkg/config"
	"github.com/kioskworks/kiosksync/pkg/coordinator"
	"github.com/kioskworks/kiosksync/pkg/devicehealth"
	"github.com/kioskworks/kiosksync/pkg/failover"
	"github.com/kioskworks/kiosksync/pkg/healthprobe"
	"github.com/kioskworks/kiosksync/pkg/leader"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/metrics"
	"github.com/kioskworks/kiosksync/pkg/network"
	"github.com/kioskworks/kiosksync/pkg/session"
	"github.com/kioskworks/kiosksync/pkg/statusapi"
	"github.com/kioskworks/kiosksync/pkg/store"
	"github.com/kioskworks/kiosksync/pkg/store/memstore"
	"github.com/kioskworks/kiosksync/pkg/store/sqlitestore"
	"github.com/kioskworks/kiosksync/pkg/transport"
	"github.com/kioskworks/kiosksync/pkg/transport/gorillaws"
	"github.com/kioskworks/kiosksync/pkg/transport/gqlhttp"
)

// Client owns every component of a kiosk: the local store, one replication
// session per collection, the failover bus, the coordinator and the device
// health facade. Use New, then Start, then Close.
type Client struct {
	cfg     config.Config
	logger  logger.Logger
	db      store.Database
	ownsDB  bool
	metrics *metrics.Registry
	network *network.Monitor
	bus     *failover.Bus

	sessions    []*session.Session
	byName      map[string]*session.Session
	health      *devicehealth.Facade
	coordinator *coordinator.Coordinator
	status      *statusapi.Server

	detector network.Detector

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type options struct {
	logger    logger.Logger
	db        store.Database
	transport transport.Client
	elector   leader.Elector
	detector  network.Detector
	prober    healthprobe.Prober
	metrics   *metrics.Registry
	now       func() time.Time
}

// Option customises New.
type Option func(*options)

// WithLogger replaces the logger built from the log section.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore uses db instead of opening the configured store. The client does
// not close a store it was given.
func WithStore(db store.Database) Option {
	return func(o *options) { o.db = db }
}

// WithTransport replaces the HTTP plus WebSocket transport.
func WithTransport(t transport.Client) Option {
	return func(o *options) { o.transport = t }
}

// WithElector sets the leader elector consulted by collections that wait for
// leadership. The default elector is always the leader.
func WithElector(e leader.Elector) Option {
	return func(o *options) { o.elector = e }
}

// WithDetector replaces the connectivity detector built from the network section.
func WithDetector(d network.Detector) Option {
	return func(o *options) { o.detector = d }
}

// WithProber replaces the HTTP health probe used for fail-back.
func WithProber(p healthprobe.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithMetrics registers metrics in reg instead of a fresh registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New validates cfg and builds every component. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.FromConfig(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	c := &Client{
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metrics,
		network: network.NewMonitor(true, o.logger),
		byName:  map[string]*session.Session{},
	}

	c.db = o.db
	if c.db == nil {
		db, err := openStore(cfg.Store)
		if err != nil {
			return nil, err
		}
		c.db = db
		c.ownsDB = true
	}

	ok := false
	defer func() {
		if !ok && c.ownsDB {
			_ = c.db.Close()
		}
	}()

	if o.transport == nil {
		o.transport = transport.Combined{
			Caller: gqlhttp.New(cfg.Transport.HTTPTimeout),
			Subscriber: gorillaws.New(
				gorillaws.WithLogger(o.logger),
				gorillaws.WithKeepalive(cfg.Transport.PingInterval, cfg.Transport.PongTimeout),
			),
		}
	}
	if o.elector == nil {
		o.elector = leader.NewSingle()
	}

	c.detector = o.detector
	if c.detector == nil && cfg.Network.ProbeAddress != "" {
		c.detector = network.DialDetector{Address: cfg.Network.ProbeAddress}
	}

	busOpts := cfg.FailoverOptions()
	busOpts.Now = o.now
	c.bus = failover.NewBus(busOpts, o.logger, o.metrics)

	for _, cc := range cfg.CollectionConfigs() {
		s, err := session.New(cc, session.Deps{
			Store:     c.db,
			Transport: o.transport,
			Bus:       c.bus,
			Network:   c.network,
			Elector:   o.elector,
			Logger:    o.logger,
			Metrics:   o.metrics,
			Options:   cfg.SessionOptions(),
			Now:       o.now,
		})
		if err != nil {
			c.bus.Close()
			return nil, fmt.Errorf("kiosksync: collection %s: %w", cc.Name, err)
		}
		c.sessions = append(c.sessions, s)
		c.byName[cc.Name] = s
	}

	health, err := devicehealth.New(c.db, devicehealth.DeviceIdentity{ID: cfg.Device.ID, Name: cfg.Device.Name}, o.logger)
	if err != nil {
		c.bus.Close()
		return nil, fmt.Errorf("kiosksync: %w", err)
	}
	c.health = health

	prober := o.prober
	if prober == nil && cfg.Failover.HealthProbe {
		prober = healthprobe.New(cfg.Transport.ProbeTimeout)
	}

	replicators := make([]coordinator.Replicator, 0, len(c.sessions))
	for _, s := range c.sessions {
		replicators = append(replicators, s)
	}
	coord, err := coordinator.New(coordinator.Deps{
		Sessions:  replicators,
		Endpoints: cfg.BackendEndpoints(),
		Bus:       c.bus,
		Store:     c.db,
		Health:    health,
		Prober:    prober,
		Network:   c.network,
		Logger:    o.logger,
		Metrics:   o.metrics,
		Options:   cfg.CoordinatorOptions(),
		Now:       o.now,
	})
	if err != nil {
		c.bus.Close()
		return nil, fmt.Errorf("kiosksync: %w", err)
	}
	c.coordinator = coord

	if cfg.StatusAPI.Listen != "" {
		c.status = statusapi.New(coord, c.bus, o.metrics, o.logger,
			statusapi.WithTokenSecret([]byte(cfg.StatusAPI.TokenSecret)))
	}

	ok = true
	return c, nil
}

func openStore(cfg config.Store) (store.Database, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("kiosksync: %w", err)
		}
		return db, nil
	default:
		return memstore.New(), nil
	}
}

// Start registers every session on the current endpoint and starts the
// background loops. It returns once the sessions are registered.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("kiosksync: client is closed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("kiosksync: starting", "device", c.cfg.Device.ID, "collections", len(c.sessions))

	if c.detector != nil {
		c.network.Set(c.detector.Online(ctx))
		c.goRun(func() { c.network.Run(runCtx, c.detector, c.cfg.Network.Interval) })
	}

	if err := c.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("kiosksync: %w", err)
	}

	c.goRun(func() { c.health.Run(runCtx, c.cfg.Device.HeartbeatInterval) })

	if c.status != nil {
		c.goRun(func() {
			if err := c.status.Serve(runCtx, c.cfg.StatusAPI.Listen); err != nil {
				c.logger.Error("kiosksync: status API stopped", "error", err)
			}
		})
	}
	return nil
}

func (c *Client) goRun(f func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
}

// Close stops every session, the background loops and the bus, then closes
// the store if the client opened it. ctx bounds how long sessions may take to
// stop.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.coordinator.Close(ctx)
	for _, s := range c.sessions {
		s.Close(ctx)
	}
	c.wg.Wait()
	c.bus.Close()

	if c.ownsDB {
		if err := c.db.Close(); err != nil {
			return fmt.Errorf("kiosksync: failed to close store: %w", err)
		}
	}
	c.logger.Info("kiosksync: closed", "device", c.cfg.Device.ID)
	return nil
}

// TriggerFailover migrates every session to the other endpoint now.
func (c *Client) TriggerFailover(ctx context.Context, reason string) error {
	return c.coordinator.TriggerFailover(ctx, reason)
}

// TriggerFailback migrates every session back to the primary.
func (c *Client) TriggerFailback(ctx context.Context, reason string) error {
	return c.coordinator.TriggerFailback(ctx, reason)
}

// Status reports the coordinator and session state.
func (c *Client) Status() coordinator.Status {
	return c.coordinator.Status()
}

// Collection returns the local collection replicated under name.
func (c *Client) Collection(name string) (store.Collection, error) {
	if _, ok := c.byName[name]; !ok {
		return nil, fmt.Errorf("kiosksync: collection %q is not replicated", name)
	}
	return c.db.Collection(name)
}

// Session returns the replication session of a collection.
func (c *Client) Session(name string) (*session.Session, bool) {
	s, ok := c.byName[name]
	return s, ok
}

func (c *Client) Bus() *failover.Bus { return c.bus }
func (c *Client) Coordinator() *coordinator.Coordinator { return c.coordinator }
func (c *Client) Health() *devicehealth.Facade { return c.health }
func (c *Client) Network() *network.Monitor { return c.network }
func (c *Client) Metrics() *metrics.Registry { return c.metrics }
func (c *Client) StatusHandler() *statusapi.Server { return c.status }
func (c *Client) Store() store.Database { return c.db }
