// Package coordinator migrates every replication session between the primary
// and the secondary backend.
//
// It acts on the decisions of the failover bus: a settled or emergency decision
// drains all sessions, waits for local writes to land, points every session at
// the other endpoint and restarts it. While on the secondary it also watches
// for the primary to recover and runs the same migration back.
//
// Only one migration runs at a time. Triggers that arrive while one is in
// progress are logged and dropped.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/session"
	"github.com/kioskworks/kiosksync/pkg/store"
)

// StateCollection holds the persisted FailoverState. It is local only.
const StateCollection = "failover_state"

var (
	// ErrMigrationInProgress is returned by triggers that arrive during a migration.
	ErrMigrationInProgress = errors.New("coordinator: migration already in progress")
	// ErrClosed is returned by triggers after Close.
	ErrClosed = errors.New("coordinator: closed")
)

// State of the coordinator.
type State string

const (
	Stable    State = "stable"
	Draining  State = "draining"
	Migrating State = "migrating"
)

// Status is a snapshot for operators.
type Status struct {
	State           State                  `json:"state"`
	CurrentEndpoint models.BackendEndpoint `json:"currentEndpoint"`
	LastMigration   *models.FailoverState  `json:"lastMigration,omitempty"`
	Sessions        []session.Status       `json:"sessions"`
}

// Coordinator is the ReplicationCoordinator. Use New.
type Coordinator struct {
	deps       Deps
	opts       Options
	logger     logger.Logger
	stateStore *store.Typed[models.FailoverState]

	mu         sync.Mutex
	state      State
	current    models.BackendEndpoint
	inProgress bool
	last       *models.FailoverState
	migratedAt time.Time
	started    bool

	failbackMu    sync.Mutex
	failbackTimer *time.Timer
	failbackDue   chan string
	inactiveTicks int
	probe         probeState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates deps and returns a coordinator bound to the primary.
func New(deps Deps) (*Coordinator, error) {
	if len(deps.Sessions) == 0 {
		return nil, errors.New("coordinator: no sessions")
	}
	if deps.Bus == nil {
		return nil, errors.New("coordinator: no event bus")
	}
	if deps.Store == nil {
		return nil, errors.New("coordinator: no store")
	}
	if deps.Endpoints.Primary.IsZero() || deps.Endpoints.Secondary.IsZero() {
		return nil, errors.New("coordinator: both endpoints are required")
	}
	coll, err := deps.Store.Collection(StateCollection)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		deps:        deps,
		opts:        deps.Options.withDefaults(deps.Bus),
		logger:      deps.Logger,
		stateStore:  store.NewTyped[models.FailoverState](coll),
		state:       Stable,
		current:     deps.Endpoints.Primary,
		failbackDue: make(chan string, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start restores the persisted endpoint, registers every session on it and
// starts following the bus. It returns once the sessions are registered.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if st, err := c.loadState(ctx); err != nil {
		c.logger.Warn("coordinator: could not load failover state, starting on primary", "error", err)
	} else if st != nil {
		if ep, err := c.deps.Endpoints.ByName(st.CurrentEndpoint); err == nil {
			c.mu.Lock()
			c.current = ep
			c.last = st
			c.mu.Unlock()
			c.logger.Info("coordinator: resuming on persisted endpoint", "endpoint", ep.Name, "reason", st.Reason)
		} else {
			c.logger.Warn("coordinator: ignoring persisted state", "error", err)
		}
	}

	ep := c.CurrentEndpoint()
	c.deps.Metrics.SetCurrentEndpoint(ep.Name, c.deps.Endpoints.Primary.Name, c.deps.Endpoints.Secondary.Name)
	c.registerAll(ctx, ep)

	debounced, cancelDebounced := c.deps.Bus.SubscribeDebounced()
	emergency, cancelEmergency := c.deps.Bus.SubscribeEmergency()
	events, cancelEvents := c.deps.Bus.SubscribeEvents()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer cancelDebounced()
		defer cancelEmergency()
		defer cancelEvents()
		c.follow(debounced, emergency, events)
	}()
	go func() {
		defer c.wg.Done()
		c.watchFailback()
	}()

	if c.deps.Health != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.deps.Health.WatchRecovery(c.ctx, c.deps.Bus); err != nil {
				c.logger.Warn("coordinator: recovery watch ended", "error", err)
			}
		}()
	}
	return nil
}

func (c *Coordinator) follow(debounced, emergency <-chan models.FailoverDecision, events <-chan models.FailoverEvent) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case d, ok := <-emergency:
			if !ok {
				return
			}
			c.onDecision(d, "emergency")
		case d, ok := <-debounced:
			if !ok {
				return
			}
			c.onDecision(d, "settled")
		case e, ok := <-events:
			if !ok {
				return
			}
			c.onEvent(e)
		}
	}
}

func (c *Coordinator) onDecision(d models.FailoverDecision, kind string) {
	if !d.ShouldFailover {
		return
	}
	c.mu.Lock()
	stale := !c.migratedAt.IsZero() && !d.Timestamp.After(c.migratedAt)
	c.mu.Unlock()
	if stale {
		c.logger.Info("coordinator: dropping decision computed before the last migration", "kind", kind, "at", d.Timestamp)
		return
	}
	c.logger.Info("coordinator: failover decision", "kind", kind, "confidence", d.Confidence, "reason", d.Reason)
	err := c.TriggerFailover(c.ctx, d.Reason)
	if errors.Is(err, ErrMigrationInProgress) {
		c.logger.Info("coordinator: ignoring decision during migration", "kind", kind)
	}
}

// TriggerFailover migrates every session to the endpoint it is not on.
func (c *Coordinator) TriggerFailover(ctx context.Context, reason string) error {
	target := c.deps.Endpoints.Other(c.CurrentEndpoint())
	return c.migrate(ctx, target, reason)
}

// TriggerFailback migrates every session back to the primary. It is a no-op
// when already there.
func (c *Coordinator) TriggerFailback(ctx context.Context, reason string) error {
	if c.CurrentEndpoint().Name == c.deps.Endpoints.Primary.Name {
		return nil
	}
	return c.migrate(ctx, c.deps.Endpoints.Primary, reason)
}

// State returns the migration state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentEndpoint returns the endpoint sessions are bound to.
func (c *Coordinator) CurrentEndpoint() models.BackendEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// InProgress reports whether a migration is running.
func (c *Coordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state, CurrentEndpoint: c.current}
	if c.last != nil {
		last := *c.last
		st.LastMigration = &last
	}
	c.mu.Unlock()
	for _, s := range c.deps.Sessions {
		st.Sessions = append(st.Sessions, s.Status())
	}
	return st
}

// Close stops following the bus and stops every session.
func (c *Coordinator) Close(ctx context.Context) {
	c.cancel()
	c.failbackMu.Lock()
	if c.failbackTimer != nil {
		c.failbackTimer.Stop()
	}
	c.failbackMu.Unlock()
	c.wg.Wait()
	c.stopAll(ctx)
}

func (c *Coordinator) registerAll(ctx context.Context, ep models.BackendEndpoint) {
	for _, s := range c.deps.Sessions {
		s.SetEndpoint(ep)
		if _, err := s.Register(ctx, models.IdentityFor(s.Name(), ep), ep); err != nil {
			c.logger.Error("coordinator: failed to register session", "collection", s.Name(), "endpoint", ep.Name, "error", err)
		}
	}
}

func (c *Coordinator) stopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range c.deps.Sessions {
		wg.Add(1)
		go func(s Replicator) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
			defer cancel()
			s.Stop(stopCtx)
		}(s)
	}
	wg.Wait()
}

func (c *Coordinator) loadState(ctx context.Context) (*models.FailoverState, error) {
	return c.stateStore.FindOne(ctx, models.FailoverStateID)
}

func (c *Coordinator) saveState(ctx context.Context, st models.FailoverState) error {
	st.ID = models.FailoverStateID
	doc, err := store.Encode(st)
	if err != nil {
		return err
	}
	coll := c.stateStore.Collection()
	cur, err := coll.FindOne(ctx, st.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		_, err = coll.Insert(ctx, doc)
		return err
	}
	_, err = coll.Update(ctx, st.ID, doc)
	return err
}
