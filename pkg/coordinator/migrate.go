package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/kioskworks/kiosksync/pkg/metrics"
	"github.com/kioskworks/kiosksync/pkg/models"
)

// FallbackPrefix marks the reason of a migration that took the forced path.
const FallbackPrefix = "FALLBACK: "

// migrate runs one migration to target. It drains the sessions on the
// current endpoint, forcing them down if the drain times out, then switches
// every session to target and records the outcome.
func (c *Coordinator) migrate(ctx context.Context, target models.BackendEndpoint, reason string) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		c.logger.Info("coordinator: migration already in progress, ignoring trigger", "target", target.Name, "reason", reason)
		return ErrMigrationInProgress
	}
	c.inProgress = true
	c.state = Draining
	from := c.current
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inProgress = false
		c.state = Stable
		c.mu.Unlock()
	}()

	// A migration must run to completion once started, even if the trigger's
	// caller goes away.
	ctx = context.WithoutCancel(ctx)
	c.cancelFailback()
	c.logger.Info("coordinator: migration started", "from", from.Name, "to", target.Name, "reason", reason)

	graceful := c.drainAll(ctx, from)
	if graceful {
		shutdownCtx, cancel := context.WithTimeout(ctx, c.opts.ShutdownTimeout)
		if err := c.deps.Store.WaitForPendingWrites(shutdownCtx); err != nil {
			c.logger.Warn("coordinator: pending local writes did not settle", "error", err)
		}
		cancel()
	} else {
		c.logger.Warn("coordinator: drain timed out, forcing sessions down", "from", from.Name, "timeout", c.opts.DrainTimeout)
		c.stopAll(ctx)
		time.Sleep(c.opts.SettleDelay)
		reason = FallbackPrefix + reason
	}

	if c.ctx.Err() != nil {
		c.logger.Warn("coordinator: closed during migration, not restarting sessions", "to", target.Name)
		return ErrClosed
	}
	c.mu.Lock()
	c.state = Migrating
	c.mu.Unlock()
	c.SwitchEndpoint(ctx, target)

	now := c.deps.Now()
	st := models.FailoverState{
		ID:              models.FailoverStateID,
		CurrentEndpoint: target.Name,
		Reason:          reason,
		Timestamp:       now,
		Graceful:        graceful,
	}
	if err := c.saveState(ctx, st); err != nil {
		c.logger.Error("coordinator: failed to persist failover state", "error", err)
	}
	c.mu.Lock()
	c.last = &st
	c.migratedAt = now
	c.mu.Unlock()

	c.audit(ctx, target, reason)
	c.deps.Bus.ResetWindow(now)

	outcome := metrics.OutcomeGraceful
	switch {
	case !graceful:
		outcome = metrics.OutcomeForced
	case target.Name == c.deps.Endpoints.Primary.Name:
		outcome = metrics.OutcomeFailback
	}
	c.deps.Metrics.RecordMigration(outcome)
	c.logger.Info("coordinator: migration finished", "to", target.Name, "outcome", outcome, "reason", reason)
	return nil
}

// drainAll drains every session currently bound to from and reports whether
// all of them went inactive within the drain timeout.
func (c *Coordinator) drainAll(ctx context.Context, from models.BackendEndpoint) bool {
	drainCtx, cancel := context.WithTimeout(ctx, c.opts.DrainTimeout)
	defer cancel()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok = true
	)
	for _, s := range c.deps.Sessions {
		if !s.IsActive() || s.Endpoint().Name != from.Name {
			continue
		}
		wg.Add(1)
		go func(s Replicator) {
			defer wg.Done()
			if err := s.Drain(drainCtx); err != nil {
				c.logger.Warn("coordinator: session did not drain", "collection", s.Name(), "error", err)
				mu.Lock()
				ok = false
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return ok
}

// SwitchEndpoint points every session at ep and restarts it. Sessions still
// running against another endpoint are stopped first. A session that fails to
// restart is logged and skipped.
func (c *Coordinator) SwitchEndpoint(ctx context.Context, ep models.BackendEndpoint) {
	c.mu.Lock()
	c.current = ep
	c.mu.Unlock()
	c.deps.Metrics.SetCurrentEndpoint(ep.Name, c.deps.Endpoints.Primary.Name, c.deps.Endpoints.Secondary.Name)

	for _, s := range c.deps.Sessions {
		if s.IsActive() && s.Endpoint().Name != ep.Name {
			stopCtx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
			s.Stop(stopCtx)
			cancel()
		}
		s.SetEndpoint(ep)
		if _, err := s.Register(ctx, models.IdentityFor(s.Name(), ep), ep); err != nil {
			c.logger.Error("coordinator: failed to restart session", "collection", s.Name(), "endpoint", ep.Name, "error", err)
		}
	}
}

func (c *Coordinator) audit(ctx context.Context, target models.BackendEndpoint, reason string) {
	if c.deps.Health == nil {
		return
	}
	typ := models.HistoryTypeFailover
	if target.Name == c.deps.Endpoints.Primary.Name {
		typ = models.HistoryTypeFailback
	}
	if _, err := c.deps.Health.RecordHistory(ctx, models.DeviceHistory{
		Type:     typ,
		Status:   target.Name,
		MetaData: reason,
	}); err != nil {
		c.logger.Error("coordinator: failed to write audit record", "error", err)
	}
}
