package coordinator

import (
	"time"

	"github.com/kioskworks/kiosksync/pkg/models"
)

// ProbeSource is the event source of server_up signals raised by the health probe.
const ProbeSource = "health_probe"

// probeState is the last known health of the primary while on the secondary.
type probeState int

const (
	probeUnknown probeState = iota
	probeUnhealthy
	probeHealthy
)

// onEvent schedules a fail-back when the primary is reported up while on the
// secondary. Signals seen during a migration are dropped.
func (c *Coordinator) onEvent(e models.FailoverEvent) {
	if e.Type != models.EventServerUp {
		return
	}
	if c.InProgress() {
		c.logger.Debug("coordinator: migration in progress, ignoring recovery signal", "source", e.Source)
		return
	}
	if c.CurrentEndpoint().Name != c.deps.Endpoints.Secondary.Name {
		return
	}
	c.scheduleFailback("primary reported up by " + e.Source)
}

// scheduleFailback runs a fail-back once recovery signals stop arriving for
// the fail-back debounce.
func (c *Coordinator) scheduleFailback(reason string) {
	c.failbackMu.Lock()
	defer c.failbackMu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	if c.failbackTimer != nil {
		c.failbackTimer.Stop()
	}
	c.logger.Info("coordinator: fail-back scheduled", "in", c.opts.FailbackDebounce, "reason", reason)
	c.failbackTimer = time.AfterFunc(c.opts.FailbackDebounce, func() {
		select {
		case c.failbackDue <- reason:
		default:
		}
	})
}

func (c *Coordinator) cancelFailback() {
	c.failbackMu.Lock()
	defer c.failbackMu.Unlock()
	if c.failbackTimer != nil {
		c.failbackTimer.Stop()
		c.failbackTimer = nil
	}
	select {
	case <-c.failbackDue:
	default:
	}
	c.inactiveTicks = 0
}

func (c *Coordinator) runFailback(reason string) {
	if c.ctx.Err() != nil || c.InProgress() {
		return
	}
	if c.CurrentEndpoint().Name != c.deps.Endpoints.Secondary.Name {
		return
	}
	if err := c.TriggerFailback(c.ctx, reason); err != nil {
		c.logger.Info("coordinator: fail-back skipped", "error", err)
	}
}

// watchFailback looks for a recovered primary while on the secondary. Every
// tick it probes the primary, raising server_up when the probe turns healthy
// after having failed, and counts ticks on which no session is active. Two
// such ticks in a row fail back. Debounced fail-backs also run here.
func (c *Coordinator) watchFailback() {
	t := time.NewTicker(c.opts.FailbackCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case reason := <-c.failbackDue:
			c.runFailback(reason)
		case <-t.C:
			c.checkFailback()
		}
	}
}

func (c *Coordinator) checkFailback() {
	if c.InProgress() || c.CurrentEndpoint().Name != c.deps.Endpoints.Secondary.Name {
		c.failbackMu.Lock()
		c.inactiveTicks = 0
		c.probe = probeUnknown
		c.failbackMu.Unlock()
		return
	}

	if c.deps.Prober != nil {
		healthy := c.deps.Prober.Healthy(c.ctx, c.deps.Endpoints.Primary)
		c.failbackMu.Lock()
		// A primary that was never seen failing has not recovered.
		recovered := healthy && c.probe == probeUnhealthy
		if healthy {
			c.probe = probeHealthy
		} else {
			c.probe = probeUnhealthy
		}
		c.failbackMu.Unlock()
		if recovered {
			c.deps.Bus.Emit(models.EventServerUp, ProbeSource, models.EventData{URL: c.deps.Endpoints.Primary.HTTP}, models.SeverityLow)
		}
	}

	if c.deps.Network != nil && !c.deps.Network.IsOnline() {
		return
	}
	inactive := true
	for _, s := range c.deps.Sessions {
		if s.IsActive() {
			inactive = false
			break
		}
	}

	c.failbackMu.Lock()
	if inactive {
		c.inactiveTicks++
	} else {
		c.inactiveTicks = 0
	}
	due := c.inactiveTicks >= 2
	if due {
		c.inactiveTicks = 0
	}
	c.failbackMu.Unlock()

	if due {
		c.logger.Warn("coordinator: every session inactive on secondary, failing back")
		c.runFailback("all sessions inactive on " + c.deps.Endpoints.Secondary.Name)
	}
}
