package session

import (
	"context"
	"sync"
	"time"

	"github.com/kioskworks/kiosksync/pkg/errclass"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/transport"
)

// Handle is one run of a session against one endpoint.
type Handle struct {
	Identity  models.ReplicationIdentity
	Endpoint  models.BackendEndpoint
	StartedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	drain     chan struct{}
	drainOnce sync.Once
	done      chan struct{}

	mu    sync.Mutex
	sub   transport.Subscription
	dirty bool
}

func newHandle(identity models.ReplicationIdentity, ep models.BackendEndpoint, now time.Time) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		Identity:  identity,
		Endpoint:  ep,
		StartedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		drain:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Done closes when the run has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) requestDrain() {
	h.drainOnce.Do(func() { close(h.drain) })
}

func (h *Handle) setSubscription(sub transport.Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.sub = sub
	return true
}

func (h *Handle) subscription() transport.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sub
}

func (h *Handle) clearSubscription() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sub = nil
}

// closeTransport closes the live channel if one is open. Errors from a
// channel or store that is already gone are expected and only logged at
// debug level.
func (h *Handle) closeTransport(ctx context.Context, log logger.Logger, collection string) {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Close(ctx); err != nil {
		if errclass.IsStoreClosed(err) || ctx.Err() != nil {
			log.Debug("session: live channel already torn down", "collection", collection, "error", err)
			return
		}
		log.Warn("session: failed to close live channel", "collection", collection, "error", err)
	}
}

func (h *Handle) markDirty() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirty = true
}

// takeDirty reports and clears whether a resync is owed.
func (h *Handle) takeDirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.dirty
	h.dirty = false
	return d
}
