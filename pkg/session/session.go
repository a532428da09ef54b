// Package session runs the live pull/push replication of one collection
// against one backend endpoint.
//
// A Session is created once per collection and lives for the whole process.
// Each successful Register starts a run, represented by a [Handle], that owns
// the live channel to the endpoint. Only one run exists per session at a time,
// so at most one transport per collection is ever open.
//
// Sessions never return replication failures to their caller. Transport and
// sync problems are classified and reported to the failover event bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/errclass"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/replconfig"
	"github.com/kioskworks/kiosksync/pkg/store"
)

// Session replicates one collection. Use New.
type Session struct {
	cfg    replconfig.CollectionConfig
	deps   Deps
	opts   Options
	coll   store.Collection
	logger logger.Logger

	mu       sync.Mutex
	endpoint models.BackendEndpoint
	handle   *Handle
	identity models.ReplicationIdentity
	closed   bool

	// wanted is set by Register and cleared by Stop and Drain. The network
	// watcher only restarts sessions that are wanted.
	wanted       bool
	wantIdentity models.ReplicationIdentity
	wantEndpoint models.BackendEndpoint
	registering  int

	connected    bool
	disconnected bool
	errorCount   int
	failures     int
	lastError    string
	lastSyncAt   time.Time
	closes       []time.Time

	watchOnce   sync.Once
	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New creates the session of cfg. It fails on wiring mistakes only.
func New(cfg replconfig.CollectionConfig, deps Deps) (*Session, error) {
	if cfg.Name == "" {
		return nil, constants.ErrNoCollectionName
	}
	if deps.Store == nil {
		return nil, constants.ErrStoreNotReady
	}
	if deps.Transport == nil {
		return nil, constants.ErrNoTransport
	}
	if deps.Bus == nil {
		return nil, errors.New("session: no event sink")
	}
	coll, err := deps.Store.Collection(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", cfg.Name, err)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:         cfg,
		deps:        deps,
		opts:        deps.Options.withDefaults(),
		coll:        coll,
		logger:      deps.Logger,
		watchCtx:    ctx,
		watchCancel: cancel,
		watchDone:   make(chan struct{}),
	}, nil
}

// Name returns the collection name.
func (s *Session) Name() string {
	return s.cfg.Name
}

// Config returns the replication configuration.
func (s *Session) Config() replconfig.CollectionConfig {
	return s.cfg
}

// Register starts replicating against ep under identity.
//
// It returns a nil handle and a nil error when the device is offline; the
// session then starts on its own once the network comes back. Registering an
// identity that is already active returns the existing handle. A concurrent
// registration is waited for, up to the registration wait.
func (s *Session) Register(ctx context.Context, identity models.ReplicationIdentity, ep models.BackendEndpoint) (*Handle, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if ep.IsZero() {
		return nil, fmt.Errorf("%w: empty endpoint for %s", constants.ErrUnknownEndpoint, identity)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, constants.ErrSessionClosed
	}
	s.wanted = true
	s.wantIdentity = identity
	s.wantEndpoint = ep
	s.endpoint = ep
	if h := s.handle; h != nil && h.Identity == identity {
		s.mu.Unlock()
		s.logger.Debug("session: already active", "collection", s.cfg.Name, "identity", identity)
		return h, nil
	}
	s.mu.Unlock()
	s.startWatcher()

	if !s.online() {
		s.logger.Debug("session: offline, will start when the network is back", "collection", s.cfg.Name, "identity", identity)
		return nil, nil
	}

	if !s.waitForRegistration(ctx) {
		s.logger.Warn("session: concurrent registration still pending, proceeding",
			"collection", s.cfg.Name, "identity", identity, "waited", s.opts.RegistrationWait)
	}
	return s.start(ctx, identity, ep)
}

// waitForRegistration polls until no registration is in flight. It reports
// false if one still is when the wait ends.
func (s *Session) waitForRegistration(ctx context.Context) bool {
	deadline := time.Now().Add(s.opts.RegistrationWait)
	ticker := time.NewTicker(s.opts.RegistrationPoll)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		pending := s.registering > 0
		s.mu.Unlock()
		if !pending {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Session) start(ctx context.Context, identity models.ReplicationIdentity, ep models.BackendEndpoint) (*Handle, error) {
	s.mu.Lock()
	old := s.handle
	if old != nil && old.Identity == identity {
		s.mu.Unlock()
		return old, nil
	}
	s.registering++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.registering--
		s.mu.Unlock()
	}()

	if old != nil {
		// Stop before start, never two runs at once.
		s.logger.Warn("session: replacing active registration", "collection", s.cfg.Name, "from", old.Identity, "to", identity)
		s.stopHandle(ctx, old)
	}

	if s.cfg.WaitForLeadership && s.deps.Elector != nil {
		if err := s.deps.Elector.WaitForLeadership(ctx); err != nil {
			return nil, fmt.Errorf("session %s: waiting for leadership: %w", s.cfg.Name, err)
		}
	}

	h := newHandle(identity, ep, s.deps.Now())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.cancel()
		return nil, constants.ErrSessionClosed
	}
	if existing := s.handle; existing != nil {
		s.mu.Unlock()
		h.cancel()
		if existing.Identity == identity {
			return existing, nil
		}
		return nil, fmt.Errorf("session %s: already active as %s", s.cfg.Name, existing.Identity)
	}
	if !s.wanted {
		s.mu.Unlock()
		h.cancel()
		s.logger.Debug("session: stopped while registering", "collection", s.cfg.Name, "identity", identity)
		return nil, nil
	}
	if s.identity != identity {
		s.closes = nil
		s.failures = 0
		s.disconnected = false
	}
	s.identity = identity
	s.endpoint = ep
	s.handle = h
	s.connected = false
	s.mu.Unlock()

	s.deps.Metrics.SetSessionActive(s.cfg.Name, true)
	s.logger.Info("session: started", "collection", s.cfg.Name, "identity", identity, "endpoint", ep.Name)

	go s.run(h)
	return h, nil
}

// Stop ends the active run, if any, and keeps the session from restarting
// on its own. It is safe to call repeatedly and after the store or transport
// was torn down.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	s.wanted = false
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		s.stopHandle(ctx, h)
	}
}

// Drain asks the active run to finish its current cycle, flush pending local
// changes and stop. It returns ctx.Err() if the run is still active when ctx
// ends, leaving the run draining.
func (s *Session) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.wanted = false
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	h.requestDrain()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) stopHandle(ctx context.Context, h *Handle) {
	h.cancel()
	h.closeTransport(ctx, s.logger, s.cfg.Name)

	select {
	case <-h.done:
	case <-ctx.Done():
		s.logger.Warn("session: run did not exit in time, detaching", "collection", s.cfg.Name, "identity", h.Identity)
	}
	s.finish(h)
}

// finish marks h as no longer active. Only the owning session calls it.
func (s *Session) finish(h *Handle) {
	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.connected = false
	s.mu.Unlock()

	s.deps.Metrics.SetSessionActive(s.cfg.Name, false)
	s.logger.Info("session: stopped", "collection", s.cfg.Name, "identity", h.Identity)
}

// SetEndpoint sets the endpoint the next start targets. It does not restart
// an active run.
func (s *Session) SetEndpoint(ep models.BackendEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = ep
}

func (s *Session) Endpoint() models.BackendEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Handle returns the active run, or nil.
func (s *Session) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// IsActive reports whether a run is active.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Identity:            s.identity,
		CurrentEndpoint:     s.endpoint,
		IsActive:            s.handle != nil,
		IsConnected:         s.connected,
		ErrorCount:          s.errorCount,
		ConsecutiveFailures: s.failures,
		RecentCloses:        len(pruneBefore(s.closes, s.deps.Now().Add(-s.opts.CloseWindow))),
		LastError:           s.lastError,
	}
	if !s.lastSyncAt.IsZero() {
		at := s.lastSyncAt
		st.LastSyncAt = &at
	}
	return st
}

// Close stops the session for good.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.watchCancel()
	s.Stop(ctx)
}

func (s *Session) online() bool {
	if s.deps.Network == nil {
		return true
	}
	return s.deps.Network.IsOnline()
}

func (s *Session) startWatcher() {
	if s.deps.Network == nil {
		return
	}
	s.watchOnce.Do(func() {
		updates, cancel := s.deps.Network.Subscribe()
		go func() {
			defer close(s.watchDone)
			defer cancel()
			for {
				select {
				case <-s.watchCtx.Done():
					return
				case online, ok := <-updates:
					if !ok {
						return
					}
					s.networkChanged(online)
				}
			}
		}()
	})
}

func (s *Session) networkChanged(online bool) {
	s.mu.Lock()
	h := s.handle
	restart := online && s.wanted && h == nil && !s.closed
	ep := s.endpoint
	identity := s.wantIdentity
	if ep.Name != s.wantEndpoint.Name || identity.Validate() != nil {
		identity = models.IdentityFor(s.cfg.Name, ep)
	}
	s.mu.Unlock()

	switch {
	case !online && h != nil:
		s.logger.Info("session: network offline, stopping", "collection", s.cfg.Name)
		ctx, cancel := context.WithTimeout(s.watchCtx, s.opts.StopTimeout)
		s.stopHandle(ctx, h)
		cancel()
	case restart:
		s.logger.Info("session: network online, starting", "collection", s.cfg.Name, "endpoint", ep.Name)
		if _, err := s.start(s.watchCtx, identity, ep); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("session: failed to start after network came back", "collection", s.cfg.Name, "error", err)
		}
	}
}

// recordError tracks a sync failure and reports it to the event bus when it
// looks like the backend is unreachable.
func (s *Session) recordError(h *Handle, op string, err error) {
	if h.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	if errclass.IsStoreClosed(err) {
		s.logger.Debug("session: store closed during "+op, "collection", s.cfg.Name, "error", err)
		return
	}
	if errclass.IsOffline(err) {
		s.logger.Warn("session: device offline during "+op, "collection", s.cfg.Name)
		h.markDirty()
		return
	}

	s.mu.Lock()
	s.errorCount++
	s.lastError = err.Error()
	connErr := errclass.IsConnectionError(err)
	if connErr {
		s.failures++
	}
	failures := s.failures
	s.mu.Unlock()
	h.markDirty()

	switch {
	case connErr:
		severity := models.SeverityMedium
		if failures >= constants.HighRetryCount {
			severity = models.SeverityHigh
		}
		s.logger.Warn("session: "+op+" failed", "collection", s.cfg.Name, "endpoint", h.Endpoint.Name, "failures", failures, "error", err)
		s.deps.Bus.Emit(models.EventConnectionFailure, s.cfg.Name, models.EventData{
			RetryCount: models.IntPtr(failures),
			URL:        h.Endpoint.HTTP,
			Message:    err.Error(),
		}, severity)
	case errclass.IsGraphQLError(err):
		s.logger.Warn("session: backend rejected "+op, "collection", s.cfg.Name, "error", err)
	default:
		s.logger.Error("session: "+op+" failed", "collection", s.cfg.Name, "error", err)
	}
}

func (s *Session) recordSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.lastSyncAt = s.deps.Now()
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
