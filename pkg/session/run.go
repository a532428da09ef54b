package session

import (
	"context"
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/errclass"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/replconfig"
	"github.com/kioskworks/kiosksync/pkg/transport"
)

// run is the replication loop of h. It pulls and pushes once, then follows
// the live channel, local changes and the retry timer until stopped or drained.
func (s *Session) run(h *Handle) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
		h.closeTransport(ctx, s.logger, s.cfg.Name)
		cancel()
		close(h.done)
		s.finish(h)
	}()

	field := replconfig.CheckpointFieldFor(h.Endpoint)

	changes, err := s.coll.FindStream(h.ctx, nil)
	if err != nil {
		if errclass.IsStoreClosed(err) {
			s.logger.Debug("session: store closed before start", "collection", s.cfg.Name)
			return
		}
		s.logger.Error("session: cannot watch local changes", "collection", s.cfg.Name, "error", err)
	}

	s.syncCycle(h, field)

	var (
		data   <-chan []byte
		events <-chan transport.Event
	)
	if s.cfg.Live {
		data, events = s.subscribe(h, field)
	}

	retry := time.NewTicker(s.cfg.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.drain:
			s.logger.Debug("session: draining", "collection", s.cfg.Name, "identity", h.Identity)
			s.pushCycle(h)
			return
		case raw, ok := <-data:
			if !ok {
				data, events = nil, nil
				h.clearSubscription()
				continue
			}
			s.applyRemote(h, field, replconfig.NormalizePullResponse(raw, s.cfg.ResponseKeys(), field))
		case e, ok := <-events:
			if !ok {
				data, events = nil, nil
				h.clearSubscription()
				continue
			}
			if s.handleEvent(h, e) {
				s.syncCycle(h, field)
			}
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.pushCycle(h)
		case <-retry.C:
			if s.cfg.Live && data == nil && h.ctx.Err() == nil {
				data, events = s.subscribe(h, field)
			}
			if h.takeDirty() {
				s.syncCycle(h, field)
			}
		}
	}
}

// subscribe opens the live channel. A failure counts as an abnormal close.
func (s *Session) subscribe(h *Handle, field string) (<-chan []byte, <-chan transport.Event) {
	req := transport.Request{Query: replconfig.StreamSubscription(s.cfg, field)}
	sub, err := s.deps.Transport.Subscribe(h.ctx, h.Endpoint, req)
	if err != nil {
		if h.ctx.Err() != nil {
			return nil, nil
		}
		s.mu.Lock()
		s.connected = false
		s.disconnected = true
		s.errorCount++
		s.lastError = err.Error()
		s.mu.Unlock()
		s.logger.Warn("session: failed to open live channel", "collection", s.cfg.Name, "endpoint", h.Endpoint.Name, "error", err)
		s.deps.Metrics.RecordClose(s.cfg.Name, constants.CloseAbnormal)
		s.recordAbnormalClose(h, constants.CloseAbnormal, err.Error())
		return nil, nil
	}
	if !h.setSubscription(sub) {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
		_ = sub.Close(ctx)
		cancel()
		return nil, nil
	}
	return sub.Data(), sub.Events()
}

// handleEvent tracks the live channel's health. It reports whether a resync
// is due.
func (s *Session) handleEvent(h *Handle, e transport.Event) bool {
	switch e.Type {
	case transport.EventConnected:
		s.mu.Lock()
		recovered := s.disconnected
		s.connected = true
		s.disconnected = false
		s.mu.Unlock()
		if !recovered {
			s.logger.Debug("session: live channel connected", "collection", s.cfg.Name, "endpoint", h.Endpoint.Name)
			return false
		}
		s.logger.Info("session: live channel restored", "collection", s.cfg.Name, "endpoint", h.Endpoint.Name)
		s.deps.Bus.Emit(models.EventConnectionRestored, s.cfg.Name, models.EventData{URL: h.Endpoint.WS}, models.SeverityLow)
		return true

	case transport.EventClosed:
		s.deps.Metrics.RecordClose(s.cfg.Name, e.Code)
		s.mu.Lock()
		s.connected = false
		if e.IsAbnormalClose() {
			s.disconnected = true
		}
		s.mu.Unlock()
		if !e.IsAbnormalClose() {
			s.logger.Info("session: live channel closed", "collection", s.cfg.Name, "code", e.Code)
			return false
		}
		s.recordAbnormalClose(h, e.Code, e.Reason)
		return false

	case transport.EventError:
		if e.Err == nil {
			return false
		}
		s.mu.Lock()
		s.errorCount++
		s.lastError = e.Err.Error()
		s.mu.Unlock()
		if errclass.IsGraphQLError(e.Err) && !errclass.IsConnectionError(e.Err) {
			s.logger.Warn("session: live channel reported an error", "collection", s.cfg.Name, "error", e.Err)
		} else {
			s.logger.Warn("session: live channel failed", "collection", s.cfg.Name, "endpoint", h.Endpoint.Name, "error", e.Err)
		}
		return false

	default:
		return false
	}
}

// recordAbnormalClose counts a close in the rolling window and escalates once
// per threshold crossing.
func (s *Session) recordAbnormalClose(h *Handle, code int, reason string) {
	now := s.deps.Now()
	s.mu.Lock()
	s.closes = pruneBefore(s.closes, now.Add(-s.opts.CloseWindow))
	before := len(s.closes)
	s.closes = append(s.closes, now)
	count := len(s.closes)
	s.mu.Unlock()

	s.logger.Warn("session: abnormal close", "collection", s.cfg.Name, "endpoint", h.Endpoint.Name,
		"code", code, "reason", reason, "count", count)

	data := models.EventData{
		RetryCount: models.IntPtr(count),
		ErrorCode:  models.IntPtr(code),
		URL:        h.Endpoint.WS,
		Message:    reason,
	}
	if before < s.opts.FailureThreshold && count >= s.opts.FailureThreshold {
		s.deps.Bus.Emit(models.EventConnectionFailure, s.cfg.Name, data, models.SeverityCritical)
	}
	if before < s.opts.ServerDownThreshold && count >= s.opts.ServerDownThreshold {
		s.deps.Bus.Emit(models.EventServerDown, s.cfg.Name, data, models.SeverityCritical)
	}
}
