// Package failover aggregates health signals from every replication session
// into one failover decision.
//
// Events land in a bounded history. Each emitted event recomputes the decision
// from the events of the sliding window, so confidence decays on its own as
// failures age out. Decisions above the threshold are published on a debounced
// stream once the signal settles, and decisions above the emergency threshold
// are also published immediately.
package failover

import (
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/metrics"
	"github.com/kioskworks/kiosksync/pkg/models"
)

const eventBuffer = 64

// Sink receives health signals. Sessions depend on this rather than on Bus.
type Sink interface {
	Emit(t models.FailoverEventType, source string, data models.EventData, severity models.Severity) models.FailoverEvent
}

// Statistics summarizes the bus for operators.
type Statistics struct {
	TotalEvents    int                              `json:"totalEvents"`
	HistorySize    int                              `json:"historySize"`
	WindowEvents   int                              `json:"windowEvents"`
	ByType         map[models.FailoverEventType]int `json:"byType"`
	BySeverity     map[string]int                   `json:"bySeverity"`
	BySource       map[string]int                   `json:"bySource"`
	LastEventAt    *time.Time                       `json:"lastEventAt,omitempty"`
	LastDecision   models.FailoverDecision          `json:"lastDecision"`
	WindowResetAt  *time.Time                       `json:"windowResetAt,omitempty"`
	PendingSettled bool                             `json:"pendingSettled"`
}

// Bus is the failover event bus. Use NewBus.
type Bus struct {
	opts    Options
	logger  logger.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	history []models.FailoverEvent
	total   int
	resetAt time.Time
	latest  models.FailoverDecision
	timer   *time.Timer
	closed  bool

	nextSub   int
	debounced map[int]chan models.FailoverDecision
	emergency map[int]chan models.FailoverDecision
	events    map[int]chan models.FailoverEvent
}

var _ Sink = (*Bus)(nil)

// NewBus returns a bus. Zero fields of opts take their defaults.
func NewBus(opts Options, log logger.Logger, m *metrics.Registry) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	opts = opts.withDefaults()
	return &Bus{
		opts:      opts,
		logger:    log,
		metrics:   m,
		history:   make([]models.FailoverEvent, 0, opts.HistorySize),
		latest:    models.FailoverDecision{Reason: "no recent events", Timestamp: opts.Now()},
		debounced: map[int]chan models.FailoverDecision{},
		emergency: map[int]chan models.FailoverDecision{},
		events:    map[int]chan models.FailoverEvent{},
	}
}

// Options returns the effective options.
func (b *Bus) Options() Options {
	return b.opts
}

// Emit records an event and recomputes the decision.
func (b *Bus) Emit(t models.FailoverEventType, source string, data models.EventData, severity models.Severity) models.FailoverEvent {
	e := models.FailoverEvent{
		ID:        newEventID(),
		Type:      t,
		Source:    source,
		Timestamp: b.opts.Now(),
		Severity:  severity,
		Data:      data,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) == b.opts.HistorySize {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, e)
	b.total++

	b.metrics.RecordFailoverEvent(string(t), severity.String())
	b.logger.Debug("failover: event", "type", t, "source", source, "severity", severity, "id", e.ID)

	if b.closed {
		return e
	}
	for _, ch := range b.events {
		select {
		case ch <- e:
		default:
			b.logger.Warn("failover: event subscriber is not keeping up, dropping event", "id", e.ID)
		}
	}

	d := b.scoreLocked(e.Timestamp)
	b.latest = d
	b.metrics.SetConfidence(d.Confidence)

	if !d.ShouldFailover {
		return e
	}
	b.logger.Info("failover: decision above threshold", "confidence", d.Confidence, "reason", d.Reason)

	if d.Confidence >= b.opts.EmergencyThreshold {
		b.logger.Warn("failover: emergency decision", "confidence", d.Confidence, "reason", d.Reason)
		publish(b.emergency, d)
	}
	b.scheduleLocked()
	return e
}

// TriggerManualFailover emits a manual trigger, which forces full confidence.
func (b *Bus) TriggerManualFailover(reason string) models.FailoverEvent {
	return b.Emit(models.EventManualTrigger, models.SourceManual, models.EventData{Message: reason}, models.SeverityCritical)
}

// Decision recomputes the decision from the current window.
func (b *Bus) Decision() models.FailoverDecision {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.scoreLocked(b.opts.Now())
	b.latest = d
	return d
}

// History returns a copy of the retained events, oldest first.
func (b *Bus) History() []models.FailoverEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.FailoverEvent(nil), b.history...)
}

// ResetWindow excludes events at or before at from future decisions, cancels
// a pending settled decision and discards unread decisions computed at or
// before at. The history itself is kept.
func (b *Bus) ResetWindow(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetAt = at
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	discardBefore(b.debounced, at)
	discardBefore(b.emergency, at)
	b.latest = b.scoreLocked(b.opts.Now())
	b.metrics.SetConfidence(b.latest.Confidence)
}

// Statistics returns counts over the history and the window.
func (b *Bus) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	window := InWindow(b.scorable(), now, b.opts.Window)
	st := Statistics{
		TotalEvents:    b.total,
		HistorySize:    len(b.history),
		WindowEvents:   len(window),
		ByType:         map[models.FailoverEventType]int{},
		BySeverity:     map[string]int{},
		BySource:       map[string]int{},
		LastDecision:   b.latest,
		PendingSettled: b.timer != nil,
	}
	for _, e := range window {
		st.ByType[e.Type]++
		st.BySeverity[e.Severity.String()]++
		st.BySource[e.Source]++
	}
	if n := len(b.history); n > 0 {
		at := b.history[n-1].Timestamp
		st.LastEventAt = &at
	}
	if !b.resetAt.IsZero() {
		at := b.resetAt
		st.WindowResetAt = &at
	}
	return st
}

// SubscribeDebounced returns decisions that stayed above the threshold for the
// debounce period without a newer qualifying decision.
func (b *Bus) SubscribeDebounced() (<-chan models.FailoverDecision, func()) {
	return subscribe(b, b.debounced, 1)
}

// SubscribeEmergency returns decisions at or above the emergency threshold as
// soon as they are computed.
func (b *Bus) SubscribeEmergency() (<-chan models.FailoverDecision, func()) {
	return subscribe(b, b.emergency, 1)
}

// SubscribeEvents returns every emitted event.
func (b *Bus) SubscribeEvents() (<-chan models.FailoverEvent, func()) {
	return subscribe(b, b.events, eventBuffer)
}

// Close stops the debounce timer and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	closeAll(b.debounced)
	closeAll(b.emergency)
	closeAll(b.events)
}

func (b *Bus) scorable() []models.FailoverEvent {
	if b.resetAt.IsZero() {
		return b.history
	}
	out := make([]models.FailoverEvent, 0, len(b.history))
	for _, e := range b.history {
		if e.Timestamp.After(b.resetAt) {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bus) scoreLocked(now time.Time) models.FailoverDecision {
	return Score(b.scorable(), now, b.opts)
}

// scheduleLocked restarts the debounce timer.
func (b *Bus) scheduleLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(b.opts.Debounce, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.timer != t || b.closed {
			return
		}
		b.timer = nil
		d := b.scoreLocked(b.opts.Now())
		b.latest = d
		if !d.ShouldFailover {
			b.logger.Debug("failover: decision decayed before settling", "confidence", d.Confidence)
			return
		}
		b.logger.Info("failover: decision settled", "confidence", d.Confidence, "reason", d.Reason)
		publish(b.debounced, d)
	})
	b.timer = t
}

func newEventID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return id.String()
}

func subscribe[T any](b *Bus, subs map[int]chan T, size int) (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
		})
	}
}

// discardBefore empties subscriber buffers of decisions computed at or before
// at. Callers hold b.mu, so nothing publishes in between.
func discardBefore(subs map[int]chan models.FailoverDecision, at time.Time) {
	for _, ch := range subs {
		select {
		case d := <-ch:
			if d.Timestamp.After(at) {
				ch <- d
			}
		default:
		}
	}
}

// publish hands d to every subscriber, replacing an unread older decision.
func publish(subs map[int]chan models.FailoverDecision, d models.FailoverDecision) {
	for _, ch := range subs {
		select {
		case ch <- d:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- d:
		default:
		}
	}
}

func closeAll[T any](subs map[int]chan T) {
	for id, ch := range subs {
		delete(subs, id)
		close(ch)
	}
}
