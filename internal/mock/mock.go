// Package mock provides a scriptable in-memory transport for tests.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/transport"
)

// DoFunc answers a request / response call.
type DoFunc func(ctx context.Context, ep models.BackendEndpoint, req transport.Request) ([]byte, error)

// Transport implements transport.Client. Requests go to OnDo, which by default
// answers with an empty payload. Subscriptions are recorded so tests can
// drive them.
type Transport struct {
	mu           sync.Mutex
	onDo         DoFunc
	subscribeErr error
	requests     []Call
	subs         []*Subscription
	maxOpen      map[string]int
	peakTotal    int
}

// Call is a recorded request.
type Call struct {
	Endpoint string
	Request  transport.Request
}

var _ transport.Client = (*Transport)(nil)

// Create returns a transport answering every call with `{}`.
func Create() *Transport {
	return &Transport{maxOpen: map[string]int{}}
}

// OnDo replaces the request handler.
func (t *Transport) OnDo(f DoFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDo = f
}

// FailSubscribe makes Subscribe return err until called again with nil.
func (t *Transport) FailSubscribe(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeErr = err
}

func (t *Transport) Do(ctx context.Context, ep models.BackendEndpoint, req transport.Request) ([]byte, error) {
	t.mu.Lock()
	t.requests = append(t.requests, Call{Endpoint: ep.Name, Request: req})
	f := t.onDo
	t.mu.Unlock()
	if f == nil {
		return []byte(`{}`), nil
	}
	return f(ctx, ep, req)
}

func (t *Transport) Subscribe(ctx context.Context, ep models.BackendEndpoint, req transport.Request) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribeErr != nil {
		return nil, t.subscribeErr
	}
	s := &Subscription{
		Endpoint: ep,
		Request:  req,
		data:     make(chan []byte, 16),
		events:   make(chan transport.Event, 16),
		owner:    t,
	}
	t.subs = append(t.subs, s)

	open := 0
	for _, other := range t.subs {
		if !other.isClosed() {
			open++
		}
	}
	if open > t.peakTotal {
		t.peakTotal = open
	}
	n := t.openLocked(ep.Name)
	if n > t.maxOpen[ep.Name] {
		t.maxOpen[ep.Name] = n
	}

	s.events <- transport.Event{Type: transport.EventConnected, At: time.Now()}
	return s, nil
}

func (t *Transport) openLocked(endpoint string) int {
	n := 0
	for _, s := range t.subs {
		if s.Endpoint.Name == endpoint && !s.isClosed() {
			n++
		}
	}
	return n
}

// Requests returns the recorded calls.
func (t *Transport) Requests() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.requests...)
}

// Subscriptions returns every subscription opened so far.
func (t *Transport) Subscriptions() []*Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Subscription(nil), t.subs...)
}

// Open returns the subscriptions still open against endpoint.
func (t *Transport) Open(endpoint string) []*Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Subscription
	for _, s := range t.subs {
		if s.Endpoint.Name == endpoint && !s.isClosed() {
			out = append(out, s)
		}
	}
	return out
}

// PeakOpen returns the largest number of simultaneously open subscriptions
// observed at subscribe time.
func (t *Transport) PeakOpen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakTotal
}

// ErrClosed is returned by Close on a subscription that a test tore down.
var ErrClosed = errors.New("mock: collection is closed")

// Subscription is a live channel driven by the test.
type Subscription struct {
	Endpoint models.BackendEndpoint
	Request  transport.Request

	owner    *Transport
	mu       sync.Mutex
	closed   bool
	closeErr error
	data     chan []byte
	events   chan transport.Event
}

func (s *Subscription) Data() <-chan []byte           { return s.data }
func (s *Subscription) Events() <-chan transport.Event { return s.events }

// Close closes both channels. It returns the error set by FailClose, once.
func (s *Subscription) Close(ctx context.Context) error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true
	close(s.data)
	close(s.events)
	return s.closeErr
}

// FailClose makes Close return err.
func (s *Subscription) FailClose(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// IsClosed reports whether Close was called.
func (s *Subscription) IsClosed() bool {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.isClosed()
}

// Push delivers a payload. It reports false if the subscription is closed.
func (s *Subscription) Push(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.data <- payload
	return true
}

// Emit delivers a lifecycle event. It reports false if the subscription is closed.
func (s *Subscription) Emit(e transport.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.events <- e
	return true
}

// AbnormalClose emits a closed event with code 1006.
func (s *Subscription) AbnormalClose(reason string) bool {
	return s.Emit(transport.Event{Type: transport.EventClosed, Code: 1006, Reason: reason})
}
