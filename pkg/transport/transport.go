// Package transport defines how replication talks to a backend: a request /
// response call for pull and push, and a live subscription channel that also
// reports its own lifecycle events.
package transport

import (
	"context"
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/models"
)

// Request is a GraphQL operation.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// EventType is the kind of a transport lifecycle event.
type EventType string

const (
	EventConnected EventType = "connected"
	EventClosed    EventType = "closed"
	EventError     EventType = "error"
	EventPing      EventType = "ping"
	EventPong      EventType = "pong"
)

// Event reports a transport lifecycle transition.
type Event struct {
	Type   EventType
	Code   int
	Reason string
	Err    error
	At     time.Time
}

// IsAbnormalClose reports whether e is a close that was not a normal shutdown.
func (e Event) IsAbnormalClose() bool {
	return e.Type == EventClosed && e.Code != constants.CloseNormal && e.Code != constants.CloseGoingAway
}

// Subscription is a live update channel.
type Subscription interface {
	// Data yields each pushed payload, shaped like a pull response.
	Data() <-chan []byte
	// Events yields lifecycle events. It closes together with Data.
	Events() <-chan Event
	// Close tears the channel down. It is safe to call more than once.
	Close(ctx context.Context) error
}

// Client is everything a replication session needs from a backend.
type Client interface {
	Do(ctx context.Context, ep models.BackendEndpoint, req Request) ([]byte, error)
	Subscribe(ctx context.Context, ep models.BackendEndpoint, req Request) (Subscription, error)
}

// Caller performs request / response operations.
type Caller interface {
	Do(ctx context.Context, ep models.BackendEndpoint, req Request) ([]byte, error)
}

// Subscriber opens live subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, ep models.BackendEndpoint, req Request) (Subscription, error)
}

// Combined joins a Caller and a Subscriber into a Client.
type Combined struct {
	Caller
	Subscriber
}

var _ Client = Combined{}
