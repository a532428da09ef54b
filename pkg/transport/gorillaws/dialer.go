// Package gorillaws implements live subscriptions over the graphql-transport-ws
// protocol on top of gorilla/websocket.
//
// A subscription keeps itself alive with WebSocket pings, and when the
// connection drops it reconnects using a [transport.Retryer] and resubscribes.
// Every lifecycle transition, including failed reconnection attempts, is
// reported on the subscription's Events channel so that callers can judge
// backend health even while no data flows.
package gorillaws

import (
	"context"
	"fmt"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/kioskworks/kiosksync/internal/rand"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/transport"
)

// Subprotocol is the WebSocket subprotocol negotiated with the backend.
const Subprotocol = "graphql-transport-ws"

const operationIDLength = 16

// DefaultDialer is gorilla's default dialer negotiating Subprotocol.
var DefaultDialer = &gorilla.Dialer{
	Proxy:            gorilla.DefaultDialer.Proxy,
	HandshakeTimeout: gorilla.DefaultDialer.HandshakeTimeout,
	Subprotocols:     []string{Subprotocol},
}

type Option func(d *Dialer)

// Dialer opens subscriptions. It implements transport.Subscriber.
type Dialer struct {
	WSDialer *gorilla.Dialer

	PingInterval time.Duration
	PongTimeout  time.Duration
	// AckTimeout bounds the connection_init / connection_ack handshake.
	AckTimeout time.Duration

	// NewRetryer returns the reconnection policy of each subscription.
	// Reconnection is disabled when nil.
	NewRetryer func() transport.Retryer

	logger logger.Logger
}

var _ transport.Subscriber = (*Dialer)(nil)

// New returns a Dialer with keepalive and reconnection defaults.
func New(opts ...Option) *Dialer {
	d := &Dialer{
		WSDialer:     DefaultDialer,
		PingInterval: constants.DefaultPingInterval,
		PongTimeout:  constants.DefaultPongTimeout,
		AckTimeout:   constants.DefaultPongTimeout,
		NewRetryer: func() transport.Retryer {
			return transport.NewExponentialBackoffRetryer()
		},
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func WithLogger(l logger.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithKeepalive(pingInterval, pongTimeout time.Duration) Option {
	return func(d *Dialer) {
		d.PingInterval = pingInterval
		d.PongTimeout = pongTimeout
	}
}

func WithRetryer(newRetryer func() transport.Retryer) Option {
	return func(d *Dialer) {
		d.NewRetryer = newRetryer
	}
}

// Subscribe connects to ep.WS, performs the protocol handshake and starts req.
// It fails if the first connection cannot be established; later drops are
// handled by reconnecting.
func (d *Dialer) Subscribe(ctx context.Context, ep models.BackendEndpoint, req transport.Request) (transport.Subscription, error) {
	s := newSubscription(d, ep, req, rand.NewOperationID(operationIDLength))

	conn, err := s.connect(ctx)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("gorillaws: failed to subscribe on %s: %w", ep.Name, err)
	}

	go s.loop(conn)
	return s, nil
}
