package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/errclass"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/transport"
)

const (
	dataBuffer  = 64
	eventBuffer = 64
)

type subscription struct {
	dialer *Dialer
	ep     models.BackendEndpoint
	req    transport.Request
	id     string
	logger logger.Logger

	data   chan []byte
	events chan transport.Event

	ctx    context.Context
	cancel context.CancelFunc
	// done closes when Close is called. loopDone closes once the connection
	// loop has exited and both channels are closed.
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// connLock guards conn and serializes data frame writes.
	connLock sync.Mutex
	conn     *gorilla.Conn

	pongTimedOut atomic.Bool
}

var _ transport.Subscription = (*subscription)(nil)

func newSubscription(d *Dialer, ep models.BackendEndpoint, req transport.Request, id string) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{
		dialer:   d,
		ep:       ep,
		req:      req,
		id:       id,
		logger:   d.logger,
		data:     make(chan []byte, dataBuffer),
		events:   make(chan transport.Event, eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (s *subscription) Data() <-chan []byte           { return s.data }
func (s *subscription) Events() <-chan transport.Event { return s.events }

// Close sends complete and a normal close frame within the ctx deadline, then
// closes the connection and waits for the loop to exit.
func (s *subscription) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()

		s.connLock.Lock()
		conn := s.conn
		s.conn = nil
		if conn != nil {
			deadline, ok := ctx.Deadline()
			if !ok {
				deadline = time.Now().Add(time.Second)
			}
			_ = conn.SetWriteDeadline(deadline)
			if err := writeMessage(conn, message{ID: s.id, Type: msgComplete}); err != nil {
				s.logger.Debug("gorillaws: failed to write complete message", "error", err)
			}
			if err := conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseNormal, "")); err != nil {
				s.logger.Debug("gorillaws: failed to write close message", "error", err)
			}
			_ = conn.Close()
		}
		s.connLock.Unlock()
	})

	select {
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// connect dials and performs the connection_init and subscribe handshake.
func (s *subscription) connect(ctx context.Context) (*gorilla.Conn, error) {
	conn, res, err := s.dialer.WSDialer.DialContext(ctx, s.ep.WS, nil)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	if err := s.handshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *subscription) handshake(conn *gorilla.Conn) error {
	timeout := s.dialer.AckTimeout
	if timeout <= 0 {
		timeout = constants.DefaultPongTimeout
	}
	deadline := time.Now().Add(timeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := writeMessage(conn, message{Type: msgConnectionInit, Payload: json.RawMessage(`{}`)}); err != nil {
		return fmt.Errorf("connection_init: %w", err)
	}
	for {
		m, err := readMessage(conn)
		if err != nil {
			return fmt.Errorf("waiting for connection_ack: %w", err)
		}
		if m.Type == msgConnectionAck {
			break
		}
		if m.Type == msgPing {
			if err := writeMessage(conn, message{Type: msgPong}); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("unexpected %q before connection_ack", m.Type)
	}

	payload, err := json.Marshal(s.req)
	if err != nil {
		return fmt.Errorf("encode subscribe payload: %w", err)
	}
	if err := writeMessage(conn, message{ID: s.id, Type: msgSubscribe, Payload: payload}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

// loop serves conn and then keeps reconnecting until closed or the retryer gives up.
func (s *subscription) loop(conn *gorilla.Conn) {
	defer func() {
		s.cancel()
		close(s.data)
		close(s.events)
		close(s.loopDone)
	}()

	var retryer transport.Retryer
	if s.dialer.NewRetryer != nil {
		retryer = s.dialer.NewRetryer()
	}

	attempt := 0
	var lastErr error
	for {
		if conn != nil {
			if retryer != nil {
				retryer.Reset()
			}
			attempt = 0
			lastErr = s.serve(conn)
			conn = nil
		}
		if s.closing() {
			return
		}
		if retryer == nil {
			s.logger.Debug("gorillaws: reconnection disabled, ending subscription", "endpoint", s.ep.Name)
			return
		}

		delay, ok := retryer.NextDelay(attempt, lastErr)
		if !ok {
			s.emit(transport.Event{Type: transport.EventError, Err: fmt.Errorf("gorillaws: giving up reconnecting to %s: %w", s.ep.Name, lastErr)})
			return
		}
		attempt++

		s.logger.Debug("gorillaws: waiting before reconnecting", "endpoint", s.ep.Name, "delay", delay, "attempt", attempt)
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		c, err := s.connect(s.ctx)
		if err != nil {
			if s.closing() {
				return
			}
			lastErr = err
			s.logger.Warn("gorillaws: failed to reconnect", "endpoint", s.ep.Name, "error", err)
			// A failed connection attempt surfaces as an abnormal close, like a browser socket would.
			s.emit(transport.Event{Type: transport.EventClosed, Code: constants.CloseAbnormal, Reason: err.Error(), Err: err})
			continue
		}
		conn = c
	}
}

// serve reads from conn until it fails, keeping it alive with pings.
// It returns the error that ended the connection.
func (s *subscription) serve(conn *gorilla.Conn) error {
	s.connLock.Lock()
	if s.closing() {
		s.connLock.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.connLock.Unlock()
	s.pongTimedOut.Store(false)

	s.emit(transport.Event{Type: transport.EventConnected})

	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		s.emit(transport.Event{Type: transport.EventPong})
		return nil
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(conn, pongs, stop)
	}()

	var readErr error
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		s.handle(raw)
	}

	close(stop)
	wg.Wait()

	s.connLock.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connLock.Unlock()
	_ = conn.Close()

	if s.closing() {
		return readErr
	}

	code, reason := s.closeDetails(readErr)
	s.logger.Info("gorillaws: connection closed", "endpoint", s.ep.Name, "code", code, "reason", reason)
	s.emit(transport.Event{Type: transport.EventClosed, Code: code, Reason: reason, Err: readErr})
	return readErr
}

func (s *subscription) keepalive(conn *gorilla.Conn, pongs <-chan struct{}, stop <-chan struct{}) {
	interval := s.dialer.PingInterval
	if interval <= 0 {
		return
	}
	timeout := s.dialer.PongTimeout
	if timeout <= 0 {
		timeout = constants.DefaultPongTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		select {
		case <-pongs:
		default:
		}
		if err := conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return
		}
		s.emit(transport.Event{Type: transport.EventPing})

		select {
		case <-stop:
			return
		case <-pongs:
		case <-time.After(timeout):
			s.logger.Warn("gorillaws: pong timeout", "endpoint", s.ep.Name, "timeout", timeout)
			s.pongTimedOut.Store(true)
			_ = conn.Close()
			return
		}
	}
}

func (s *subscription) handle(raw []byte) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		s.logger.Warn("gorillaws: dropping undecodable message", "endpoint", s.ep.Name, "error", err)
		return
	}

	switch m.Type {
	case msgNext:
		if m.ID != s.id {
			return
		}
		select {
		case s.data <- []byte(m.Payload):
		case <-s.done:
		}
	case msgError:
		var errs errclass.GraphQLErrors
		if err := json.Unmarshal(m.Payload, &errs); err != nil {
			errs = errclass.GraphQLErrors{{Message: string(m.Payload)}}
		}
		s.emit(transport.Event{Type: transport.EventError, Err: errs})
	case msgPing:
		s.connLock.Lock()
		if s.conn != nil {
			if err := writeMessage(s.conn, message{Type: msgPong}); err != nil {
				s.logger.Debug("gorillaws: failed to answer ping", "error", err)
			}
		}
		s.connLock.Unlock()
	case msgPong:
		s.emit(transport.Event{Type: transport.EventPong})
	case msgComplete:
		s.logger.Debug("gorillaws: server completed subscription", "endpoint", s.ep.Name, "id", m.ID)
	}
}

func (s *subscription) closeDetails(err error) (int, string) {
	var ce *gorilla.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if s.pongTimedOut.Load() {
		return constants.CloseAbnormal, "pong timeout"
	}
	if err == nil {
		return constants.CloseAbnormal, ""
	}
	return constants.CloseAbnormal, err.Error()
}

func (s *subscription) emit(e transport.Event) {
	e.At = time.Now()
	select {
	case s.events <- e:
	case <-s.done:
	}
}
