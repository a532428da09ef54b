// Package network exposes the single "device has a network" signal that every
// replication session follows.
package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/kioskworks/kiosksync/pkg/logger"
)

// Detector reports whether the device currently has connectivity.
// Platform specific implementations live outside this module.
type Detector interface {
	Online(ctx context.Context) bool
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context) bool

func (f DetectorFunc) Online(ctx context.Context) bool { return f(ctx) }

// Monitor holds the latest online state and fans changes out to subscribers.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
	logger logger.Logger
}

// NewMonitor returns a monitor whose initial state is online.
func NewMonitor(initial bool, log logger.Logger) *Monitor {
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{
		online: initial,
		subs:   make(map[int]chan bool),
		logger: log,
	}
}

// IsOnline returns the latest known state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a new state and notifies subscribers when it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.logger.Info("network state changed", "online", online)
	for _, ch := range m.subs {
		deliverLatest(ch, online)
	}
}

// Subscribe returns a channel that first yields the current state and then
// every change. Slow readers only ever see the latest value.
// The returned function cancels the subscription and closes the channel.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	ch <- m.online
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			close(ch)
			m.mu.Unlock()
		})
	}
}

// Run polls d every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, d Detector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Set(d.Online(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Set(d.Online(ctx))
		}
	}
}

// deliverLatest replaces any unread value in the single-slot channel.
func deliverLatest(ch chan bool, v bool) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// DialDetector considers the device online when a TCP dial to Address succeeds.
type DialDetector struct {
	Address string
	Timeout time.Duration
}

func (d DialDetector) Online(ctx context.Context) bool {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
