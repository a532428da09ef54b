package network

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorSubscribe(t *testing.T) {
	m := NewMonitor(true, nil)

	ch, cancel := m.Subscribe()
	defer cancel()

	require.True(t, <-ch)

	m.Set(false)
	require.False(t, <-ch)
	require.False(t, m.IsOnline())

	// Repeated values are not re-delivered.
	m.Set(false)
	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery %v", v)
	default:
	}
}

func TestMonitorSlowSubscriberSeesLatest(t *testing.T) {
	m := NewMonitor(true, nil)
	ch, cancel := m.Subscribe()
	defer cancel()
	<-ch

	m.Set(false)
	m.Set(true)
	m.Set(false)

	assert.False(t, <-ch)
}

func TestMonitorCancel(t *testing.T) {
	m := NewMonitor(false, nil)
	ch, cancel := m.Subscribe()
	<-ch
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	assert.NotPanics(t, func() { m.Set(true) })
}

func TestMonitorRun(t *testing.T) {
	var online atomic.Bool
	m := NewMonitor(false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, DetectorFunc(func(context.Context) bool { return online.Load() }), 10*time.Millisecond)

	online.Store(true)
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)

	online.Store(false)
	require.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, 5*time.Millisecond)
}

func TestDialDetector(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	assert.True(t, DialDetector{Address: l.Addr().String()}.Online(context.Background()))

	addr := l.Addr().String()
	require.NoError(t, l.Close())
	assert.False(t, DialDetector{Address: addr, Timeout: 200 * time.Millisecond}.Online(context.Background()))
}
