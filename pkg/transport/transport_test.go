package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventIsAbnormalClose(t *testing.T) {
	assert.True(t, Event{Type: EventClosed, Code: 1006}.IsAbnormalClose())
	assert.True(t, Event{Type: EventClosed, Code: 4500}.IsAbnormalClose())
	assert.False(t, Event{Type: EventClosed, Code: 1000}.IsAbnormalClose())
	assert.False(t, Event{Type: EventClosed, Code: 1001}.IsAbnormalClose())
	assert.False(t, Event{Type: EventError, Code: 1006}.IsAbnormalClose())
}

func TestExponentialBackoffRetryer(t *testing.T) {
	r := &ExponentialBackoffRetryer{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2,
		MaxRetries:   5,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
	}
	for _, c := range cases {
		d, ok := r.NextDelay(c.attempt, errors.New("x"))
		assert.True(t, ok)
		assert.Equal(t, c.want, d)
	}

	_, ok := r.NextDelay(5, nil)
	assert.False(t, ok)
}

func TestExponentialBackoffRetryerJitter(t *testing.T) {
	r := NewExponentialBackoffRetryer()
	for i := 0; i < 50; i++ {
		d, ok := r.NextDelay(0, nil)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, d, 700*time.Millisecond)
		assert.LessOrEqual(t, d, 1300*time.Millisecond)
	}
}

func TestFixedDelayRetryer(t *testing.T) {
	r := NewFixedDelayRetryer(50*time.Millisecond, 2)
	d, ok := r.NextDelay(0, nil)
	assert.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, d)
	_, ok = r.NextDelay(2, nil)
	assert.False(t, ok)

	unlimited := NewFixedDelayRetryer(time.Millisecond, 0)
	_, ok = unlimited.NextDelay(1000, nil)
	assert.True(t, ok)
}
