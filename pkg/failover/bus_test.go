package failover

import (
	"sync"
	"testing"
	"time"

	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBus(debounce time.Duration) (*Bus, *fakeClock) {
	clock := &fakeClock{now: epoch}
	opts := DefaultOptions()
	opts.Debounce = debounce
	opts.Now = clock.Now
	return NewBus(opts, nil, nil), clock
}

func failure(retries int) models.EventData {
	return models.EventData{RetryCount: models.IntPtr(retries)}
}

func TestEmitAssignsIDAndTimestamp(t *testing.T) {
	b, _ := testBus(time.Hour)
	defer b.Close()

	e1 := b.Emit(models.EventConnectionFailure, "a", failure(1), models.SeverityMedium)
	e2 := b.Emit(models.EventConnectionFailure, "a", failure(2), models.SeverityMedium)

	assert.NotEmpty(t, e1.ID)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Equal(t, epoch, e1.Timestamp)
	assert.Equal(t, []models.FailoverEvent{e1, e2}, b.History())
}

func TestHistoryIsBounded(t *testing.T) {
	b, _ := testBus(time.Hour)
	defer b.Close()

	var last models.FailoverEvent
	for i := 0; i < 150; i++ {
		last = b.Emit(models.EventConnectionRestored, "a", models.EventData{}, models.SeverityLow)
	}
	h := b.History()
	require.Len(t, h, 100)
	assert.Equal(t, last, h[99])
	assert.Equal(t, 150, b.Statistics().TotalEvents)
}

func TestDebouncedFiresAfterSettling(t *testing.T) {
	b, _ := testBus(50 * time.Millisecond)
	defer b.Close()

	debounced, cancel := b.SubscribeDebounced()
	defer cancel()
	emergency, cancelEmergency := b.SubscribeEmergency()
	defer cancelEmergency()

	b.Emit(models.EventConnectionFailure, "a", failure(5), models.SeverityHigh)
	b.Emit(models.EventConnectionFailure, "b", failure(5), models.SeverityHigh)

	assert.True(t, b.Decision().ShouldFailover)

	select {
	case d := <-debounced:
		assert.InDelta(t, 0.7, d.Confidence, 1e-9)
		assert.True(t, d.ShouldFailover)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced decision not published")
	}

	select {
	case d := <-emergency:
		t.Fatalf("unexpected emergency decision %v", d)
	default:
	}
}

func TestDebounceRestartsOnNewQualifyingDecision(t *testing.T) {
	b, _ := testBus(150 * time.Millisecond)
	defer b.Close()

	debounced, cancel := b.SubscribeDebounced()
	defer cancel()

	b.Emit(models.EventConnectionFailure, "a", failure(5), models.SeverityHigh)
	b.Emit(models.EventConnectionFailure, "b", failure(5), models.SeverityHigh)
	start := time.Now()
	time.Sleep(100 * time.Millisecond)
	b.Emit(models.EventConnectionFailure, "c", failure(5), models.SeverityHigh)

	select {
	case <-debounced:
		assert.GreaterOrEqual(t, time.Since(start), 240*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced decision not published")
	}
}

func TestEmergencyBypassesDebounce(t *testing.T) {
	b, _ := testBus(time.Hour)
	defer b.Close()

	emergency, cancel := b.SubscribeEmergency()
	defer cancel()

	b.Emit(models.EventServerDown, "a", models.EventData{}, models.SeverityCritical)

	select {
	case d := <-emergency:
		assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("emergency decision not published")
	}
}

func TestManualTrigger(t *testing.T) {
	b, _ := testBus(time.Hour)
	defer b.Close()

	emergency, cancel := b.SubscribeEmergency()
	defer cancel()

	e := b.TriggerManualFailover("maintenance")
	assert.Equal(t, models.EventManualTrigger, e.Type)
	assert.Equal(t, models.SourceManual, e.Source)

	d := <-emergency
	assert.Equal(t, 1.0, d.Confidence)
	assert.True(t, d.ShouldFailover)
	assert.Equal(t, "manual trigger: maintenance", d.Reason)
}

func TestConfidenceDecaysAsEventsAge(t *testing.T) {
	b, clock := testBus(time.Hour)
	defer b.Close()

	b.Emit(models.EventServerDown, "a", models.EventData{}, models.SeverityCritical)
	assert.True(t, b.Decision().ShouldFailover)

	clock.Advance(31 * time.Second)
	d := b.Decision()
	assert.False(t, d.ShouldFailover)
	assert.Equal(t, 0.0, d.Confidence)
}

func TestResetWindowCancelsPendingDecision(t *testing.T) {
	b, clock := testBus(50 * time.Millisecond)
	defer b.Close()

	debounced, cancel := b.SubscribeDebounced()
	defer cancel()

	b.Emit(models.EventServerDown, "a", models.EventData{}, models.SeverityCritical)
	b.ResetWindow(clock.Now())

	assert.False(t, b.Decision().ShouldFailover)
	select {
	case d := <-debounced:
		t.Fatalf("unexpected debounced decision %v", d)
	case <-time.After(200 * time.Millisecond):
	}

	clock.Advance(time.Second)
	b.Emit(models.EventServerDown, "a", models.EventData{}, models.SeverityCritical)
	assert.True(t, b.Decision().ShouldFailover)
}

func TestResetWindowDiscardsUnreadDecisions(t *testing.T) {
	b, clock := testBus(20 * time.Millisecond)
	defer b.Close()

	debounced, cancelDebounced := b.SubscribeDebounced()
	defer cancelDebounced()
	emergency, cancelEmergency := b.SubscribeEmergency()
	defer cancelEmergency()

	b.TriggerManualFailover("maintenance")
	require.Eventually(t, func() bool { return !b.Statistics().PendingSettled }, time.Second, time.Millisecond)

	clock.Advance(time.Second)
	b.ResetWindow(clock.Now())

	select {
	case d := <-debounced:
		t.Fatalf("stale settled decision survived the reset: %v", d)
	case d := <-emergency:
		t.Fatalf("stale emergency decision survived the reset: %v", d)
	default:
	}

	clock.Advance(time.Second)
	b.Emit(models.EventServerDown, "a", models.EventData{}, models.SeverityCritical)
	b.ResetWindow(clock.Now().Add(-time.Millisecond))
	select {
	case d := <-emergency:
		assert.True(t, d.ShouldFailover)
	default:
		t.Fatal("decision newer than the reset was discarded")
	}
}

func TestSubscribeEvents(t *testing.T) {
	b, _ := testBus(time.Hour)

	events, cancel := b.SubscribeEvents()
	e := b.Emit(models.EventServerUp, "device_history", models.EventData{}, models.SeverityLow)
	assert.Equal(t, e, <-events)

	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)

	other, _ := b.SubscribeEvents()
	b.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, _ := b.SubscribeDebounced()
	_, ok = <-late
	assert.False(t, ok)
}

func TestStatistics(t *testing.T) {
	b, clock := testBus(time.Hour)
	defer b.Close()

	b.Emit(models.EventConnectionFailure, "a", failure(1), models.SeverityMedium)
	clock.Advance(40 * time.Second)
	b.Emit(models.EventConnectionFailure, "b", failure(1), models.SeverityHigh)
	b.Emit(models.EventConnectionRestored, "b", models.EventData{}, models.SeverityLow)

	st := b.Statistics()
	assert.Equal(t, 3, st.TotalEvents)
	assert.Equal(t, 3, st.HistorySize)
	assert.Equal(t, 2, st.WindowEvents)
	assert.Equal(t, 1, st.ByType[models.EventConnectionFailure])
	assert.Equal(t, 1, st.ByType[models.EventConnectionRestored])
	assert.Equal(t, 2, st.BySource["b"])
	assert.Equal(t, 1, st.BySeverity["high"])
	require.NotNil(t, st.LastEventAt)
	assert.Equal(t, clock.Now(), *st.LastEventAt)
	assert.False(t, st.PendingSettled)
}
