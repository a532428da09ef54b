package statusapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/kioskworks/kiosksync/pkg/coordinator"
	"github.com/kioskworks/kiosksync/pkg/failover"
	"github.com/kioskworks/kiosksync/pkg/metrics"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMigrator struct {
	mu        sync.Mutex
	eps       models.Endpoints
	current   models.BackendEndpoint
	reasons   []string
	err       error
	failbacks int
}

func newFakeMigrator() *fakeMigrator {
	eps := models.NewEndpoints("http://p/graphql", "ws://p/graphql", "http://s/graphql", "ws://s/graphql")
	return &fakeMigrator{eps: eps, current: eps.Primary}
}

func (f *fakeMigrator) Status() coordinator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return coordinator.Status{State: coordinator.Stable, CurrentEndpoint: f.current}
}

func (f *fakeMigrator) TriggerFailover(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reasons = append(f.reasons, reason)
	f.current = f.eps.Other(f.current)
	return nil
}

func (f *fakeMigrator) TriggerFailback(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.failbacks++
	f.reasons = append(f.reasons, reason)
	f.current = f.eps.Primary
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeMigrator, *failover.Bus) {
	t.Helper()
	bus := failover.NewBus(failover.DefaultOptions(), nil, nil)
	t.Cleanup(bus.Close)
	m := newFakeMigrator()
	ts := httptest.NewServer(New(m, bus, metrics.New(), nil).Handler())
	t.Cleanup(ts.Close)
	return ts, m, bus
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	st := decode[coordinator.Status](t, resp)
	assert.Equal(t, coordinator.Stable, st.State)
	assert.Equal(t, "primary", st.CurrentEndpoint.Name)
}

func TestEventsAndStats(t *testing.T) {
	ts, _, bus := newTestServer(t)
	bus.Emit(models.EventConnectionFailure, "transactions", models.EventData{RetryCount: models.IntPtr(2)}, models.SeverityMedium)
	bus.Emit(models.EventConnectionFailure, "users", models.EventData{RetryCount: models.IntPtr(1)}, models.SeverityMedium)

	resp, err := http.Get(ts.URL + "/events/stats")
	require.NoError(t, err)
	stats := decode[failover.Statistics](t, resp)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Equal(t, 2, stats.ByType[models.EventConnectionFailure])
	assert.Equal(t, 1, stats.BySource["users"])

	resp, err = http.Get(ts.URL + "/events")
	require.NoError(t, err)
	events := decode[[]models.FailoverEvent](t, resp)
	require.Len(t, events, 2)
	assert.Equal(t, "transactions", events[0].Source)
}

func TestEventsEmptyIsArray(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.JSONEq(t, "[]", string(raw))
}

func TestFailover(t *testing.T) {
	t.Run("default direction and reason", func(t *testing.T) {
		ts, m, _ := newTestServer(t)

		resp, err := http.Post(ts.URL+"/failover", "application/json", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		out := decode[FailoverResponse](t, resp)
		assert.Equal(t, DirectionFailover, out.Direction)
		assert.Equal(t, "secondary", out.CurrentEndpoint.Name)
		assert.Equal(t, []string{defaultReason}, m.reasons)
	})

	t.Run("failback with reason", func(t *testing.T) {
		ts, m, _ := newTestServer(t)
		m.current = m.eps.Secondary

		resp, err := http.Post(ts.URL+"/failover", "application/json",
			strings.NewReader(`{"reason":"primary patched","direction":"failback"}`))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		out := decode[FailoverResponse](t, resp)
		assert.Equal(t, "primary", out.CurrentEndpoint.Name)
		assert.Equal(t, 1, m.failbacks)
		assert.Equal(t, []string{"primary patched"}, m.reasons)
	})

	t.Run("migration in progress", func(t *testing.T) {
		ts, m, _ := newTestServer(t)
		m.err = coordinator.ErrMigrationInProgress

		resp, err := http.Post(ts.URL+"/failover", "application/json", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		body := decode[map[string]string](t, resp)
		assert.Contains(t, body["error"], "in progress")
	})

	t.Run("other error", func(t *testing.T) {
		ts, m, _ := newTestServer(t)
		m.err = errors.New("boom")

		resp, err := http.Post(ts.URL+"/failover", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})

	t.Run("bad requests", func(t *testing.T) {
		ts, m, _ := newTestServer(t)
		for _, body := range []string{`{`, `{"direction":"sideways"}`} {
			resp, err := http.Post(ts.URL+"/failover", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		}
		assert.Empty(t, m.reasons)
	})
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/failover")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	bus := failover.NewBus(failover.DefaultOptions(), nil, nil)
	defer bus.Close()
	reg := metrics.New()
	reg.RecordMigration(metrics.OutcomeGraceful)

	ts := httptest.NewServer(New(newFakeMigrator(), bus, reg, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `kiosksync_migrations_total{outcome="graceful"} 1`)
}

func TestServeStopsOnCancel(t *testing.T) {
	bus := failover.NewBus(failover.DefaultOptions(), nil, nil)
	defer bus.Close()
	s := New(newFakeMigrator(), bus, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, "127.0.0.1:0") }()
	cancel()
	assert.NoError(t, <-done)
}
