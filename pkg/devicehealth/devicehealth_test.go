package devicehealth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/store"
	"github.com/kioskworks/kiosksync/pkg/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var kiosk = DeviceIdentity{ID: "kiosk-7", Name: "Lobby Kiosk"}

type sink struct {
	mu     sync.Mutex
	events []models.FailoverEvent
}

func (s *sink) Emit(t models.FailoverEventType, source string, data models.EventData, severity models.Severity) models.FailoverEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := models.FailoverEvent{Type: t, Source: source, Data: data, Severity: severity, Timestamp: time.Now()}
	s.events = append(s.events, e)
	return e
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newFacade(t *testing.T) (*Facade, *memstore.Database) {
	t.Helper()
	db := memstore.New()
	f, err := New(db, kiosk, nil)
	require.NoError(t, err)
	return f, db
}

func replicate(t *testing.T, db *memstore.Database, collection string, docs ...models.Document) {
	t.Helper()
	c, err := db.Collection(collection)
	require.NoError(t, err)
	require.NoError(t, c.BulkUpsert(context.Background(), docs, store.WriteOptions{Origin: store.OriginRemote}))
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, kiosk, nil)
	assert.ErrorIs(t, err, constants.ErrStoreNotReady)

	_, err = New(memstore.New(), DeviceIdentity{Name: "x"}, nil)
	assert.Error(t, err)
}

func TestHeartbeatCreatesThenUpdates(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()

	rec, err := f.Heartbeat(ctx, models.DeviceOnline)
	require.NoError(t, err)
	assert.Equal(t, kiosk.ID, rec.ID)
	assert.Equal(t, models.DeviceOnline, rec.Status)

	rec, err = f.Heartbeat(ctx, models.DeviceOffline)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOffline, rec.Status)

	devices, err := f.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Lobby Kiosk", devices[0].Name)
}

func TestRecordHistoryFillsDefaults(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()

	saved, err := f.RecordHistory(ctx, models.DeviceHistory{Type: models.HistoryTypeFailover, Status: "secondary", MetaData: "test"})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, kiosk.ID, saved.DeviceID)
	assert.Equal(t, constants.CreatedByClient, saved.CreatedBy)
	assert.NotEmpty(t, saved.ClientCreatedAt)

	_, err = f.RecordHistory(ctx, models.DeviceHistory{DeviceID: "other", Type: models.HistoryTypeHeartbeat})
	require.NoError(t, err)

	mine, err := f.History(ctx, kiosk.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := f.History(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestIsRecoverySignal(t *testing.T) {
	f, _ := newFacade(t)
	tests := []struct {
		name string
		h    models.DeviceHistory
		want bool
	}{
		{"sentinel", models.DeviceHistory{DeviceID: kiosk.ID, CreatedBy: "server", MetaData: "Lobby Kiosk connected"}, true},
		{"other device", models.DeviceHistory{DeviceID: "kiosk-8", CreatedBy: "server", MetaData: "Lobby Kiosk connected"}, false},
		{"written by client", models.DeviceHistory{DeviceID: kiosk.ID, CreatedBy: "client", MetaData: "Lobby Kiosk connected"}, false},
		{"other message", models.DeviceHistory{DeviceID: kiosk.ID, CreatedBy: "server", MetaData: "Lobby Kiosk disconnected"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.IsRecoverySignal(tt.h))
		})
	}
}

func TestWatchRecoveryEmitsServerUpOnSentinel(t *testing.T) {
	f, db := newFacade(t)
	replicate(t, db, HistoryCollection, models.Document{
		"id": "old", "device_id": kiosk.ID, "created_by": "server", "meta_data": "Lobby Kiosk connected",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &sink{}
	go func() { _ = f.WatchRecovery(ctx, s) }()

	// Entries replicated before the watch started are history, not a signal.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, s.count())

	replicate(t, db, HistoryCollection, models.Document{
		"id": "noise", "device_id": kiosk.ID, "created_by": "server", "meta_data": "Lobby Kiosk disconnected",
	})
	replicate(t, db, HistoryCollection, models.Document{
		"id": "h1", "device_id": kiosk.ID, "created_by": "server", "meta_data": "Lobby Kiosk connected",
	})

	require.Eventually(t, func() bool { return s.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.mu.Lock()
	e := s.events[0]
	s.mu.Unlock()
	assert.Equal(t, models.EventServerUp, e.Type)
	assert.Equal(t, Source, e.Source)
	assert.Equal(t, "h1", e.Data.Extra["history_id"])

	// Replays of the same entry do not re-fire.
	replicate(t, db, HistoryCollection, models.Document{
		"id": "h1", "device_id": kiosk.ID, "created_by": "server", "meta_data": "Lobby Kiosk connected",
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.count())
}

func TestWatchRecoveryEmitsOnServerDeviceTransition(t *testing.T) {
	f, db := newFacade(t)
	replicate(t, db, DevicesCollection, models.Document{"id": "srv", "name": "primary", "type": "server", "status": "offline"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &sink{}
	go func() { _ = f.WatchRecovery(ctx, s) }()
	time.Sleep(50 * time.Millisecond)

	replicate(t, db, DevicesCollection, models.Document{"id": "srv", "name": "primary", "type": "server", "status": "online"})
	require.Eventually(t, func() bool { return s.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWatchRecoveryEndsWhenStoreCloses(t *testing.T) {
	f, db := newFacade(t)
	done := make(chan error, 1)
	go func() { done <- f.WatchRecovery(context.Background(), &sink{}) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, db.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not end")
	}

	_, err := f.Heartbeat(context.Background(), models.DeviceOnline)
	assert.ErrorIs(t, err, constants.ErrStoreClosed)
}
