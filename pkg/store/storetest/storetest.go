// Package storetest holds the behaviour every store.Database engine must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/errclass"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh database from newDB in each subtest.
func Run(t *testing.T, newDB func(t *testing.T) store.Database) {
	t.Run("crud", func(t *testing.T) { testCRUD(t, newDB(t)) })
	t.Run("soft delete", func(t *testing.T) { testSoftDelete(t, newDB(t)) })
	t.Run("query changes", func(t *testing.T) { testQuery(t, newDB(t)) })
	t.Run("meta", func(t *testing.T) { testMeta(t, newDB(t)) })
	t.Run("find stream", func(t *testing.T) { testFindStream(t, newDB(t)) })
	t.Run("closed", func(t *testing.T) { testClosed(t, newDB(t)) })
	t.Run("typed", func(t *testing.T) { testTyped(t, newDB(t)) })
}

func collection(t *testing.T, db store.Database, name string) store.Collection {
	t.Helper()
	c, err := db.Collection(name)
	require.NoError(t, err)
	return c
}

func testCRUD(t *testing.T, db store.Database) {
	ctx := context.Background()
	defer db.Close()

	_, err := db.Collection("")
	require.ErrorIs(t, err, constants.ErrNoCollectionName)

	c := collection(t, db, "transactions")
	assert.Equal(t, "transactions", c.Name())

	doc, err := c.Insert(ctx, models.Document{"id": "t1", "status": "open"})
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.ID())
	assert.False(t, doc.Deleted())

	_, err = c.Insert(ctx, models.Document{"id": "t1"})
	require.Error(t, err)

	generated, err := c.Insert(ctx, models.Document{"status": "open"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID())

	updated, err := c.Update(ctx, "t1", map[string]any{"status": "paid", "id": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "paid", updated["status"])
	assert.Equal(t, "t1", updated.ID())

	_, err = c.Update(ctx, "missing", map[string]any{"status": "x"})
	require.ErrorIs(t, err, constants.ErrNotFound)

	got, err := c.FindOne(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "paid", got["status"])

	got, err = c.FindOne(ctx, store.Selector{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, generated.ID(), got.ID())

	none, err := c.FindOne(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := c.Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	existed, err := c.Delete(ctx, "t1", true)
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = c.Delete(ctx, "t1", true)
	require.NoError(t, err)
	assert.False(t, existed)
}

func testSoftDelete(t *testing.T, db store.Database) {
	ctx := context.Background()
	defer db.Close()
	c := collection(t, db, "devices")

	_, err := c.Insert(ctx, models.Document{"id": "d1"})
	require.NoError(t, err)

	existed, err := c.Delete(ctx, "d1", false)
	require.NoError(t, err)
	assert.True(t, existed)

	// The engine keeps soft-deleted documents; the facade filters them.
	doc, err := c.FindOne(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, doc.Deleted())

	all, err := c.Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Empty(t, store.Live(all))

	existed, err = c.Delete(ctx, "missing", false)
	require.NoError(t, err)
	assert.False(t, existed)
}

func testQuery(t *testing.T, db store.Database) {
	ctx := context.Background()
	defer db.Close()
	c := collection(t, db, "transactions")

	_, err := c.Insert(ctx, models.Document{"id": "l1"})
	require.NoError(t, err)
	require.NoError(t, c.BulkUpsert(ctx, []models.Document{{"id": "r1"}, {"id": "r2"}, {"status": "no id"}},
		store.WriteOptions{Origin: store.OriginRemote}))
	_, err = c.Insert(ctx, models.Document{"id": "l2"})
	require.NoError(t, err)

	res, err := c.Query(ctx, store.QueryRequest{ExcludeOrigin: store.OriginRemote})
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "l1", res.Documents[0].ID())
	assert.Equal(t, "l2", res.Documents[1].ID())
	require.NotNil(t, res.Checkpoint)

	again, err := c.Query(ctx, store.QueryRequest{ExcludeOrigin: store.OriginRemote, ChangedSince: *res.Checkpoint})
	require.NoError(t, err)
	assert.Empty(t, again.Documents)
	assert.Nil(t, again.Checkpoint)

	limited, err := c.Query(ctx, store.QueryRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited.Documents, 1)
	assert.Equal(t, "l1", limited.Documents[0].ID())

	// A later local edit of a replicated document is pushed.
	_, err = c.Update(ctx, "r1", map[string]any{"status": "edited"})
	require.NoError(t, err)
	res, err = c.Query(ctx, store.QueryRequest{ExcludeOrigin: store.OriginRemote, ChangedSince: *res.Checkpoint})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "r1", res.Documents[0].ID())
}

func testMeta(t *testing.T, db store.Database) {
	ctx := context.Background()
	defer db.Close()
	c := collection(t, db, "transactions")

	_, ok, err := c.GetMeta(ctx, "checkpoint")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetMeta(ctx, "checkpoint", "a"))
	require.NoError(t, c.SetMeta(ctx, "checkpoint", "b"))
	v, ok, err := c.GetMeta(ctx, "checkpoint")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	other := collection(t, db, "devices")
	_, ok, err = other.GetMeta(ctx, "checkpoint")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testFindStream(t *testing.T, db store.Database) {
	defer db.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := collection(t, db, "device_history")
	stream, err := c.FindStream(ctx, store.Selector{"device_id": "k1"})
	require.NoError(t, err)

	first := receive(t, stream)
	assert.Empty(t, first)

	require.NoError(t, c.BulkUpsert(ctx, []models.Document{{"id": "h1", "device_id": "k1"}, {"id": "h2", "device_id": "k2"}},
		store.WriteOptions{Origin: store.OriginRemote}))

	require.Eventually(t, func() bool {
		select {
		case docs := <-stream:
			return len(docs) == 1 && docs[0].ID() == "h1"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	one, err := c.FindOneStream(ctx, "h2")
	require.NoError(t, err)
	doc := <-one
	require.NotNil(t, doc)
	assert.Equal(t, "k2", doc["device_id"])

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-stream
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func testClosed(t *testing.T, db store.Database) {
	ctx := context.Background()
	c := collection(t, db, "transactions")

	stream, err := c.FindStream(ctx, nil)
	require.NoError(t, err)
	<-stream

	require.NoError(t, db.WaitForPendingWrites(ctx))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = c.Insert(ctx, models.Document{"id": "x"})
	assert.True(t, errclass.IsStoreClosed(err), "%v", err)
	_, err = c.Find(ctx, nil)
	assert.True(t, errclass.IsStoreClosed(err), "%v", err)
	err = c.BulkUpsert(ctx, []models.Document{{"id": "x"}}, store.WriteOptions{})
	assert.True(t, errclass.IsStoreClosed(err), "%v", err)
	err = c.SetMeta(ctx, "k", "v")
	assert.True(t, errclass.IsStoreClosed(err), "%v", err)
	_, err = db.Collection("other")
	assert.True(t, errclass.IsStoreClosed(err), "%v", err)

	require.Eventually(t, func() bool {
		_, ok := <-stream
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

type device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func testTyped(t *testing.T, db store.Database) {
	ctx := context.Background()
	defer db.Close()

	devices := store.NewTyped[device](collection(t, db, "devices"))

	saved, err := devices.Insert(ctx, device{ID: "d1", Name: "kiosk-1", Status: "online"})
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", saved.Name)
	_, err = devices.Insert(ctx, device{ID: "d2", Name: "kiosk-2"})
	require.NoError(t, err)

	got, err := devices.Update(ctx, "d1", map[string]any{"status": "offline"})
	require.NoError(t, err)
	assert.Equal(t, "offline", got.Status)

	ok, err := devices.Delete(ctx, "d2")
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := devices.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "d1", all[0].ID)

	gone, err := devices.FindOne(ctx, "d2")
	require.NoError(t, err)
	assert.Nil(t, gone)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := devices.FindStream(sctx, nil)
	require.NoError(t, err)
	vals := <-stream
	require.Len(t, vals, 1)
	assert.Equal(t, "kiosk-1", vals[0].Name)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream value")
	}
	var zero T
	return zero
}
