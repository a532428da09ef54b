package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/store"
	"github.com/kioskworks/kiosksync/pkg/store/sqlitestore"
	"github.com/kioskworks/kiosksync/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSqlitestore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Database {
		db, err := sqlitestore.Open(filepath.Join(t.TempDir(), "kiosk.db"))
		require.NoError(t, err)
		return db
	})
}

func TestSqlitestoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kiosk.db")

	db, err := sqlitestore.Open(path)
	require.NoError(t, err)
	c, err := db.Collection("transactions")
	require.NoError(t, err)
	_, err = c.Insert(ctx, models.Document{"id": "t1", "amount": 12.5, "tags": []any{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, c.SetMeta(ctx, "checkpoint", `{"id":"t1"}`))
	require.NoError(t, db.Close())

	db, err = sqlitestore.Open(path)
	require.NoError(t, err)
	defer db.Close()
	c, err = db.Collection("transactions")
	require.NoError(t, err)

	doc, err := c.FindOne(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, 12.5, doc["amount"])
	assert.Equal(t, []any{"a", "b"}, doc["tags"])
	assert.Equal(t, int64(1), store.SeqOf(doc))

	v, ok, err := c.GetMeta(ctx, "checkpoint")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":"t1"}`, v)

	// Sequences continue across restarts.
	next, err := c.Insert(ctx, models.Document{"id": "t2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), store.SeqOf(next))
}
