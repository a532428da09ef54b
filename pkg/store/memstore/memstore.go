// Package memstore is an in-memory implementation of the local store adapter.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/store"
)

// Database holds every collection in memory.
type Database struct {
	mu          sync.Mutex
	collections map[string]*Collection
	closed      bool
	pending     store.PendingWrites
}

var _ store.Database = (*Database)(nil)

// New returns an empty database.
func New() *Database {
	return &Database{collections: make(map[string]*Collection)}
}

// Collection returns the named collection, creating it on first use.
func (db *Database) Collection(name string) (store.Collection, error) {
	if name == "" {
		return nil, constants.ErrNoCollectionName
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, constants.ErrStoreClosed
	}
	c, ok := db.collections[name]
	if !ok {
		c = &Collection{
			db:   db,
			name: name,
			docs: make(map[string]models.Document),
			meta: make(map[string]string),
			feed: store.NewFeed(),
		}
		db.collections[name] = c
	}
	return c, nil
}

func (db *Database) WaitForPendingWrites(ctx context.Context) error {
	return db.pending.Wait(ctx)
}

// Close makes every later call fail with constants.ErrStoreClosed and ends all streams.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	for _, c := range db.collections {
		c.feed.Close()
	}
	return nil
}

func (db *Database) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// Collection is one in-memory collection.
type Collection struct {
	db   *Database
	name string

	mu   sync.RWMutex
	docs map[string]models.Document
	meta map[string]string
	seq  int64
	feed *store.Feed
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) Find(ctx context.Context, sel store.Selector) ([]models.Document, error) {
	if c.db.isClosed() {
		return nil, constants.ErrStoreClosed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Document, 0, len(c.docs))
	for _, d := range c.docs {
		if sel.Matches(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (c *Collection) FindOne(ctx context.Context, idOrSelector any) (models.Document, error) {
	if id, ok := idOrSelector.(string); ok {
		if c.db.isClosed() {
			return nil, constants.ErrStoreClosed
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		if d, ok := c.docs[id]; ok {
			return d.Clone(), nil
		}
		return nil, nil
	}
	docs, err := c.Find(ctx, store.SelectorFor(idOrSelector))
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *Collection) Insert(ctx context.Context, doc models.Document) (models.Document, error) {
	done, err := c.beginWrite()
	if err != nil {
		return nil, err
	}
	defer done()

	doc = doc.Clone()
	if doc.ID() == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("memstore: failed to generate id: %w", err)
		}
		doc[models.FieldID] = id.String()
	}
	if _, ok := doc[models.FieldDeleted]; !ok {
		doc[models.FieldDeleted] = false
	}

	c.mu.Lock()
	if _, exists := c.docs[doc.ID()]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("memstore: document %q already exists in %s", doc.ID(), c.name)
	}
	c.seq++
	store.Stamp(doc, c.seq, store.OriginLocal)
	c.docs[doc.ID()] = doc
	c.mu.Unlock()

	c.feed.Notify()
	return doc.Clone(), nil
}

func (c *Collection) Update(ctx context.Context, id string, patch map[string]any) (models.Document, error) {
	done, err := c.beginWrite()
	if err != nil {
		return nil, err
	}
	defer done()

	c.mu.Lock()
	cur, ok := c.docs[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("memstore: %s/%s: %w", c.name, id, constants.ErrNotFound)
	}
	next := cur.Clone()
	for k, v := range patch {
		if k == models.FieldID {
			continue
		}
		next[k] = v
	}
	c.seq++
	store.Stamp(next, c.seq, store.OriginLocal)
	c.docs[id] = next
	c.mu.Unlock()

	c.feed.Notify()
	return next.Clone(), nil
}

func (c *Collection) Delete(ctx context.Context, id string, hard bool) (bool, error) {
	if !hard {
		_, err := c.Update(ctx, id, map[string]any{models.FieldDeleted: true})
		if err != nil {
			if errors.Is(err, constants.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	done, err := c.beginWrite()
	if err != nil {
		return false, err
	}
	defer done()

	c.mu.Lock()
	_, ok := c.docs[id]
	delete(c.docs, id)
	c.mu.Unlock()
	if ok {
		c.feed.Notify()
	}
	return ok, nil
}

func (c *Collection) FindStream(ctx context.Context, sel store.Selector) (<-chan []models.Document, error) {
	if c.db.isClosed() {
		return nil, constants.ErrStoreClosed
	}
	return store.Stream(ctx, c.feed, func(ctx context.Context) ([]models.Document, error) {
		return c.Find(ctx, sel)
	}), nil
}

func (c *Collection) FindOneStream(ctx context.Context, id string) (<-chan models.Document, error) {
	if c.db.isClosed() {
		return nil, constants.ErrStoreClosed
	}
	return store.Stream(ctx, c.feed, store.FindOneFunc(c, id)), nil
}

func (c *Collection) Query(ctx context.Context, req store.QueryRequest) (store.QueryResult, error) {
	docs, err := c.Find(ctx, nil)
	if err != nil {
		return store.QueryResult{}, err
	}
	return store.SelectChanges(docs, req), nil
}

func (c *Collection) BulkUpsert(ctx context.Context, docs []models.Document, opts store.WriteOptions) error {
	if len(docs) == 0 {
		return nil
	}
	done, err := c.beginWrite()
	if err != nil {
		return err
	}
	defer done()

	c.mu.Lock()
	for _, d := range docs {
		if d.ID() == "" {
			continue
		}
		d = d.Clone()
		c.seq++
		store.Stamp(d, c.seq, opts.Origin)
		c.docs[d.ID()] = d
	}
	c.mu.Unlock()

	c.feed.Notify()
	return nil
}

func (c *Collection) GetMeta(ctx context.Context, key string) (string, bool, error) {
	if c.db.isClosed() {
		return "", false, constants.ErrStoreClosed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.meta[key]
	return v, ok, nil
}

func (c *Collection) SetMeta(ctx context.Context, key, value string) error {
	if c.db.isClosed() {
		return constants.ErrStoreClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[key] = value
	return nil
}

func (c *Collection) beginWrite() (func(), error) {
	if c.db.isClosed() {
		return nil, constants.ErrStoreClosed
	}
	return c.db.pending.Begin(), nil
}
