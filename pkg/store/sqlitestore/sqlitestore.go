// Package sqlitestore is a durable local store adapter on an embedded SQLite
// database. Documents are stored as CBOR blobs next to the columns the
// replication bookkeeping queries on.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/store"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	origin     TEXT NOT NULL,
	body       BLOB NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_seq ON documents (collection, seq);
CREATE TABLE IF NOT EXISTS meta (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (collection, key)
);
CREATE TABLE IF NOT EXISTS sequences (
	collection TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL
);
`

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("sqlitestore: invalid CBOR encoding options: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("sqlitestore: invalid CBOR decoding options: %v", err))
	}
}

// Database is a SQLite backed store.Database.
type Database struct {
	db *sql.DB

	mu          sync.Mutex
	collections map[string]*Collection
	closed      bool
	pending     store.PendingWrites
}

var _ store.Database = (*Database)(nil)

// Open opens or creates the database at path. Use ":memory:" for a throwaway store.
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: failed to open database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: failed to create schema: %w", err)
	}

	return &Database{db: db, collections: make(map[string]*Collection)}, nil
}

func (d *Database) Collection(name string) (store.Collection, error) {
	if name == "" {
		return nil, constants.ErrNoCollectionName
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, constants.ErrStoreClosed
	}
	c, ok := d.collections[name]
	if !ok {
		c = &Collection{db: d, name: name, feed: store.NewFeed()}
		d.collections[name] = c
	}
	return c, nil
}

func (d *Database) WaitForPendingWrites(ctx context.Context) error {
	return d.pending.Wait(ctx)
}

func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, c := range d.collections {
		c.feed.Close()
	}
	d.mu.Unlock()
	return d.db.Close()
}

func (d *Database) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Database) beginWrite() (func(), error) {
	if d.isClosed() {
		return nil, constants.ErrStoreClosed
	}
	return d.pending.Begin(), nil
}

// Collection is one collection inside a Database.
type Collection struct {
	db   *Database
	name string
	feed *store.Feed
	// writeMu serializes read-modify-write sequences.
	writeMu sync.Mutex
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) Find(ctx context.Context, sel store.Selector) ([]models.Document, error) {
	docs, err := c.scan(ctx, "SELECT body, seq, origin FROM documents WHERE collection = ?", c.name)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if sel.Matches(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (c *Collection) FindOne(ctx context.Context, idOrSelector any) (models.Document, error) {
	if id, ok := idOrSelector.(string); ok {
		docs, err := c.scan(ctx, "SELECT body, seq, origin FROM documents WHERE collection = ? AND id = ?", c.name, id)
		if err != nil || len(docs) == 0 {
			return nil, err
		}
		return docs[0], nil
	}
	docs, err := c.Find(ctx, store.SelectorFor(idOrSelector))
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *Collection) Insert(ctx context.Context, doc models.Document) (models.Document, error) {
	done, err := c.db.beginWrite()
	if err != nil {
		return nil, err
	}
	defer done()

	doc = doc.Clone()
	if doc.ID() == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: failed to generate id: %w", err)
		}
		doc[models.FieldID] = id.String()
	}
	if _, ok := doc[models.FieldDeleted]; !ok {
		doc[models.FieldDeleted] = false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	existing, err := c.FindOne(ctx, doc.ID())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("sqlitestore: document %q already exists in %s", doc.ID(), c.name)
	}
	if err := c.write(ctx, []models.Document{doc}, store.OriginLocal); err != nil {
		return nil, err
	}
	c.feed.Notify()
	return doc, nil
}

func (c *Collection) Update(ctx context.Context, id string, patch map[string]any) (models.Document, error) {
	done, err := c.db.beginWrite()
	if err != nil {
		return nil, err
	}
	defer done()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur, err := c.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("sqlitestore: %s/%s: %w", c.name, id, constants.ErrNotFound)
	}
	for k, v := range patch {
		if k == models.FieldID {
			continue
		}
		cur[k] = v
	}
	if err := c.write(ctx, []models.Document{cur}, store.OriginLocal); err != nil {
		return nil, err
	}
	c.feed.Notify()
	return cur, nil
}

func (c *Collection) Delete(ctx context.Context, id string, hard bool) (bool, error) {
	if !hard {
		_, err := c.Update(ctx, id, map[string]any{models.FieldDeleted: true})
		if errors.Is(err, constants.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}

	done, err := c.db.beginWrite()
	if err != nil {
		return false, err
	}
	defer done()

	res, err := c.db.db.ExecContext(ctx, "DELETE FROM documents WHERE collection = ? AND id = ?", c.name, id)
	if err != nil {
		return false, c.wrap(err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.feed.Notify()
	}
	return n > 0, nil
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
	q := "SELECT body, seq, origin FROM documents WHERE collection = ? AND seq > ?"
	args := []any{c.name, req.ChangedSince}
	if req.ExcludeOrigin != "" {
		q += " AND origin <> ?"
		args = append(args, req.ExcludeOrigin)
	}
	q += " ORDER BY seq"
	docs, err := c.scan(ctx, q, args...)
	if err != nil {
		return store.QueryResult{}, err
	}
	return store.SelectChanges(docs, req), nil
}

func (c *Collection) BulkUpsert(ctx context.Context, docs []models.Document, opts store.WriteOptions) error {
	if len(docs) == 0 {
		return nil
	}
	done, err := c.db.beginWrite()
	if err != nil {
		return err
	}
	defer done()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	valid := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID() != "" {
			valid = append(valid, d.Clone())
		}
	}
	if err := c.write(ctx, valid, opts.Origin); err != nil {
		return err
	}
	c.feed.Notify()
	return nil
}

func (c *Collection) GetMeta(ctx context.Context, key string) (string, bool, error) {
	if c.db.isClosed() {
		return "", false, constants.ErrStoreClosed
	}
	var v string
	err := c.db.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE collection = ? AND key = ?", c.name, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, c.wrap(err)
	}
	return v, true, nil
}

func (c *Collection) SetMeta(ctx context.Context, key, value string) error {
	if c.db.isClosed() {
		return constants.ErrStoreClosed
	}
	_, err := c.db.db.ExecContext(ctx,
		`INSERT INTO meta (collection, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value`,
		c.name, key, value)
	return c.wrap(err)
}

// write stores docs in one transaction, stamping each with the next sequence.
func (c *Collection) write(ctx context.Context, docs []models.Document, origin string) error {
	if origin == "" {
		origin = store.OriginLocal
	}
	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return c.wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range docs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sequences (collection, seq) VALUES (?, 1)
			 ON CONFLICT (collection) DO UPDATE SET seq = seq + 1`, c.name); err != nil {
			return c.wrap(err)
		}
		var seq int64
		if err := tx.QueryRowContext(ctx, "SELECT seq FROM sequences WHERE collection = ?", c.name).Scan(&seq); err != nil {
			return c.wrap(err)
		}
		store.Stamp(d, seq, origin)

		body, err := encMode.Marshal(map[string]any(d))
		if err != nil {
			return fmt.Errorf("sqlitestore: failed to encode %s/%s: %w", c.name, d.ID(), err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, seq, origin, body) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (collection, id) DO UPDATE SET seq = excluded.seq, origin = excluded.origin, body = excluded.body`,
			c.name, d.ID(), seq, origin, body); err != nil {
			return c.wrap(err)
		}
	}
	return c.wrap(tx.Commit())
}

func (c *Collection) scan(ctx context.Context, query string, args ...any) ([]models.Document, error) {
	if c.db.isClosed() {
		return nil, constants.ErrStoreClosed
	}
	rows, err := c.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.wrap(err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var (
			body   []byte
			seq    int64
			origin string
		)
		if err := rows.Scan(&body, &seq, &origin); err != nil {
			return nil, c.wrap(err)
		}
		var m map[string]any
		if err := decMode.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("sqlitestore: failed to decode document in %s: %w", c.name, err)
		}
		doc := models.Document(m)
		store.Stamp(doc, seq, origin)
		out = append(out, doc)
	}
	return out, c.wrap(rows.Err())
}

// wrap maps errors caused by a concurrent Close onto constants.ErrStoreClosed.
func (c *Collection) wrap(err error) error {
	if err == nil {
		return nil
	}
	if c.db.isClosed() || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("sqlitestore: %s: %w", c.name, constants.ErrStoreClosed)
	}
	return fmt.Errorf("sqlitestore: %s: %w", c.name, err)
}
