// Package store defines the narrow local document store adapter that
// replication and the device health facade consume, so the storage engine
// behind it is swappable.
//
// Every write is stamped with a per-collection sequence number and an origin.
// [Collection.Query] uses both to find the local changes a push cycle still
// has to send, which makes the sequence the push checkpoint.
//
// Soft deletion is a boolean "_deleted" field on the document. Engines return
// soft-deleted documents from every read; filtering them out is the facade's
// job (see [Typed] and [Live]).
package store

import (
	"context"
	"reflect"

	"github.com/kioskworks/kiosksync/pkg/models"
)

// Write origins.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Selector matches documents whose top-level fields equal every given value.
// A nil or empty selector matches everything.
type Selector map[string]any

// Matches reports whether doc satisfies s.
func (s Selector) Matches(doc models.Document) bool {
	for k, want := range s {
		if !equalValue(doc[k], want) {
			return false
		}
	}
	return true
}

// WriteOptions controls how a replicated write is recorded.
type WriteOptions struct {
	Origin string
}

// QueryRequest selects documents changed after a sequence number.
type QueryRequest struct {
	Selector      Selector
	ChangedSince  int64
	ExcludeOrigin string
	Limit         int
}

// QueryResult holds matching documents in sequence order. Checkpoint is the
// sequence of the last document, nil when nothing matched.
type QueryResult struct {
	Documents  []models.Document
	Checkpoint *int64
}

// Collection is the per-collection adapter.
type Collection interface {
	Name() string

	Find(ctx context.Context, sel Selector) ([]models.Document, error)
	// FindOne accepts a document id or a Selector. It returns nil, nil when nothing matches.
	FindOne(ctx context.Context, idOrSelector any) (models.Document, error)
	Insert(ctx context.Context, doc models.Document) (models.Document, error)
	Update(ctx context.Context, id string, patch map[string]any) (models.Document, error)
	// Delete soft-deletes unless hard is set. It reports whether the document existed.
	Delete(ctx context.Context, id string, hard bool) (bool, error)

	// FindStream emits the current result set and again after every change
	// touching the collection, until ctx is done or the store closes.
	FindStream(ctx context.Context, sel Selector) (<-chan []models.Document, error)
	FindOneStream(ctx context.Context, id string) (<-chan models.Document, error)

	Query(ctx context.Context, req QueryRequest) (QueryResult, error)

	// BulkUpsert writes replicated documents keyed by id.
	BulkUpsert(ctx context.Context, docs []models.Document, opts WriteOptions) error
	// GetMeta and SetMeta hold replication bookkeeping such as checkpoints.
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Database owns the collections of one local store.
type Database interface {
	Collection(name string) (Collection, error)
	// WaitForPendingWrites blocks until in-flight writes have completed or ctx is done.
	WaitForPendingWrites(ctx context.Context) error
	Close() error
}

// Live drops soft-deleted documents.
func Live(docs []models.Document) []models.Document {
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if !d.Deleted() {
			out = append(out, d)
		}
	}
	return out
}

// SelectorFor turns the idOrSelector argument of FindOne into a Selector.
func SelectorFor(idOrSelector any) Selector {
	switch v := idOrSelector.(type) {
	case string:
		return Selector{models.FieldID: v}
	case Selector:
		return v
	case map[string]any:
		return Selector(v)
	default:
		return Selector{models.FieldID: idOrSelector}
	}
}

func equalValue(got, want any) bool {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok && wok {
		return gf == wf
	}
	return reflect.DeepEqual(got, want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
