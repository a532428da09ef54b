package store

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/kioskworks/kiosksync/pkg/models"
)

// Typed is a facade over a Collection that converts documents to T and hides
// soft-deleted documents from every read.
type Typed[T any] struct {
	c Collection
}

// NewTyped wraps c.
func NewTyped[T any](c Collection) *Typed[T] {
	return &Typed[T]{c: c}
}

// Collection returns the wrapped collection.
func (t *Typed[T]) Collection() Collection {
	return t.c
}

func (t *Typed[T]) Find(ctx context.Context, sel Selector) ([]T, error) {
	docs, err := t.c.Find(ctx, sel)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](Live(docs))
}

// FindOne returns nil when nothing matches or the match is soft-deleted.
func (t *Typed[T]) FindOne(ctx context.Context, idOrSelector any) (*T, error) {
	doc, err := t.c.FindOne(ctx, idOrSelector)
	if err != nil || doc == nil || doc.Deleted() {
		return nil, err
	}
	return decode[T](doc)
}

func (t *Typed[T]) Insert(ctx context.Context, v T) (*T, error) {
	doc, err := Encode(v)
	if err != nil {
		return nil, err
	}
	saved, err := t.c.Insert(ctx, doc)
	if err != nil {
		return nil, err
	}
	return decode[T](saved)
}

func (t *Typed[T]) Update(ctx context.Context, id string, patch map[string]any) (*T, error) {
	saved, err := t.c.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	return decode[T](saved)
}

// Delete soft-deletes the document so the tombstone replicates.
func (t *Typed[T]) Delete(ctx context.Context, id string) (bool, error) {
	return t.c.Delete(ctx, id, false)
}

// FindStream is the typed, soft-delete filtered variant of Collection.FindStream.
func (t *Typed[T]) FindStream(ctx context.Context, sel Selector) (<-chan []T, error) {
	in, err := t.c.FindStream(ctx, sel)
	if err != nil {
		return nil, err
	}
	out := make(chan []T, 1)
	go func() {
		defer close(out)
		for docs := range in {
			vals, err := decodeAll[T](Live(docs))
			if err != nil {
				continue
			}
			select {
			case <-out:
			default:
			}
			out <- vals
		}
	}()
	return out, nil
}

// Encode converts v into a Document through its JSON representation.
func Encode(v any) (models.Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: failed to encode document: %w", err)
	}
	var doc models.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("store: failed to encode document: %w", err)
	}
	return doc, nil
}

func decode[T any](doc models.Document) (*T, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("store: failed to decode document: %w", err)
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("store: failed to decode document: %w", err)
	}
	return v, nil
}

func decodeAll[T any](docs []models.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := decode[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}
