package store

import (
	"context"
	"sync"

	"github.com/kioskworks/kiosksync/pkg/models"
)

// Feed fans out change notifications for one collection.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan struct{}
	nextID int
	closed bool
	done   chan struct{}
}

// NewFeed returns an open feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan struct{}), done: make(chan struct{})}
}

// Notify wakes every subscriber. Notifications coalesce.
func (f *Feed) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close ends every stream built on the feed.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

func (f *Feed) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Stream runs find now and after every notification, emitting results on the
// returned channel. A slow reader only receives the latest result.
// The channel closes when ctx is done, the feed closes or find fails.
func Stream[T any](ctx context.Context, f *Feed, find func(context.Context) (T, error)) <-chan T {
	out := make(chan T, 1)
	wake, unsubscribe := f.subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			v, err := find(ctx)
			if err != nil {
				return
			}
			select {
			case <-out:
			default:
			}
			out <- v

			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case <-wake:
			}
		}
	}()
	return out
}

// FindOneFunc adapts a FindOne call to Stream.
func FindOneFunc(c Collection, id string) func(context.Context) (models.Document, error) {
	return func(ctx context.Context) (models.Document, error) {
		return c.FindOne(ctx, id)
	}
}
