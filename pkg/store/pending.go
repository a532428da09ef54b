package store

import (
	"context"
	"sync"
)

// PendingWrites counts in-flight writes so that shutdown can wait for them.
type PendingWrites struct {
	mu      sync.Mutex
	count   int
	waiters []chan struct{}
}

// Begin records a write and returns the function that completes it.
func (p *PendingWrites) Begin() func() {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.count--
			if p.count == 0 {
				for _, w := range p.waiters {
					close(w)
				}
				p.waiters = nil
			}
		})
	}
}

// Wait blocks until no write is in flight or ctx is done.
func (p *PendingWrites) Wait(ctx context.Context) error {
	p.mu.Lock()
	if p.count == 0 {
		p.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
