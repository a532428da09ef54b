// Package leader decides which process instance may run replication when
// several share one local store.
package leader

import (
	"context"
	"sync"
)

// Elector reports leadership of the current instance.
type Elector interface {
	// WaitForLeadership blocks until this instance leads or ctx is done.
	WaitForLeadership(ctx context.Context) error
	IsLeader() bool
}

// Single is an Elector for a single instance deployment. It leads from the
// start unless created with NewStandby, in which case Promote makes it lead.
type Single struct {
	mu     sync.Mutex
	leader bool
	ch     chan struct{}
}

var _ Elector = (*Single)(nil)

// NewSingle returns an elector that is already the leader.
func NewSingle() *Single {
	s := NewStandby()
	s.Promote()
	return s
}

// NewStandby returns an elector that waits for Promote.
func NewStandby() *Single {
	return &Single{ch: make(chan struct{})}
}

// Promote makes the instance the leader and releases every waiter.
func (s *Single) Promote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leader {
		return
	}
	s.leader = true
	close(s.ch)
}

func (s *Single) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

func (s *Single) WaitForLeadership(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
