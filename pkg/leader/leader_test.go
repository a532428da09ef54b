package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleLeadsImmediately(t *testing.T) {
	e := NewSingle()
	assert.True(t, e.IsLeader())
	require.NoError(t, e.WaitForLeadership(context.Background()))
}

func TestStandbyWaitsForPromotion(t *testing.T) {
	e := NewStandby()
	assert.False(t, e.IsLeader())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.WaitForLeadership(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- e.WaitForLeadership(context.Background()) }()
	e.Promote()
	e.Promote()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
	assert.True(t, e.IsLeader())
}
