package testenv

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ExampleNewTestLogHandler() {
	log := slog.New(NewTestLogHandler())

	log.Info("session started", "collection", "transactions")
	log.Warn("pull failed", slog.Int("retry", 3))
	log.Debug("checkpoint saved")

	// Output:
	// [0] INFO: session started collection=transactions
	// [1] WARN: pull failed retry=3
	// [2] DEBUG: checkpoint saved
}

func ExampleNewTestLogHandler_withAttrsAndGroup() {
	log := slog.New(NewTestLogHandler())

	log.
		With(slog.String("device", "kiosk-7")).
		WithGroup("endpoint").
		With(slog.String("name", "primary")).
		Info("migration finished", slog.Duration("took", 150*time.Millisecond))

	// Output:
	// [0] INFO: migration finished device=kiosk-7, endpoint.name=primary, endpoint.took=150ms
}

func ExampleNewTestLogHandler_groups() {
	log := slog.New(NewTestLogHandler())

	log.WithGroup("").Info("empty group ignored", "k", "v")
	log.Info("decision", slog.Group("score", slog.Float64("confidence", 0.7), slog.Bool("failover", true)))

	// Output:
	// [0] INFO: empty group ignored k=v
	// [1] INFO: decision score.confidence=0.7, score.failover=true
}

func ExampleWithIgnorePrefixes() {
	log := slog.New(NewTestLogHandler(WithIgnorePrefixes("store closed"), WithIgnoreDebug()))

	log.Error("store closed during pull")
	log.Debug("noise")
	log.Info("kept")

	// Output:
	// [0] INFO: kept
}

func TestDerivedHandlersShareIndex(t *testing.T) {
	var buf bytes.Buffer
	h := NewTestLogHandler(WithWriter(&buf))
	base := slog.New(h)
	child := base.With("collection", "users")

	base.Info("one")
	child.Info("two")
	base.Info("three")

	assert.Equal(t, []string{
		"[0] INFO: one",
		"[1] INFO: two collection=users",
		"[2] INFO: three",
	}, h.Lines())
	assert.Equal(t, "[0] INFO: one\n[1] INFO: two collection=users\n[2] INFO: three\n", buf.String())
}

func TestConcurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	log, h := NewLogger(WithWriter(&buf))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				log.Info("tick")
			}
		}()
	}
	wg.Wait()

	lines := h.Lines()
	require.Len(t, lines, 200)
	assert.Equal(t, "[199] INFO: tick", lines[199])
	assert.True(t, h.Contains("[0] INFO: tick"))
	assert.False(t, h.Contains("WARN"))
}
