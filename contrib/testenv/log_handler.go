package testenv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/kioskworks/kiosksync/pkg/logger"
)

// TestLogHandler is a slog.Handler that prints the message index (starting
// from 0), level, message and attributes, without the timestamp, so test
// output is deterministic. Handlers derived with WithAttrs and WithGroup share
// the index and the writer of their parent, which makes it safe to hand one
// handler to several goroutines.
type TestLogHandler struct {
	out    *sink
	attrs  []slog.Attr
	groups []string
}

type sink struct {
	mu             sync.Mutex
	w              io.Writer
	index          int
	minLevel       slog.Level
	ignorePrefixes []string
	lines          []string
}

// TestLogHandlerOption configures a TestLogHandler.
type TestLogHandlerOption func(*sink)

// WithWriter sends output to w instead of stdout.
func WithWriter(w io.Writer) TestLogHandlerOption {
	return func(s *sink) { s.w = w }
}

// WithIgnoreDebug drops DEBUG messages.
func WithIgnoreDebug() TestLogHandlerOption {
	return func(s *sink) { s.minLevel = slog.LevelInfo }
}

// WithIgnorePrefixes drops messages starting with any of prefixes, at every level.
func WithIgnorePrefixes(prefixes ...string) TestLogHandlerOption {
	return func(s *sink) { s.ignorePrefixes = append(s.ignorePrefixes, prefixes...) }
}

func NewTestLogHandler(opts ...TestLogHandlerOption) *TestLogHandler {
	s := &sink{w: os.Stdout, minLevel: slog.LevelDebug}
	for _, opt := range opts {
		opt(s)
	}
	return &TestLogHandler{out: s}
}

// NewLogger returns the kiosksync logger facade over a TestLogHandler, and the
// handler itself for inspecting what was logged.
func NewLogger(opts ...TestLogHandlerOption) (logger.Logger, *TestLogHandler) {
	h := NewTestLogHandler(opts...)
	return logger.New(h), h
}

// Lines returns every line printed so far, without the trailing newline.
func (h *TestLogHandler) Lines() []string {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	return append([]string(nil), h.out.lines...)
}

// Contains reports whether any printed line contains substr.
func (h *TestLogHandler) Contains(substr string) bool {
	for _, l := range h.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func (h *TestLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.out.minLevel
}

//nolint:gocritic
func (h *TestLogHandler) Handle(_ context.Context, r slog.Record) error {
	for _, prefix := range h.out.ignorePrefixes {
		if strings.HasPrefix(r.Message, prefix) {
			return nil
		}
	}

	parts := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		parts = appendAttr(parts, a, "")
	}
	prefix := groupPrefix(h.groups)
	r.Attrs(func(a slog.Attr) bool {
		parts = appendAttr(parts, a, prefix)
		return true
	})

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	line := fmt.Sprintf("[%d] %s: %s", h.out.index, r.Level, r.Message)
	if len(parts) > 0 {
		line += " " + strings.Join(parts, ", ")
	}
	h.out.index++
	h.out.lines = append(h.out.lines, line)
	_, err := fmt.Fprintln(h.out.w, line)
	return err
}

func appendAttr(parts []string, a slog.Attr, prefix string) []string {
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			parts = appendAttr(parts, ga, prefix+a.Key+".")
		}
		return parts
	}
	return append(parts, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value.Resolve()))
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	return strings.Join(groups, ".") + "."
}

// WithAttrs stores attrs under the current group path.
func (h *TestLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := groupPrefix(h.groups)
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + a.Key
		}
		next = append(next, a)
	}
	return &TestLogHandler{out: h.out, attrs: next, groups: h.groups}
}

func (h *TestLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(h.groups[:len(h.groups):len(h.groups)], name)
	return &TestLogHandler{out: h.out, attrs: h.attrs, groups: groups}
}
