// Package logger defines the small logging surface every kiosksync component
// depends on, and adapters that back it with log/slog or zerolog.
package logger

import (
	"io"
	"log/slog"
	"strings"
)

// Logger is the structured logger used across the module.
// Arguments after msg are alternating key/value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type slogLogger struct {
	logger *slog.Logger
}

// New returns a Logger writing through the given slog handler.
func New(h slog.Handler) Logger {
	return &slogLogger{logger: slog.New(h)}
}

func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// Nop discards everything. Components fall back to it when no logger is given.
func Nop() Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FromConfig builds a Logger for the given format ("json", "text" or "zerolog").
func FromConfig(w io.Writer, format, level string) Logger {
	lvl := ParseLevel(level)
	switch format {
	case "text":
		return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	case "zerolog":
		return NewZerolog(w, lvl)
	default:
		return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
}
