package logger

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/rs/zerolog"
)

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog returns a Logger backed by zerolog, writing JSON lines with a timestamp.
func NewZerolog(w io.Writer, level slog.Level) Logger {
	zl := zerolog.New(w).With().Timestamp().Logger().Level(zerologLevel(level))
	return &zerologLogger{logger: zl}
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level <= slog.LevelDebug:
		return zerolog.DebugLevel
	case level <= slog.LevelInfo:
		return zerolog.InfoLevel
	case level <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (l *zerologLogger) Error(msg string, args ...any) { withFields(l.logger.Error(), args).Msg(msg) }
func (l *zerologLogger) Warn(msg string, args ...any)  { withFields(l.logger.Warn(), args).Msg(msg) }
func (l *zerologLogger) Info(msg string, args ...any)  { withFields(l.logger.Info(), args).Msg(msg) }
func (l *zerologLogger) Debug(msg string, args ...any) { withFields(l.logger.Debug(), args).Msg(msg) }

// withFields attaches slog-style alternating key/value args to a zerolog event.
// A trailing key without a value is recorded under "!BADKEY" like slog does.
func withFields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			e = e.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Str(key, v.String())
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}
