// Package rfblog is gorfbd's process-wide leveled logger: every entry
// carries (level, file, line, message), built on log/slog with
// slog.NewJSONHandler for production and a text handler for local runs.
package rfblog

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Level is the closed set of log levels. It doesn't map 1:1 onto slog's
// four built-in levels (slog has no Trace or Panic), so Trace is folded
// into Debug and Panic is logged at Error before the process aborts.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelPanic
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelTrace, LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Logger is gorfbd's process-wide logger. The zero value is not usable;
// use Default or New.
type Logger struct {
	sl    *slog.Logger
	level Level
}

var defaultLogger = New(LevelInfo, false)

// New builds a Logger at the given minimum level. json selects
// slog.NewJSONHandler (production) over a text handler (local runs).
func New(level Level, json bool) *Logger {
	opts := &slog.HandlerOptions{Level: level.slogLevel()}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{sl: slog.New(handler), level: level}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) { defaultLogger = l }

// Default returns the package-level logger in effect; library callers who
// never call SetDefault still get output through it.
func Default() *Logger { return defaultLogger }

// Log emits one entry at the given level with the caller's file/line
// captured automatically. Panic additionally aborts the process after
// logging.
func (l *Logger) Log(level Level, msg string, args ...any) { l.log(level, msg, args...) }

// log is Log's body; every exported entry point calls it directly, so the
// caller of that entry point is always two frames up.
func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}
	_, file, line, _ := runtime.Caller(2)
	allArgs := append([]any{"file", file, "line", line}, args...)
	l.sl.Log(nil, level.slogLevel(), msg, allArgs...)
	if level == LevelPanic {
		panic(fmt.Sprintf("%s (%s:%d)", msg, file, line))
	}
}

func (l *Logger) Trace(msg string, args ...any)   { l.log(LevelTrace, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)   { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)    { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warning(msg string, args ...any) { l.log(LevelWarning, msg, args...) }
func (l *Logger) Error(msg string, args ...any)   { l.log(LevelError, msg, args...) }
func (l *Logger) Panic(msg string, args ...any)   { l.log(LevelPanic, msg, args...) }
