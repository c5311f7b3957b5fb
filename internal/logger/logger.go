// Package logger provides the structured logger shared by every surrealshop package.
//
// Callers log with a message and alternating key/value pairs, the same shape
// log/slog uses, so a [Logger] can be backed either by zerolog (the default,
// see [New]) or by an existing *slog.Logger (see [FromSlog]).
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging contract used across the module.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
	fields map[string]string

	maxSizeMB  int
	maxBackups int
}

func New() *LogBuild {
	return &LogBuild{
		level:      zerolog.InfoLevel,
		fields:     map[string]string{},
		maxSizeMB:  10,
		maxBackups: 3,
	}
}

// FromPath writes log lines to a size-rotated file at path.
func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level accepts zerolog level names ("debug", "info", "warn", "error").
// Unknown names keep the current level.
func (build *LogBuild) Level(name string) *LogBuild {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name))); err == nil && lvl != zerolog.NoLevel {
		build.level = lvl
	}
	return build
}

// With attaches a constant field to every line, e.g. the tab id.
func (build *LogBuild) With(key, value string) *LogBuild {
	build.fields[key] = value
	return build
}

func (build *LogBuild) Rotation(maxSizeMB, maxBackups int) *LogBuild {
	build.maxSizeMB = maxSizeMB
	build.maxBackups = maxBackups
	return build
}

func (build *LogBuild) Make() (*ZeroLogger, error) {
	writer := build.writer
	if writer == nil {
		writer = os.Stderr
	}
	if build.path != "" {
		if err := os.MkdirAll(filepath.Dir(build.path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		writer = zerolog.SyncWriter(&lumberjack.Logger{
			Filename:   build.path,
			MaxSize:    build.maxSizeMB,
			MaxBackups: build.maxBackups,
		})
	}

	ctx := zerolog.New(writer).Level(build.level).With().Timestamp()
	for k, v := range build.fields {
		ctx = ctx.Str(k, v)
	}
	return &ZeroLogger{logger: ctx.Logger()}, nil
}

// ZeroLogger adapts zerolog to the Logger interface.
type ZeroLogger struct {
	logger zerolog.Logger
}

func (l *ZeroLogger) Error(msg string, args ...any) {
	withFields(l.logger.Error(), args).Msg(msg)
}

func (l *ZeroLogger) Warn(msg string, args ...any) {
	withFields(l.logger.Warn(), args).Msg(msg)
}

func (l *ZeroLogger) Info(msg string, args ...any) {
	withFields(l.logger.Info(), args).Msg(msg)
}

func (l *ZeroLogger) Debug(msg string, args ...any) {
	withFields(l.logger.Debug(), args).Msg(msg)
}

// Zerolog exposes the underlying logger for callers that want zerolog's own API.
func (l *ZeroLogger) Zerolog() zerolog.Logger {
	return l.logger
}

func withFields(ev *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			ev = ev.Str("!BADKEY", key)
			break
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	return ev
}

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}

// Nop discards everything.
func Nop() Logger {
	return nop{}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nop{}
	}
	return l
}
