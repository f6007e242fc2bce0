// Package logging wraps the standard library's log.Logger with leveled
// helpers and request-scoped child loggers, matching the teacher's
// plain prefix-based logging style (cmd/dialog-gateway/main.go,
// internal/eventbus/bus.go, internal/slackbot) rather than introducing a
// structured-logging library the corpus doesn't reach for in this layer
// (spec SPEC_FULL.md §A.1). File rotation, when configured, is handled
// by gopkg.in/natefinch/lumberjack.v2 rather than hand-rolled log
// rotation.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the minimum severity a Logger will emit.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger is a leveled wrapper around *log.Logger. The zero value is not
// usable; construct with New.
type Logger struct {
	std   *log.Logger
	level Level
	name  string
}

// Config controls where and how severely a Logger writes (spec §6 "log
// level", SPEC_FULL.md §A.1).
type Config struct {
	Level Level
	// File, when non-empty, routes output through a rotating
	// lumberjack.Logger instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the root Logger. An empty Config.File logs to stderr.
func New(cfg Config) *Logger {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		maxAge := cfg.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 28
		}
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   true,
		}
	}
	return &Logger{
		std:   log.New(w, "", log.LstdFlags),
		level: cfg.Level,
	}
}

// Named returns a child logger whose lines are prefixed with name,
// matching the teacher's per-component prefix convention rather than
// structured fields.
func (l *Logger) Named(name string) *Logger {
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return &Logger{std: l.std, level: l.level, name: full}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.name != "" {
		l.std.Printf("[%s] %s: %s", level, l.name, msg)
		return
	}
	l.std.Printf("[%s] %s", level, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

// StdLogger returns a *log.Logger that callers expecting the stdlib
// type (e.g. embedworker.Worker, cleanup.Scheduler) can use directly,
// tagged at Error level so any unexpected Printf call still surfaces.
func (l *Logger) StdLogger() *log.Logger {
	prefix := "[" + LevelError.String() + "] "
	if l.name != "" {
		prefix += l.name + ": "
	}
	return log.New(l.std.Writer(), prefix, l.std.Flags()|log.Lmsgprefix)
}
