// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps charmbracelet/log with the level-from-string and
// key/value call convention used across net-relay (logger.Info("msg", "k",
// v, ...)).
package logging

import (
	"io"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Logger is a leveled, structured logger.
type Logger struct {
	inner *charmlog.Logger
}

// Options configures a new Logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Output defaults to os.Stderr.
	Output io.Writer
	// Component, if set, is attached to every line as a "component" field.
	Component string
}

// New creates a Logger per opts.
func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	inner := charmlog.NewWithOptions(out, charmlog.Options{
		Level:           ParseLevel(opts.Level),
		ReportTimestamp: true,
	})
	if opts.Component != "" {
		inner = inner.With("component", opts.Component)
	}
	return &Logger{inner: inner}
}

// ParseLevel maps an env/config level string (the LOG_LEVEL env var, or
// [logging].level in the config file) onto a charmlog.Level, defaulting
// to Info on anything unknown.
func ParseLevel(level string) charmlog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// With returns a child Logger with additional key/value pairs attached to
// every subsequent line.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }

// Nop returns a Logger that discards everything, useful as a zero-value-safe
// default in tests and library call sites that don't wire a real logger.
func Nop() *Logger {
	return New(Options{Level: "error", Output: io.Discard})
}
