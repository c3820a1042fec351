// Package mlog defines the logging surface used throughout pgcache.
// Shipping a particular log sink is an integration concern, not the
// cache's: callers inject a Logger (or accept the no-op default) the
// same way the gateway and listener accept a caller-supplied DSN.
package mlog

import (
	"context"
	"fmt"
	"strings"
)

// Logger is the common interface for log implementations used by the
// pgcache components that log (listener, facade).
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	// WithFields returns a derived logger carrying additional structured
	// fields (e.g. object_prefix, key). The original logger is untouched.
	WithFields(fields ...any) Logger

	Sync() error
}

// Level represents the logging verbosity threshold.
type Level int8

const (
	ErrorLevel Level = iota
	WarnLevel
	InfoLevel
	DebugLevel
)

// ParseLevel takes a string level and returns a Level constant.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "error":
		return ErrorLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "debug":
		return DebugLevel, nil
	}

	var l Level

	return l, fmt.Errorf("not a valid log level: %q", lvl)
}

type loggerContextKey struct{}

// ContextWithLogger returns a context carrying logger, retrievable with
// FromContext.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromContext extracts the Logger stored by ContextWithLogger, falling
// back to a no-op logger when none was attached.
//
//nolint:ireturn
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return logger
	}

	return &NoneLogger{}
}
