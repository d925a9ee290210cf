// logging.go: logger interface and adapters for the launcher plugin runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

type loggerContextKey string

const (
	loggerKey loggerContextKey = "logger"
)

// Logger is the structured logging interface used by every runtime component.
//
// Arguments follow the key/value convention: logger.Info("plugin loaded",
// "plugin_id", id, "kind", kind). Any logging library can be plugged in by
// writing a small adapter; HclogAdapter is provided for hashicorp/go-hclog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a logger that always includes the given key/value pairs.
	With(args ...any) Logger
}

// NewLogger normalizes a user supplied logger.
//
// Supported inputs: a Logger, an hclog.Logger (wrapped in HclogAdapter), or
// nil which yields a NoOpLogger.
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case hclog.Logger:
		return NewHclogAdapter(l)
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger, hclog.Logger or nil")
	}
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, args ...any) {}

func (n *NoOpLogger) Info(msg string, args ...any) {}

func (n *NoOpLogger) Warn(msg string, args ...any) {}

func (n *NoOpLogger) Error(msg string, args ...any) {}

func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// HclogAdapter bridges hclog.Logger into Logger.
type HclogAdapter struct {
	inner hclog.Logger
}

func NewHclogAdapter(inner hclog.Logger) *HclogAdapter {
	return &HclogAdapter{inner: inner}
}

func (h *HclogAdapter) Debug(msg string, args ...any) { h.inner.Debug(msg, args...) }

func (h *HclogAdapter) Info(msg string, args ...any) { h.inner.Info(msg, args...) }

func (h *HclogAdapter) Warn(msg string, args ...any) { h.inner.Warn(msg, args...) }

func (h *HclogAdapter) Error(msg string, args ...any) { h.inner.Error(msg, args...) }

func (h *HclogAdapter) With(args ...any) Logger {
	return &HclogAdapter{inner: h.inner.With(args...)}
}

// TestLogger records log entries so tests can assert on them.
type TestLogger struct {
	mu       *sync.RWMutex
	shared   *[]TestLogMessage
	fields   []any
	Messages []TestLogMessage `json:"messages"`
}

// TestLogMessage is one captured entry.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

func NewTestLogger() *TestLogger {
	t := &TestLogger{mu: &sync.RWMutex{}}
	t.shared = &t.Messages
	return t
}

func (t *TestLogger) record(level, msg string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)
	*t.shared = append(*t.shared, TestLogMessage{Level: level, Message: msg, Args: all})
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }

func (t *TestLogger) Info(msg string, args ...any) { t.record("INFO", msg, args) }

func (t *TestLogger) Warn(msg string, args ...any) { t.record("WARN", msg, args) }

func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a child that writes into the same message list.
func (t *TestLogger) With(args ...any) Logger {
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	fields = append(fields, args...)
	return &TestLogger{mu: t.mu, shared: t.shared, fields: fields}
}

// HasMessage reports whether an entry with the given level and message exists.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, msg := range *t.shared {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Count returns the number of entries at the given level.
func (t *TestLogger) Count(level string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, msg := range *t.shared {
		if msg.Level == level {
			n++
		}
	}
	return n
}

func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.shared = (*t.shared)[:0]
}

func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext extracts a logger stored with ContextWithLogger.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return DefaultLogger()
}

func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
