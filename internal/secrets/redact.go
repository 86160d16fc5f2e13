package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces secret values in redacted output.
const Placeholder = "[REDACTED]"

// minSecretLen keeps short values such as "1" from mangling every log line.
const minSecretLen = 6

// RedactHandler wraps a slog handler and scrubs registered secret values
// from messages and string attributes, including those inside groups.
type RedactHandler struct {
	inner slog.Handler
	set   *secretSet
}

type secretSet struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

// NewRedactHandler wraps inner.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{inner: inner, set: &secretSet{values: make(map[string]struct{})}}
}

// Add registers values to be redacted. Empty and very short values are
// ignored.
func (h *RedactHandler) Add(values ...string) {
	h.set.mu.Lock()
	defer h.set.mu.Unlock()
	for _, v := range values {
		if len(v) >= minSecretLen {
			h.set.values[v] = struct{}{}
		}
	}
}

// Redact replaces every registered value in s.
func (h *RedactHandler) Redact(s string) string {
	h.set.mu.RLock()
	defer h.set.mu.RUnlock()
	for v := range h.set.values {
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

func (h *RedactHandler) empty() bool {
	h.set.mu.RLock()
	defer h.set.mu.RUnlock()
	return len(h.set.values) == 0
}

// Enabled delegates to the inner handler.
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle redacts the record and passes it on.
func (h *RedactHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.empty() {
		return h.inner.Handle(ctx, record)
	}
	out := slog.NewRecord(record.Time, record.Level, h.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactHandler) redactAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.Redact(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		redacted := make([]any, len(attrs))
		for i, ga := range attrs {
			redacted[i] = h.redactAttr(ga)
		}
		return slog.Group(a.Key, redacted...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, h.Redact(err.Error()))
		}
	}
	return a
}

// WithAttrs shares the secret set with the parent.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(redacted), set: h.set}
}

// WithGroup shares the secret set with the parent.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), set: h.set}
}
