// Package logging implements the ambient "wide event" pattern: one
// structured log line per request, accumulated across the layers that
// touch it, flushed once at the end. Grounded on
// hastyy-murakami/internal/logging/logging.go. This is deliberately
// distinct from internal/logsink's C3 access-log sink — that sink is the
// spec's own async line queue; this is the operational log/slog layer
// that sits alongside it.
package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const wideEventKey contextKey = "wide_event"

type wideEvent struct {
	attrs []slog.Attr
}

func (w *wideEvent) record(attrs ...slog.Attr) {
	w.attrs = append(w.attrs, attrs...)
}

// WithEvent returns a context carrying a fresh accumulator, for the
// reactor/dispatch layer to attach to a request's lifetime.
func WithEvent(ctx context.Context) context.Context {
	return context.WithValue(ctx, wideEventKey, &wideEvent{})
}

// Record appends attrs to the wide event carried by ctx. A no-op if ctx
// has none.
func Record(ctx context.Context, attrs ...slog.Attr) {
	if w, ok := ctx.Value(wideEventKey).(*wideEvent); ok {
		w.record(attrs...)
	}
}

// Flush emits one structured log line with every attribute recorded on
// ctx's wide event, at Info level on success or Error level if err is
// non-nil.
func Flush(ctx context.Context, logger *slog.Logger, msg string, err error) {
	w, ok := ctx.Value(wideEventKey).(*wideEvent)
	var attrs []slog.Attr
	if ok {
		attrs = w.attrs
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.LogAttrs(ctx, slog.LevelError, msg, attrs...)
		return
	}
	logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}
