package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// logTee passes every record to a local handler and to the otelslog bridge.
// The local handler decides which levels are enabled.
type logTee struct {
	next   slog.Handler
	bridge slog.Handler
}

// NewLogHandler wraps next so records are also emitted as OTel log records
// under the instrumentation scope. Without options the bridge uses the global
// logger provider installed by [Setup].
func NewLogHandler(next slog.Handler, scope string, opts ...otelslog.Option) slog.Handler {
	return &logTee{next: next, bridge: otelslog.NewHandler(scope, opts...)}
}

func (t *logTee) Enabled(ctx context.Context, level slog.Level) bool {
	return t.next.Enabled(ctx, level)
}

func (t *logTee) Handle(ctx context.Context, r slog.Record) error {
	return errors.Join(
		t.bridge.Handle(ctx, r.Clone()),
		t.next.Handle(ctx, r),
	)
}

func (t *logTee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logTee{next: t.next.WithAttrs(attrs), bridge: t.bridge.WithAttrs(attrs)}
}

func (t *logTee) WithGroup(name string) slog.Handler {
	if name == "" {
		return t
	}
	return &logTee{next: t.next.WithGroup(name), bridge: t.bridge.WithGroup(name)}
}
