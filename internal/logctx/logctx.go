// Package logctx threads a structured logger through a context.Context.
package logctx

import (
	"context"
	"log/slog"
)

type loggerKeyType string

const loggerKey loggerKeyType = "loggerKey"

// With returns a context carrying l, retrievable via From.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// From returns the logger carried by ctx, or slog.Default() if none was set.
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(loggerKey); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
