package xgate

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xgate (prevents collisions).
type ctxKey string

const (
	loggerCtxKey ctxKey = "xgate:logger"
	clockCtxKey  ctxKey = "xgate:clock"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the bus logger handed to handlers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger); ok && l != nil {
		return l, true
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext returns the bus clock handed to handlers, or the default clock.
func ClockFromContext(ctx context.Context) xclock.Clock {
	if c, ok := ctx.Value(clockCtxKey).(xclock.Clock); ok && c != nil {
		return c
	}
	return xclock.Default()
}

// InjectAll attaches the logger and clock handlers expect.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
