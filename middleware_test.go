package xgate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xgate"
)

func TestRetryMiddleware(t *testing.T) {
	calls := 0
	h := xgate.RetryMiddleware(xgate.RetryConfig{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})(xgate.HandlerFunc(func(context.Context, xgate.Event) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	require.NoError(t, h.Handle(context.Background(), xgate.NewEvent("x")))
	assert.Equal(t, 3, calls)
}

func TestRetryMiddleware_RetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	h := xgate.RetryMiddleware(xgate.RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	})(xgate.HandlerFunc(func(context.Context, xgate.Event) error {
		calls++
		return permanent
	}))
	require.ErrorIs(t, h.Handle(context.Background(), xgate.NewEvent("x")), permanent)
	assert.Equal(t, 1, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	h := xgate.TimeoutMiddleware(10 * time.Millisecond)(xgate.HandlerFunc(func(ctx context.Context, _ xgate.Event) error {
		<-ctx.Done()
		return nil
	}))
	require.ErrorIs(t, h.Handle(context.Background(), xgate.NewEvent("x")), context.DeadlineExceeded)

	passthrough := xgate.HandlerFunc(func(context.Context, xgate.Event) error { return nil })
	require.NoError(t, xgate.TimeoutMiddleware(0)(passthrough).Handle(context.Background(), xgate.NewEvent("x")))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := xgate.RecoveryMiddleware()(namedFunc{"crashy", func(context.Context, xgate.Event) error { panic("bad") }})
	err := h.Handle(context.Background(), xgate.NewEvent("x"))
	require.ErrorIs(t, err, xgate.ErrHandlerPanic)
	assert.True(t, strings.Contains(err.Error(), "bad"))
	assert.Equal(t, "crashy", xgate.HandlerName(h), "wrapping keeps the handler name")
}

func TestChain_Order(t *testing.T) {
	var trace []string
	mw := func(tag string) xgate.Middleware {
		return func(next xgate.Handler) xgate.Handler {
			return xgate.HandlerFunc(func(ctx context.Context, e xgate.Event) error {
				trace = append(trace, tag)
				return next.Handle(ctx, e)
			})
		}
	}
	h := xgate.Chain(xgate.HandlerFunc(func(context.Context, xgate.Event) error {
		trace = append(trace, "handler")
		return nil
	}), mw("outer"), nil, mw("inner"))

	require.NoError(t, h.Handle(context.Background(), xgate.NewEvent("x")))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestBusMiddleware_Applied(t *testing.T) {
	attempts := 0
	bus, _ := newTestBus(t, func(b *xgate.BusBuilder) {
		b.WithMiddleware(xgate.RetryMiddleware(xgate.RetryConfig{MaxAttempts: 2}))
	})
	_, err := bus.Subscribe("x", xgate.HandlerFunc(func(context.Context, xgate.Event) error {
		attempts++
		if attempts == 1 {
			return errors.New("first try fails")
		}
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))
	assert.Equal(t, 2, attempts)
	assert.Zero(t, bus.Stats().HandlerFailures)
}

func TestHandlerName(t *testing.T) {
	assert.Equal(t, "r", xgate.HandlerName(&recorder{name: "r"}))
	assert.Equal(t, "xgate.HandlerFunc", xgate.HandlerName(xgate.HandlerFunc(nil)))
}
