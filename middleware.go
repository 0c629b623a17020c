package xgate

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls retry behavior for handler middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a handler.
// Without cfg.Backoff the attempts follow each other immediately.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = func(error) bool { return true }
	}
	return func(next Handler) Handler {
		return named(next, func(ctx context.Context, e Event) error {
			var lastErr error
			op := func() error {
				lastErr = next.Handle(ctx, e)
				if lastErr == nil {
					return nil
				}
				if ctx.Err() != nil || !retryIf(lastErr) {
					return backoff.Permanent(lastErr)
				}
				return lastErr
			}
			policy := backoff.WithContext(backoff.WithMaxRetries(cfg.policy(), uint64(attempts-1)), ctx)
			if err := backoff.Retry(op, policy); err != nil {
				// A cancelled wait reports ctx.Err(); the handler error is more useful.
				if lastErr != nil {
					return lastErr
				}
				return err
			}
			return nil
		})
	}
}

func (cfg RetryConfig) policy() backoff.BackOff {
	if cfg.Backoff == nil && cfg.Jitter <= 0 {
		return &backoff.ZeroBackOff{}
	}
	return &attemptBackOff{fn: cfg.Backoff, jitter: cfg.Jitter}
}

// attemptBackOff adapts RetryConfig.Backoff to backoff.BackOff. One instance
// serves a single handler invocation.
type attemptBackOff struct {
	fn      func(attempt int) time.Duration
	jitter  time.Duration
	attempt int
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	b.attempt++
	var wait time.Duration
	if b.fn != nil {
		wait = b.fn(b.attempt)
	}
	if b.jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(b.jitter)))
	}
	return wait
}

func (b *attemptBackOff) Reset() { b.attempt = 0 }

// TimeoutMiddleware bounds the time a handler may take. When exceeded the
// handler's context is cancelled and context.DeadlineExceeded is reported.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return named(next, func(ctx context.Context, e Event) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("panic recovered: %v", r)
					}
				}()
				errCh <- next.Handle(tctx, e)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		})
	}
}

// RecoveryMiddleware converts handler panics into errors.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return named(next, func(ctx context.Context, e Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next.Handle(ctx, e)
		})
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// namedHandler keeps the wrapped handler's identity visible in logs.
type namedHandler struct {
	name string
	fn   HandlerFunc
}

func (h namedHandler) Name() string                              { return h.name }
func (h namedHandler) Handle(ctx context.Context, e Event) error { return h.fn(ctx, e) }

func named(inner Handler, fn HandlerFunc) Handler {
	return namedHandler{name: HandlerName(inner), fn: fn}
}
