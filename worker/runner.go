package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// DefaultCleanupTimeout bounds Worker.Cleanup.
const DefaultCleanupTimeout = 10 * time.Second

// Runner owns the private goroutine of one worker.
type Runner struct {
	w              Worker
	logger         *xlog.Logger
	lockOS         bool
	cleanupTimeout time.Duration

	mu            sync.Mutex
	started       bool
	stopRequested bool
	cancel        context.CancelFunc
	done          chan struct{}

	doneOnce sync.Once
	running  atomic.Bool

	errMu sync.Mutex
	err   error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *xlog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLockOSThread pins the worker goroutine to its own OS thread, for SDKs
// that keep thread-local state across blocking calls.
func WithLockOSThread() RunnerOption {
	return func(r *Runner) { r.lockOS = true }
}

// WithCleanupTimeout bounds Cleanup.
func WithCleanupTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.cleanupTimeout = d
		}
	}
}

// NewRunner wraps w; call Start to launch it.
func NewRunner(w Worker, opts ...RunnerOption) *Runner {
	r := &Runner{
		w:              w,
		logger:         xlog.Default(),
		cleanupTimeout: DefaultCleanupTimeout,
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	r.logger = r.logger.With(xlog.Str("worker", w.Name()))
	return r
}

// Worker returns the wrapped worker.
func (r *Runner) Worker() Worker { return r.w }

// Start runs Prepare, if any, on the caller's goroutine and then launches
// Process on the worker's own goroutine. The worker outlives ctx's
// cancellation; only Stop ends it.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopRequested {
		return ErrRunnerStopped
	}
	if r.started {
		return ErrAlreadyStarted
	}

	if p, ok := r.w.(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			return fmt.Errorf("worker %s: prepare: %w", r.w.Name(), err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.started = true
	r.running.Store(true)

	go r.run(runCtx)
	r.logger.Info().Msg("worker started")
	return nil
}

func (r *Runner) run(ctx context.Context) {
	defer r.closeDone()
	defer r.running.Store(false)

	if r.lockOS {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer r.cleanup(ctx)

	err := r.process(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		r.logger.Debug().Msg("worker process returned")
	default:
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		r.logger.Error().Err(err).Msg("worker process failed")
	}
}

func (r *Runner) process(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panic: %v", rec)
		}
	}()
	return r.w.Process(ctx)
}

func (r *Runner) cleanup(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("panic", fmt.Sprint(rec)).Msg("worker cleanup panic (recovered)")
		}
	}()
	if err := r.w.Cleanup(cctx); err != nil {
		r.logger.Warn().Err(err).Msg("worker cleanup failed")
	}
}

// Stop cancels the worker and waits up to timeout for its goroutine to exit.
// It reports whether the worker finished in time; a late worker is logged,
// not treated as an error.
func (r *Runner) Stop(timeout time.Duration) bool {
	r.mu.Lock()
	r.stopRequested = true
	started := r.started
	cancel := r.cancel
	r.mu.Unlock()

	if !started {
		r.closeDone()
		return true
	}
	cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		r.logger.Info().Msg("worker stopped")
		return true
	case <-t.C:
		r.logger.Warn().Dur("timeout", timeout).Msg("worker did not stop in time")
		return false
	}
}

func (r *Runner) closeDone() { r.doneOnce.Do(func() { close(r.done) }) }

// Done is closed once Process and Cleanup have returned, or when the runner
// is stopped before it ever started.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Running reports whether the worker goroutine is alive.
func (r *Runner) Running() bool { return r.running.Load() }

// Err returns the error Process failed with, if any.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}
