package xgate

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlog"
)

// Task is a unit of work posted to a Coordinator.
type Task func(ctx context.Context)

type coordinatorCtxKey struct{}

// Coordinator binds one dedicated goroutine that runs posted tasks in FIFO
// order. The bus drains its queue only on this goroutine, so queue draining
// never runs concurrently with itself.
type Coordinator struct {
	name      string
	workQueue chan Task
	lockOS    bool
	logger    *xlog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopped chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger used for task panics.
func WithCoordinatorLogger(l *xlog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCoordinatorBuffer sets the task queue capacity (default 256).
func WithCoordinatorBuffer(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.workQueue = make(chan Task, n)
		}
	}
}

// WithCoordinatorLockOSThread pins the coordinator goroutine to one OS thread.
func WithCoordinatorLockOSThread() CoordinatorOption {
	return func(c *Coordinator) { c.lockOS = true }
}

// NewCoordinator creates and starts a coordinator.
func NewCoordinator(name string, opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		name:      name,
		workQueue: make(chan Task, 256),
		logger:    xlog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	go c.runLoop()
	return c
}

// Name returns the coordinator name.
func (c *Coordinator) Name() string { return c.name }

// Closed reports whether the coordinator stopped accepting tasks.
func (c *Coordinator) Closed() bool { return c.closed.Load() }

// Post queues task for execution. It reports false when the coordinator is closed.
func (c *Coordinator) Post(task Task) bool {
	if task == nil || c.closed.Load() {
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	case c.workQueue <- task:
		return true
	}
}

// WaitIdle blocks until every task posted before the call has run.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	if !c.Post(func(context.Context) { close(done) }) {
		return ErrCoordinatorClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the coordinator after the task currently running finishes.
// Tasks still queued are discarded.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		<-c.stopped
	})
}

// OnCoordinator reports whether ctx belongs to a task running on a coordinator.
func OnCoordinator(ctx context.Context) bool {
	_, ok := ctx.Value(coordinatorCtxKey{}).(*Coordinator)
	return ok
}

func (c *Coordinator) runLoop() {
	defer close(c.stopped)
	if c.lockOS {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	runCtx := context.WithValue(c.ctx, coordinatorCtxKey{}, c)
	for {
		select {
		case task := <-c.workQueue:
			c.run(runCtx, task)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("coordinator", c.name).Str("panic", fmt.Sprint(r)).Msg("xgate: coordinator task panic (recovered)")
		}
	}()
	task(ctx)
}
