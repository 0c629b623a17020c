package xgate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool dispatches notices to observers asynchronously so a slow
// observer never blocks publishing or handler dispatch. Notices are dropped
// when the buffer is full.
type ObserverPool struct {
	noticeCh  chan *Notice
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool creates a pool for async observer notification.
// workers: number of concurrent dispatch goroutines (4-16 for typical use)
// bufferSize: capacity of the notice channel
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		noticeCh: make(chan *Notice, bufferSize),
		workers:  workers,
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// Notify queues n for the given observers. It never blocks.
func (op *ObserverPool) Notify(n Notice, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}

	n.observers = make([]Observer, len(observers))
	copy(n.observers, observers)

	select {
	case op.noticeCh <- &n:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// Drain what is buffered before exiting.
			for {
				select {
				case n := <-op.noticeCh:
					if n != nil {
						op.dispatch(n)
					}
				default:
					return
				}
			}
		case n := <-op.noticeCh:
			if n != nil {
				op.dispatch(n)
			}
		}
	}
}

// dispatch tolerates observer panics so one observer cannot kill a worker.
func (op *ObserverPool) dispatch(n *Notice) {
	for _, obs := range n.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnNotice(*n)
		}()
	}
	op.processed.Add(1)
}

// Close stops the workers, waiting up to timeout for buffered notices.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.noticeCh),
		Workers:      op.workers,
		BufferSize:   cap(op.noticeCh),
	}
}
