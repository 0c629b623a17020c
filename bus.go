package xgate

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*Bus)(nil)

// Bus routes events from any goroutine onto one Coordinator and fans them
// out concurrently to the handlers subscribed to their type.
type Bus struct {
	clock          xclock.Clock
	logger         *xlog.Logger
	middlewares    []Middleware
	enqueueTimeout time.Duration
	batchSize      int

	queue          chan Event
	drainScheduled atomic.Bool
	drainMu        sync.Mutex

	coordMu sync.RWMutex
	coord   *Coordinator

	handlersMu sync.RWMutex
	handlers   map[string][]*subscription
	subSeq     atomic.Uint64

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	baseCtx  context.Context
	metrics  *busMetrics
	inflight sync.WaitGroup
	running  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once
}

// busMetrics uses lock-free atomics; values are best-effort, not authoritative.
type busMetrics struct {
	published       atomic.Uint64
	processed       atomic.Uint64
	failed          atomic.Uint64
	dropped         atomic.Uint64
	handlerFailures atomic.Uint64
	peakDepth       atomic.Int64
}

type subscription struct {
	id        uint64
	eventType string
	name      string
	handler   Handler
	wrapped   Handler
	bus       *Bus
	closeOnce sync.Once
}

func (s *subscription) EventType() string { return s.eventType }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { s.bus.removeSubscription(s) })
	return nil
}

// SetCoordinator binds the bus to the coordinator allowed to drain its queue.
func (b *Bus) SetCoordinator(c *Coordinator) {
	b.coordMu.Lock()
	b.coord = c
	b.coordMu.Unlock()
	if c != nil {
		b.logger.Info().Str("coordinator", c.Name()).Msg("xgate: coordinator bound")
	}
}

func (b *Bus) coordinator() *Coordinator {
	b.coordMu.RLock()
	defer b.coordMu.RUnlock()
	return b.coord
}

// Subscribe registers h for eventType. Several handlers may share a type.
func (b *Bus) Subscribe(eventType string, h Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if eventType == "" || h == nil {
		return nil, ErrInvalidSubscription
	}

	// Recovery wraps the handler itself; configured middleware sees panics as errors.
	base := RecoveryMiddleware()(h)
	s := &subscription{
		id:        b.subSeq.Add(1),
		eventType: eventType,
		name:      HandlerName(h),
		handler:   h,
		wrapped:   Chain(base, b.middlewares...),
		bus:       b,
	}

	b.handlersMu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], s)
	count := len(b.handlers[eventType])
	b.handlersMu.Unlock()

	b.logger.Debug().Str("event_type", eventType).Str("handler", s.name).Float64("handlers", float64(count)).Msg("xgate: handler subscribed")
	return s, nil
}

// Unsubscribe removes h from eventType by identity. Handlers of
// non-comparable types (such as HandlerFunc) must be removed through the
// Subscription returned by Subscribe.
func (b *Bus) Unsubscribe(eventType string, h Handler) bool {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return false
	}
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	subs := b.handlers[eventType]
	for i, s := range subs {
		if !reflect.TypeOf(s.handler).Comparable() || s.handler != h {
			continue
		}
		b.handlers[eventType] = removeAt(subs, i)
		if len(b.handlers[eventType]) == 0 {
			delete(b.handlers, eventType)
		}
		b.logger.Debug().Str("event_type", eventType).Str("handler", s.name).Msg("xgate: handler unsubscribed")
		return true
	}
	return false
}

func (b *Bus) removeSubscription(target *subscription) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	subs := b.handlers[target.eventType]
	for i, s := range subs {
		if s.id == target.id {
			b.handlers[target.eventType] = removeAt(subs, i)
			if len(b.handlers[target.eventType]) == 0 {
				delete(b.handlers, target.eventType)
			}
			return
		}
	}
}

func removeAt(subs []*subscription, i int) []*subscription {
	out := make([]*subscription, 0, len(subs)-1)
	out = append(out, subs[:i]...)
	return append(out, subs[i+1:]...)
}

// snapshot returns the handlers subscribed to eventType at this instant.
func (b *Bus) snapshot(eventType string) []*subscription {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	subs := b.handlers[eventType]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*subscription, len(subs))
	copy(out, subs)
	return out
}

// dispatch runs every handler subscribed to e's type concurrently and waits
// for all of them. Failures are isolated per handler.
func (b *Bus) dispatch(ctx context.Context, e Event) {
	subs := b.snapshot(e.Type())
	if len(subs) == 0 {
		b.metrics.processed.Add(1)
		b.logger.Debug().Str("event_type", e.Type()).Msg("xgate: no handlers for event")
		return
	}

	start := b.clock.Now()
	b.notifyAsync(Notice{Type: DispatchStart, EventType: e.Type()})

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			if err := s.wrapped.Handle(ctx, e); err != nil {
				failed.Store(true)
				b.metrics.handlerFailures.Add(1)
				b.logger.Error().
					Err(err).
					Str("handler", s.name).
					Str("event_type", e.Type()).
					Str("origin", e.Origin()).
					Msg("xgate: event handler failed")
				b.notifyAsync(Notice{Type: HandlerFailed, EventType: e.Type(), Handler: s.name, Err: err})
			}
		}(s)
	}
	wg.Wait()

	b.metrics.processed.Add(1)
	if failed.Load() {
		b.metrics.failed.Add(1)
	}
	b.notifyAsync(Notice{Type: DispatchDone, EventType: e.Type(), Duration: b.clock.Since(start)})
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	depth := len(b.queue)
	b.recordDepth(depth)

	b.handlersMu.RLock()
	handlerCount := 0
	types := make([]string, 0, len(b.handlers))
	for t, subs := range b.handlers {
		handlerCount += len(subs)
		types = append(types, t)
	}
	b.handlersMu.RUnlock()
	sort.Strings(types)

	var noticesDropped uint64
	if b.observerPool != nil {
		noticesDropped = b.observerPool.Stats().Dropped
	}

	return Stats{
		Published:       b.metrics.published.Load(),
		Processed:       b.metrics.processed.Load(),
		Failed:          b.metrics.failed.Load(),
		Dropped:         b.metrics.dropped.Load(),
		HandlerFailures: b.metrics.handlerFailures.Load(),
		PeakQueueDepth:  int(b.metrics.peakDepth.Load()),
		QueueDepth:      depth,
		QueueCapacity:   cap(b.queue),
		HandlerCount:    handlerCount,
		EventTypes:      types,
		NoticesDropped:  noticesDropped,
	}
}

// ResetStats zeroes the counters.
func (b *Bus) ResetStats() {
	b.metrics.published.Store(0)
	b.metrics.processed.Store(0)
	b.metrics.failed.Store(0)
	b.metrics.dropped.Store(0)
	b.metrics.handlerFailures.Store(0)
	b.metrics.peakDepth.Store(0)
	b.logger.Info().Msg("xgate: bus stats reset")
}

func (b *Bus) recordDepth(depth int) {
	d := int64(depth)
	for {
		cur := b.metrics.peakDepth.Load()
		if d <= cur || b.metrics.peakDepth.CompareAndSwap(cur, d) {
			return
		}
	}
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is stopped",
		}
	}
	if c := b.coordinator(); c == nil || c.Closed() {
		return HealthStatus{
			Status:    "unhealthy",
			Stats:     b.Stats(),
			Timestamp: b.clock.Now(),
			Message:   "no coordinator bound",
		}
	}

	stats := b.Stats()
	status := "healthy"
	msg := ""

	// Degraded if more than 5% of published events were dropped or failed.
	if stats.Published > 0 {
		rate := float64(stats.Failed) / float64(stats.Published+stats.Dropped)
		if rate > 0.05 {
			status = "degraded"
			msg = "event failure rate above 5%"
		}
	}
	if stats.QueueCapacity > 0 && stats.QueueDepth*10 >= stats.QueueCapacity*9 {
		status = "degraded"
		msg = "event queue above 90% capacity"
	}

	return HealthStatus{
		Status:    status,
		Stats:     stats,
		Timestamp: b.clock.Now(),
		Message:   msg,
	}
}

// Start marks the bus running. Events may be queued before Start; they are
// drained once a coordinator is bound.
func (b *Bus) Start(_ context.Context) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if b.running.Swap(true) {
		return nil
	}
	b.logger.Info().Float64("queue_size", float64(cap(b.queue))).Float64("batch_size", float64(b.batchSize)).Msg("xgate: event bus started")
	return nil
}

// Stop refuses new events, runs one final drain pass and waits, bounded by
// ctx, for in-flight dispatches. Events left in the queue are discarded.
func (b *Bus) Stop(ctx context.Context) error {
	var stopErr error
	b.stopOnce.Do(func() {
		b.running.Store(false)

		// Final pass on the caller's goroutine: the coordinator may already be gone.
		b.drainMu.Lock()
		b.closed.Store(true)
		b.drainBatch()
		b.drainMu.Unlock()

		done := make(chan struct{})
		go func() {
			b.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			b.logger.Warn().Msg("xgate: bus stop deadline reached with dispatches in flight")
			stopErr = ErrStopTimeout
		}

		if left := len(b.queue); left > 0 {
			b.logger.Warn().Float64("discarded", float64(left)).Msg("xgate: events left in queue at stop")
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xgate: observer pool shutdown timeout")
			}
		}
		b.logger.Info().Msg("xgate: event bus stopped")
	})
	return stopErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if reflect.TypeOf(o).Comparable() && o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync hands a notice to the observer pool without blocking.
func (b *Bus) notifyAsync(n Notice) {
	if b.observerPool == nil {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(n, observers)
}
