package xgate

import (
	"context"
	"time"
)

// PublishThreadsafe queues e from any goroutine and schedules a drain on the
// coordinator. It never returns an error and never blocks longer than the
// enqueue timeout: when the bus is stopped, no coordinator is bound, or the
// queue stays full, the event is dropped, logged and counted.
func (b *Bus) PublishThreadsafe(e Event) {
	if e.Origin() == "" {
		e = e.WithOrigin(OriginExternal)
	}
	if b.closed.Load() {
		b.drop(e, "bus stopped")
		return
	}
	coord := b.coordinator()
	if coord == nil || coord.Closed() {
		b.drop(e, "coordinator unavailable")
		return
	}

	select {
	case b.queue <- e:
	default:
		timer := time.NewTimer(b.enqueueTimeout)
		select {
		case b.queue <- e:
			timer.Stop()
		case <-timer.C:
			b.drop(e, "queue full")
			return
		}
	}

	b.metrics.published.Add(1)
	b.recordDepth(len(b.queue))
	b.notifyAsync(Notice{Type: Enqueued, EventType: e.Type()})
	b.logger.Debug().Str("event_type", e.Type()).Str("origin", e.Origin()).Msg("xgate: event scheduled for processing")

	b.scheduleDrain(coord)
}

// Publish dispatches e synchronously on the caller's goroutine, skipping the
// queue. It is meant for code already running on the coordinator; handler
// failures are counted, not returned.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if e.Type() == "" {
		return ErrInvalidEventType
	}
	if e.Origin() == "" {
		e = e.WithOrigin(OriginCoordinator)
	}
	b.metrics.published.Add(1)
	b.dispatch(ctx, e)
	return nil
}

// scheduleDrain posts at most one pending drain to the coordinator. Every
// publish re-arms it; an armed drain pops each event once.
func (b *Bus) scheduleDrain(coord *Coordinator) {
	if !b.drainScheduled.CompareAndSwap(false, true) {
		return
	}
	if !coord.Post(b.drain) {
		b.drainScheduled.Store(false)
		b.logger.Error().Str("coordinator", coord.Name()).Msg("xgate: failed to schedule event processing")
	}
}

// drain runs on the coordinator.
func (b *Bus) drain(_ context.Context) {
	b.drainScheduled.Store(false)

	b.drainMu.Lock()
	if b.closed.Load() {
		b.drainMu.Unlock()
		return
	}
	n := b.drainBatch()
	b.drainMu.Unlock()

	if n > 0 {
		b.logger.Debug().Float64("count", float64(n)).Msg("xgate: processed events from queue")
	}
	if len(b.queue) > 0 && !b.closed.Load() {
		if coord := b.coordinator(); coord != nil {
			b.scheduleDrain(coord)
		}
	}
}

// drainBatch pops up to batchSize events and spawns one dispatch per event in
// pop order. Callers hold drainMu.
func (b *Bus) drainBatch() int {
	n := 0
	for n < b.batchSize {
		select {
		case e := <-b.queue:
			n++
			b.inflight.Add(1)
			go func(e Event) {
				defer b.inflight.Done()
				b.dispatch(b.baseCtx, e)
			}(e)
		default:
			return n
		}
	}
	return n
}

func (b *Bus) drop(e Event, reason string) {
	b.metrics.dropped.Add(1)
	b.metrics.failed.Add(1)
	b.notifyAsync(Notice{Type: Dropped, EventType: e.Type(), Reason: reason})
	b.logger.Error().
		Str("event_type", e.Type()).
		Str("origin", e.Origin()).
		Str("reason", reason).
		Msg("xgate: dropping event")
}
