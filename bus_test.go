package xgate_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
	xzerolog "github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xgate"
)

func quietLogger() *xlog.Logger {
	return xzerolog.Use(xzerolog.Config{MinLevel: xlog.LevelDebug, Writer: io.Discard}).With(xlog.Str("app", "xgate-test"))
}

func newTestBus(t *testing.T, configure func(*xgate.BusBuilder)) (*xgate.Bus, *xgate.Coordinator) {
	t.Helper()
	coord := xgate.NewCoordinator("test")
	bb := xgate.NewBusBuilder().WithCoordinator(coord).WithLogger(quietLogger())
	if configure != nil {
		configure(bb)
	}
	bus, err := bb.Build()
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
		coord.Close()
	})
	return bus, coord
}

type recorder struct {
	mu     sync.Mutex
	name   string
	events []xgate.Event
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Handle(_ context.Context, e xgate.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) all() []xgate.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xgate.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestBuilder_Validation(t *testing.T) {
	_, err := xgate.NewBusBuilder().WithQueueSize(0).Build()
	require.Error(t, err)
	_, err = xgate.NewBusBuilder().WithBatchSize(0).Build()
	require.Error(t, err)
	_, err = xgate.NewBusBuilder().WithEnqueueTimeout(0).Build()
	require.Error(t, err)

	bus, stop, err := xgate.New(func(b *xgate.BusBuilder) { b.WithLogger(quietLogger()) })
	require.NoError(t, err)
	assert.Equal(t, xgate.DefaultQueueSize, bus.Stats().QueueCapacity)
	require.NoError(t, stop())
}

func TestPublishThreadsafe_DeliversToEveryHandler(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	a := &recorder{name: "a"}
	b := &recorder{name: "b"}
	other := &recorder{name: "other"}
	_, err := bus.Subscribe("device.seen", a)
	require.NoError(t, err)
	_, err = bus.Subscribe("device.seen", b)
	require.NoError(t, err)
	_, err = bus.Subscribe("device.gone", other)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		bus.PublishThreadsafe(xgate.NewEvent("device.seen", xgate.F("n", i)))
	}

	require.Eventually(t, func() bool { return a.count() == 10 && b.count() == 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, other.count())

	for _, e := range a.all() {
		assert.Equal(t, xgate.OriginExternal, e.Origin())
	}
	s := bus.Stats()
	assert.Equal(t, uint64(10), s.Published)
	assert.Equal(t, 3, s.HandlerCount)
	assert.Equal(t, []string{"device.gone", "device.seen"}, s.EventTypes)
}

func TestPublishThreadsafe_KeepsProducerOrigin(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	r := &recorder{name: "r"}
	_, err := bus.Subscribe("x", r)
	require.NoError(t, err)

	bus.PublishThreadsafe(xgate.NewEvent("x").WithOrigin("gateway-listener"))
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "gateway-listener", r.all()[0].Origin())
}

func TestPublishThreadsafe_ConcurrentProducers(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	var got atomic.Int64
	_, err := bus.Subscribe("tick", xgate.HandlerFunc(func(context.Context, xgate.Event) error {
		got.Add(1)
		return nil
	}))
	require.NoError(t, err)

	const producers, each = 8, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				bus.PublishThreadsafe(xgate.NewEvent("tick"))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return got.Load() == producers*each }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, bus.Stats().Dropped)
}

func TestPublishThreadsafe_QueueFullDrops(t *testing.T) {
	var (
		mu      sync.Mutex
		reasons []string
	)
	obs := xgate.ObserverFunc(func(n xgate.Notice) {
		if n.Type == xgate.Dropped {
			mu.Lock()
			reasons = append(reasons, n.Reason)
			mu.Unlock()
		}
	})
	bus, coord := newTestBus(t, func(b *xgate.BusBuilder) {
		b.WithQueueSize(1).WithEnqueueTimeout(20 * time.Millisecond).WithObserver(obs)
	})
	r := &recorder{name: "r"}
	_, err := bus.Subscribe("x", r)
	require.NoError(t, err)

	release := make(chan struct{})
	require.True(t, coord.Post(func(context.Context) { <-release }))

	start := time.Now()
	bus.PublishThreadsafe(xgate.NewEvent("x", xgate.F("n", 1)))
	bus.PublishThreadsafe(xgate.NewEvent("x", xgate.F("n", 2)))
	bus.PublishThreadsafe(xgate.NewEvent("x", xgate.F("n", 3)))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	s := bus.Stats()
	assert.Equal(t, uint64(1), s.Published)
	assert.Equal(t, uint64(2), s.Dropped)
	assert.Equal(t, 1, s.QueueDepth)
	assert.Equal(t, 1, s.PeakQueueDepth)

	close(release)
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
	n, _ := r.all()[0].Int64("n")
	assert.Equal(t, int64(1), n)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reasons) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"queue full", "queue full"}, reasons)
}

func TestPublishThreadsafe_WithoutCoordinatorDrops(t *testing.T) {
	bus, err := xgate.NewBusBuilder().WithLogger(quietLogger()).Build()
	require.NoError(t, err)
	defer func() { _ = bus.Stop(context.Background()) }()

	bus.PublishThreadsafe(xgate.NewEvent("x"))
	s := bus.Stats()
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Equal(t, uint64(0), s.Published)
	assert.Equal(t, "unhealthy", bus.Health(context.Background()).Status)
}

func TestPublish_SynchronousOnCaller(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	r := &recorder{name: "r"}
	_, err := bus.Subscribe("x", r)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))
	require.Equal(t, 1, r.count())
	assert.Equal(t, xgate.OriginCoordinator, r.all()[0].Origin())

	require.ErrorIs(t, bus.Publish(context.Background(), xgate.NewEvent("")), xgate.ErrInvalidEventType)
}

func TestDispatch_FailureIsolation(t *testing.T) {
	var (
		mu       sync.Mutex
		failures []string
	)
	obs := xgate.ObserverFunc(func(n xgate.Notice) {
		if n.Type == xgate.HandlerFailed {
			mu.Lock()
			failures = append(failures, n.Handler)
			mu.Unlock()
		}
	})
	bus, _ := newTestBus(t, func(b *xgate.BusBuilder) { b.WithObserver(obs) })

	ok := &recorder{name: "ok"}
	_, err := bus.Subscribe("x", ok)
	require.NoError(t, err)
	_, err = bus.Subscribe("x", namedFunc{"erroring", func(context.Context, xgate.Event) error { return errors.New("boom") }})
	require.NoError(t, err)
	_, err = bus.Subscribe("x", namedFunc{"panicking", func(context.Context, xgate.Event) error { panic("kaboom") }})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))
	assert.Equal(t, 1, ok.count())

	s := bus.Stats()
	assert.Equal(t, uint64(1), s.Processed)
	assert.Equal(t, uint64(1), s.Failed)
	assert.Equal(t, uint64(2), s.HandlerFailures)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{"erroring", "panicking"}, failures)
	mu.Unlock()
}

func TestDispatch_HandlersRunConcurrently(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	var inside atomic.Int32
	barrier := make(chan struct{})
	h := func(context.Context, xgate.Event) error {
		if inside.Add(1) == 2 {
			close(barrier)
		}
		select {
		case <-barrier:
			return nil
		case <-time.After(time.Second):
			return errors.New("handlers were serialized")
		}
	}
	_, err := bus.Subscribe("x", xgate.HandlerFunc(h))
	require.NoError(t, err)
	_, err = bus.Subscribe("x", xgate.HandlerFunc(h))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))
	assert.Zero(t, bus.Stats().HandlerFailures)
}

func TestDispatch_HandlerContextCarriesLoggerAndClock(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	got := make(chan context.Context, 1)
	_, err := bus.Subscribe("x", xgate.HandlerFunc(func(ctx context.Context, _ xgate.Event) error {
		got <- ctx
		return nil
	}))
	require.NoError(t, err)

	bus.PublishThreadsafe(xgate.NewEvent("x"))
	select {
	case ctx := <-got:
		assert.NotNil(t, xgate.ClockFromContext(ctx))
		lg, ok := xgate.LoggerFromContext(ctx)
		assert.True(t, ok)
		assert.NotNil(t, lg)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestUnsubscribe_DuringDispatchTakesEffectNextEvent(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	b := &recorder{name: "b"}
	var once sync.Once
	a := namedFunc{"a", func(context.Context, xgate.Event) error {
		once.Do(func() { bus.Unsubscribe("x", b) })
		return nil
	}}
	_, err := bus.Subscribe("x", a)
	require.NoError(t, err)
	_, err = bus.Subscribe("x", b)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))
	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 1, bus.Stats().HandlerCount)
}

func TestUnsubscribe_Identity(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	r := &recorder{name: "r"}
	_, err := bus.Subscribe("x", r)
	require.NoError(t, err)

	assert.False(t, bus.Unsubscribe("y", r))
	assert.False(t, bus.Unsubscribe("x", &recorder{name: "r"}))
	assert.True(t, bus.Unsubscribe("x", r))
	assert.False(t, bus.Unsubscribe("x", r))

	fn := xgate.HandlerFunc(func(context.Context, xgate.Event) error { return nil })
	sub, err := bus.Subscribe("x", fn)
	require.NoError(t, err)
	assert.False(t, bus.Unsubscribe("x", fn), "func handlers are not comparable")
	assert.Equal(t, "x", sub.EventType())
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Zero(t, bus.Stats().HandlerCount)
}

func TestSubscribe_Invalid(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	_, err := bus.Subscribe("", &recorder{})
	require.ErrorIs(t, err, xgate.ErrInvalidSubscription)
	_, err = bus.Subscribe("x", nil)
	require.ErrorIs(t, err, xgate.ErrInvalidSubscription)
}

func TestStop(t *testing.T) {
	bus, coord := newTestBus(t, nil)
	r := &recorder{name: "r"}
	_, err := bus.Subscribe("x", r)
	require.NoError(t, err)

	release := make(chan struct{})
	require.True(t, coord.Post(func(context.Context) { <-release }))
	bus.PublishThreadsafe(xgate.NewEvent("x"))
	bus.PublishThreadsafe(xgate.NewEvent("x"))

	require.NoError(t, bus.Stop(context.Background()))
	close(release)
	assert.Equal(t, 2, r.count(), "final drain dispatches queued events")

	bus.PublishThreadsafe(xgate.NewEvent("x"))
	assert.Equal(t, uint64(1), bus.Stats().Dropped)
	require.ErrorIs(t, bus.Publish(context.Background(), xgate.NewEvent("x")), xgate.ErrBusClosed)
	_, err = bus.Subscribe("x", r)
	require.ErrorIs(t, err, xgate.ErrBusClosed)
	require.ErrorIs(t, bus.Start(context.Background()), xgate.ErrBusClosed)
	assert.Equal(t, "unhealthy", bus.Health(context.Background()).Status)
	require.NoError(t, bus.Stop(context.Background()))
}

func TestStop_DeadlineWithInflightDispatch(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	_, err := bus.Subscribe("slow", xgate.HandlerFunc(func(context.Context, xgate.Event) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, err)
	defer close(release)

	bus.PublishThreadsafe(xgate.NewEvent("slow"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, bus.Stop(ctx), xgate.ErrStopTimeout)
}

func TestStats_Reset(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	_, err := bus.Subscribe("x", &recorder{name: "r"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))
	require.NotZero(t, bus.Stats().Published)

	bus.ResetStats()
	s := bus.Stats()
	assert.Zero(t, s.Published)
	assert.Zero(t, s.Processed)
	assert.Equal(t, 1, s.HandlerCount)
}

func TestHealth_Healthy(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	h := bus.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Empty(t, h.Message)
}

func TestHealth_DegradedOnFailures(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	_, err := bus.Subscribe("x", xgate.HandlerFunc(func(context.Context, xgate.Event) error { return errors.New("nope") }))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))

	h := bus.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.Message, "failure rate")
}

func TestObservers_AddRemove(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	var n atomic.Int32
	obs := &countingObserver{n: &n}
	bus.AddObserver(obs)
	_, err := bus.Subscribe("x", &recorder{name: "r"})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)

	bus.RemoveObserver(obs)
	before := n.Load()
	require.NoError(t, bus.Publish(context.Background(), xgate.NewEvent("x")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, n.Load())
}

type countingObserver struct{ n *atomic.Int32 }

func (o *countingObserver) OnNotice(xgate.Notice) { o.n.Add(1) }

type namedFunc struct {
	name string
	fn   func(context.Context, xgate.Event) error
}

func (h namedFunc) Name() string                                    { return h.name }
func (h namedFunc) Handle(ctx context.Context, e xgate.Event) error { return h.fn(ctx, e) }
