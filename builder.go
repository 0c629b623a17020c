package xgate

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Defaults for a bus built without overrides.
const (
	DefaultQueueSize      = 1000
	DefaultBatchSize      = 100
	DefaultEnqueueTimeout = time.Second
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	queueSize      int
	batchSize      int
	enqueueTimeout time.Duration

	coordinator *Coordinator
	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		queueSize:      DefaultQueueSize,
		batchSize:      DefaultBatchSize,
		enqueueTimeout: DefaultEnqueueTimeout,
		poolWorkers:    4,
		poolBuffer:     1000,
	}
}

// WithQueueSize sets the bounded queue capacity.
func (bb *BusBuilder) WithQueueSize(n int) *BusBuilder {
	bb.queueSize = n
	return bb
}

// WithBatchSize sets how many events one drain pass pops.
func (bb *BusBuilder) WithBatchSize(n int) *BusBuilder {
	bb.batchSize = n
	return bb
}

// WithEnqueueTimeout bounds how long PublishThreadsafe waits on a full queue.
func (bb *BusBuilder) WithEnqueueTimeout(d time.Duration) *BusBuilder {
	bb.enqueueTimeout = d
	return bb
}

// WithCoordinator binds the coordinator at build time.
func (bb *BusBuilder) WithCoordinator(c *Coordinator) *BusBuilder {
	bb.coordinator = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async observer pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	if bb.queueSize < 1 {
		return nil, fmt.Errorf("xgate: queue size must be >= 1, got %d", bb.queueSize)
	}
	if bb.batchSize < 1 {
		return nil, fmt.Errorf("xgate: batch size must be >= 1, got %d", bb.batchSize)
	}
	if bb.enqueueTimeout <= 0 {
		return nil, fmt.Errorf("xgate: enqueue timeout must be > 0, got %v", bb.enqueueTimeout)
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Bus{
		clock:          clk,
		logger:         lg,
		middlewares:    bb.middlewares,
		enqueueTimeout: bb.enqueueTimeout,
		batchSize:      bb.batchSize,
		queue:          make(chan Event, bb.queueSize),
		handlers:       make(map[string][]*subscription),
		baseCtx:        InjectAll(context.Background(), lg, clk),
		metrics:        &busMetrics{},
		observerPool:   NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer),
	}
	if bb.coordinator != nil {
		b.SetCoordinator(bb.coordinator)
	}

	// Attach the logging observer unless one was supplied.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a stop func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	stopFn := func() error { return bus.Stop(context.Background()) }
	return bus, stopFn, nil
}
