package memory

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xgate"
)

// Stack bundles a bus with in-memory collaborators.
type Stack struct {
	Bus         *xgate.Bus
	Coordinator *xgate.Coordinator
	Store       *Store
	Blobs       *BlobStore
	Gateway     *Gateway
}

// Use builds a Bus plus memory Store, BlobStore and Gateway, and installs the
// bus as the process-wide default. Call bus.Start before publishing.
//
// Example:
//
//	stack := memory.Use(memory.DefaultConfig(),
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) *Stack {
	coord := xgate.NewCoordinator("coordinator")
	bb := xgate.NewBusBuilder().WithCoordinator(coord)
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	xgate.SetDefault(bus)

	m := cfg.toMap()
	return &Stack{
		Bus:         bus,
		Coordinator: coord,
		Store:       NewStore(ConfigFromMap(m)),
		Blobs:       NewBlobStore(ConfigFromMap(m)),
		Gateway:     NewGateway(ConfigFromMap(m)),
	}
}

// Close stops the bus and its coordinator and closes the store.
func (s *Stack) Close(ctx context.Context) error {
	err := s.Bus.Stop(ctx)
	s.Coordinator.Close()
	_ = s.Store.Close()
	return err
}

// Option configures the xgate.Bus when calling Use.
type Option func(*xgate.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xgate.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xgate.BusBuilder) { b.WithClock(c) }
}

// WithQueueSize bounds the bus queue (default: 1000).
func WithQueueSize(n int) Option {
	return func(b *xgate.BusBuilder) { b.WithQueueSize(n) }
}

// WithMiddleware adds handler middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xgate.Middleware) Option {
	return func(b *xgate.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for dispatch notices.
func WithObserver(obs ...xgate.Observer) Option {
	return func(b *xgate.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures the async observer pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xgate.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
