package xgate

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide singleton Bus.
func Default() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus
	}

	bus, err := NewBusBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("xgate: failed to initialize default bus: %v", err))
	}
	defaultBus = bus
	return defaultBus
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xgate: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// PublishThreadsafe is the Facade using the default bus.
func PublishThreadsafe(e Event) {
	Default().PublishThreadsafe(e)
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, e Event) error {
	return Default().Publish(ctx, e)
}

// Subscribe is the Facade using the default bus.
func Subscribe(eventType string, h Handler) (Subscription, error) {
	return Default().Subscribe(eventType, h)
}
