package xgate

import (
	"context"
	"fmt"
)

// Handler reacts to a single event. A returned error is logged and counted;
// it never reaches the publisher.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc is an Adapter that lets a plain function satisfy Handler.
type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// Named handlers report a stable identity used in logs and failure counters.
type Named interface {
	Name() string
}

// HandlerName returns the identity logged for h.
func HandlerName(h Handler) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	EventType() string
	Close() error
}

// Observer receives bus lifecycle notices. Implementations should be non-blocking.
type Observer interface {
	OnNotice(n Notice)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// StatsProvider exposes bus counters to operators.
type StatsProvider interface {
	Stats() Stats
	ResetStats()
}

// API represents the complete event bus surface.
type API interface {
	StatsProvider
	HealthChecker
	SetCoordinator(c *Coordinator)
	Subscribe(eventType string, h Handler) (Subscription, error)
	Unsubscribe(eventType string, h Handler) bool
	PublishThreadsafe(e Event)
	Publish(ctx context.Context, e Event) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
