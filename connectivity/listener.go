package connectivity

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/worker"
)

// ListenerOrigin labels events produced by the gateway listener.
const ListenerOrigin = "gateway-listener"

// Publisher is the thread-safe entry point of the event bus.
type Publisher interface {
	PublishThreadsafe(e xgate.Event)
}

// ListenWorker is the main worker owning the gateway's inbound listener.
// Notices arrive on gateway goroutines and are handed to the bus.
type ListenWorker struct {
	gateway xgate.Gateway
	bus     Publisher
	addr    string
	logger  *xlog.Logger

	mu       sync.Mutex
	listener io.Closer
}

var (
	_ worker.Worker   = (*ListenWorker)(nil)
	_ worker.Preparer = (*ListenWorker)(nil)
)

// NewListenWorker returns a listener bound to addr on Prepare.
func NewListenWorker(gateway xgate.Gateway, bus Publisher, addr string, logger *xlog.Logger) *ListenWorker {
	if logger == nil {
		logger = xlog.Default()
	}
	return &ListenWorker{gateway: gateway, bus: bus, addr: addr, logger: logger}
}

func (w *ListenWorker) Name() string { return "gateway-listener" }

// Prepare binds the listener; an error aborts service launch.
func (w *ListenWorker) Prepare(ctx context.Context) error {
	if w.gateway == nil || w.bus == nil {
		return errors.New("connectivity: listener needs a gateway and a bus")
	}
	l, err := w.gateway.Listen(ctx, w.addr, w.onNotice)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.listener = l
	w.mu.Unlock()
	w.logger.Info().Str("addr", w.addr).Msg("gateway listener bound")
	return nil
}

func (w *ListenWorker) onNotice(n xgate.ConnectivityNotice) {
	w.logger.Debug().
		Str("resource", n.ResourceKey).
		Str("command", n.Command).
		Msg("connectivity notice")
	w.bus.PublishThreadsafe(xgate.ConnectivityEvent(n).WithOrigin(ListenerOrigin))
}

// Process idles until stopped; the gateway drives the callbacks.
func (w *ListenWorker) Process(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (w *ListenWorker) Cleanup(context.Context) error {
	w.mu.Lock()
	l := w.listener
	w.listener = nil
	w.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}
