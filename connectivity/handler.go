// Package connectivity tracks the online state of resources from gateway
// notices and starts or stops their sync workers accordingly.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/syncer"
	"github.com/trickstertwo/xgate/worker"
)

// DefaultCallTimeout bounds each store or gateway call of a transition.
const DefaultCallTimeout = 30 * time.Second

// Workers is the slice of the worker registry the handler drives.
type Workers interface {
	RunResourceWorker(ctx context.Context, resourceKey string, kind worker.Kind, meta worker.Metadata) error
	StopResourceWorker(resourceKey string, kind worker.Kind) bool
}

// Handler applies connectivity events to resource state. Transitions of one
// resource are serialized; different resources proceed in parallel.
type Handler struct {
	store       xgate.Store
	gateway     xgate.Gateway
	workers     Workers
	logger      *xlog.Logger
	clock       xclock.Clock
	callTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var (
	_ xgate.Handler = (*Handler)(nil)
	_ xgate.Named   = (*Handler)(nil)
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *xlog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock sets the clock used for online/offline timestamps.
func WithClock(c xclock.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithCallTimeout bounds each collaborator call.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.callTimeout = d
		}
	}
}

// NewHandler wires the collaborators of the state machine.
func NewHandler(store xgate.Store, gateway xgate.Gateway, workers Workers, opts ...Option) (*Handler, error) {
	if store == nil || gateway == nil || workers == nil {
		return nil, errors.New("connectivity: store, gateway and workers are required")
	}
	h := &Handler{
		store:       store,
		gateway:     gateway,
		workers:     workers,
		logger:      xlog.Default(),
		clock:       xclock.Default(),
		callTimeout: DefaultCallTimeout,
		locks:       make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h, nil
}

func (h *Handler) Name() string { return "connectivity" }

// Handle never returns an error: failures are logged with the event payload
// and the resource keeps its prior state.
func (h *Handler) Handle(ctx context.Context, e xgate.Event) error {
	if e.Type() != xgate.EventResourceConnectivity {
		return nil
	}
	n := xgate.NoticeFromEvent(e)
	log := h.logger.With(
		xlog.Str("resource", n.ResourceKey),
		xlog.Str("command", n.Command),
		xlog.Str("address", n.Address),
		xlog.Str("port", fmt.Sprint(n.Port)),
		xlog.Str("origin", e.Origin()),
	)

	if n.ResourceKey == "" {
		log.Warn().Msg("connectivity event without resource key ignored")
		return nil
	}

	unlock := h.lock(n.ResourceKey)
	defer unlock()

	var err error
	if n.IsDisconnect() {
		err = h.disconnect(ctx, n, log)
	} else {
		err = h.connect(ctx, n, log)
	}
	if err != nil {
		log.Error().Err(err).Str("payload", fmt.Sprint(e.Map())).Msg("connectivity transition failed")
	}
	return nil
}

func (h *Handler) lock(key string) func() {
	h.mu.Lock()
	m, ok := h.locks[key]
	if !ok {
		m = &sync.Mutex{}
		h.locks[key] = m
	}
	h.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// load returns nil for resources the handler must ignore.
func (h *Handler) load(ctx context.Context, key string, log *xlog.Logger) (*xgate.Resource, error) {
	cctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()
	r, err := h.store.GetResource(cctx, key)
	switch {
	case errors.Is(err, xgate.ErrResourceNotFound), err == nil && r == nil:
		log.Info().Msg("resource is not registered, ignoring")
		return nil, nil
	case err != nil:
		return nil, err
	case !r.Active:
		log.Info().Msg("resource is inactive, ignoring")
		return nil, nil
	}
	return r, nil
}

func (h *Handler) disconnect(ctx context.Context, n xgate.ConnectivityNotice, log *xlog.Logger) error {
	r, err := h.load(ctx, n.ResourceKey, log)
	if err != nil || r == nil {
		return err
	}

	now := h.clock.Now()
	if err := h.update(ctx, n.ResourceKey, xgate.ResourceUpdate{
		Online:        xgate.Ptr(false),
		Session:       xgate.Ptr(""),
		LastOfflineAt: &now,
	}); err != nil {
		return err
	}
	log.Info().Msg("resource offline")

	if h.workers.StopResourceWorker(n.ResourceKey, worker.KindSync) {
		log.Info().Msg("sync worker stopped")
	}

	lctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()
	if err := h.gateway.Logout(lctx, n.ResourceKey); err != nil && !errors.Is(err, xgate.ErrNoSession) {
		log.Warn().Err(err).Msg("gateway logout failed")
	}
	return nil
}

func (h *Handler) connect(ctx context.Context, n xgate.ConnectivityNotice, log *xlog.Logger) error {
	r, err := h.load(ctx, n.ResourceKey, log)
	if err != nil || r == nil {
		return err
	}

	creds, ok := r.Credentials()
	if !ok {
		log.Warn().Err(xgate.ErrMissingCredentials).Msg("connect aborted")
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, h.callTimeout)
	session, err := h.gateway.Authenticate(actx, n.ResourceKey, n.Address, n.Port, creds)
	cancel()
	if err != nil {
		return &xgate.AuthError{ResourceKey: n.ResourceKey, Err: err}
	}

	now := h.clock.Now()
	if err := h.update(ctx, n.ResourceKey, xgate.ResourceUpdate{
		Online:       xgate.Ptr(true),
		Address:      xgate.Ptr(n.Address),
		Port:         xgate.Ptr(n.Port),
		Session:      xgate.Ptr(session),
		LastOnlineAt: &now,
	}); err != nil {
		return err
	}
	log.Info().Msg("resource online")

	if !r.SyncEnabled {
		return nil
	}
	// Replacing a running worker waits for it to stop.
	meta := worker.Metadata{syncer.MetaStartingCursor: r.Cursor}
	wctx, wcancel := context.WithTimeout(ctx, h.callTimeout)
	defer wcancel()
	if err := h.workers.RunResourceWorker(wctx, n.ResourceKey, worker.KindSync, meta); err != nil {
		return err
	}
	return nil
}

func (h *Handler) update(ctx context.Context, key string, u xgate.ResourceUpdate) error {
	cctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()
	_, err := h.store.UpdateResource(cctx, key, u)
	return err
}
