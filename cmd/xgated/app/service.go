package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/config"
	"github.com/trickstertwo/xgate/connectivity"
	"github.com/trickstertwo/xgate/httpapi"
	xprom "github.com/trickstertwo/xgate/observability/prometheus"
	"github.com/trickstertwo/xgate/syncer"
	"github.com/trickstertwo/xgate/worker"

	// Adapters register their factories in init.
	_ "github.com/trickstertwo/xgate/adapter/memory"
	_ "github.com/trickstertwo/xgate/adapter/postgres"
	_ "github.com/trickstertwo/xgate/adapter/redis"
	_ "github.com/trickstertwo/xgate/adapter/s3"
)

// Service is a fully wired gateway process.
type Service struct {
	cfg    *config.Config
	logger *xlog.Logger

	Clock    xclock.Clock
	Store    xgate.Store
	Blobs    xgate.BlobStore
	Gateway  xgate.Gateway
	Bus      *xgate.Bus
	Coord    *xgate.Coordinator
	Registry *worker.Registry
	HTTP     *httpapi.Server

	subs []xgate.Subscription
}

// Build opens the collaborators and wires every component without starting
// anything. reg receives the metric collectors; nil means the default
// registerer.
func Build(_ context.Context, cfg *config.Config, lg *xlog.Logger, reg prom.Registerer) (*Service, error) {
	if lg == nil {
		lg = xlog.Default()
	}
	s := &Service{cfg: cfg, logger: lg, Clock: xclock.Default()}

	var err error
	if s.Store, err = xgate.NewStore(cfg.Store.Driver, cfg.Store.Options); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if s.Blobs, err = xgate.NewBlobStore(cfg.Blobs.Driver, cfg.Blobs.Options); err != nil {
		s.closeStore()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	if s.Gateway, err = xgate.NewGateway(cfg.Gateway.Driver, cfg.Gateway.Options); err != nil {
		s.closeStore()
		return nil, fmt.Errorf("open gateway: %w", err)
	}
	lg.Info().
		Str("store", cfg.Store.Driver).
		Str("blobs", cfg.Blobs.Driver).
		Str("gateway", cfg.Gateway.Driver).
		Msg("collaborators ready")

	var coordOpts []xgate.CoordinatorOption
	coordOpts = append(coordOpts, xgate.WithCoordinatorLogger(lg))
	if cfg.Bus.LockOSThread {
		coordOpts = append(coordOpts, xgate.WithCoordinatorLockOSThread())
	}
	s.Coord = xgate.NewCoordinator("coordinator", coordOpts...)

	bb := xgate.NewBusBuilder().
		WithCoordinator(s.Coord).
		WithQueueSize(cfg.Bus.QueueSize).
		WithBatchSize(cfg.Bus.BatchSize).
		WithEnqueueTimeout(cfg.Bus.EnqueueTimeout).
		WithObserverPool(cfg.Bus.ObserverWorkers, cfg.Bus.ObserverBuffer).
		WithLogger(lg).
		WithClock(s.Clock)

	var exporter *xprom.Exporter
	if cfg.Metrics.Enabled {
		if exporter, err = xprom.NewExporter(reg, xprom.ExporterOptions{Namespace: cfg.Metrics.Namespace}); err != nil {
			s.abort()
			return nil, fmt.Errorf("metrics exporter: %w", err)
		}
		bb.WithObserver(exporter)
	}
	if s.Bus, err = bb.Build(); err != nil {
		s.abort()
		return nil, fmt.Errorf("build bus: %w", err)
	}

	regOpts := []worker.Option{
		worker.WithRegistryLogger(lg),
		worker.WithClock(s.Clock),
		worker.WithStopTimeout(cfg.Workers.StopTimeout),
	}
	if cfg.Workers.LockOSThread {
		regOpts = append(regOpts, worker.WithRunnerOptions(worker.WithLockOSThread()))
	}
	s.Registry = worker.NewRegistry(regOpts...)

	deps := syncer.Deps{
		Gateway:   s.Gateway,
		Store:     s.Store,
		Blobs:     s.Blobs,
		Publisher: s.Bus,
		Logger:    lg,
		Clock:     s.Clock,
	}
	if err := s.Registry.Register(worker.KindSync, syncer.Constructor(deps, cfg.Sync.Syncer())); err != nil {
		s.abort()
		return nil, err
	}

	mains := []worker.Worker{
		connectivity.NewListenWorker(s.Gateway, s.Bus, cfg.Gateway.ListenAddr, lg),
	}
	if cfg.Metrics.Enabled {
		poller, err := xprom.NewSnapshotPoller(reg, cfg.Metrics.PollInterval, s.Bus, s.Registry)
		if err != nil {
			s.abort()
			return nil, fmt.Errorf("metrics poller: %w", err)
		}
		mains = append(mains, poller)
	}
	if err := s.Registry.Init(mains...); err != nil {
		s.abort()
		return nil, err
	}

	handler, err := connectivity.NewHandler(s.Store, s.Gateway, s.Registry,
		connectivity.WithLogger(lg),
		connectivity.WithClock(s.Clock),
		connectivity.WithCallTimeout(cfg.Gateway.CallTimeout),
	)
	if err != nil {
		s.abort()
		return nil, err
	}
	if err := s.subscribe(xgate.EventResourceConnectivity, handler); err != nil {
		s.abort()
		return nil, err
	}
	if exporter != nil {
		if err := s.subscribe(xgate.EventRecordSynced, exporter); err != nil {
			s.abort()
			return nil, err
		}
	}

	if cfg.HTTP.Enabled {
		opts := []httpapi.Option{
			httpapi.WithLogger(lg),
			httpapi.WithStopTimeout(cfg.Workers.StopTimeout),
		}
		if g, ok := reg.(prom.Gatherer); ok {
			opts = append(opts, httpapi.WithMetricsHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
		}
		s.HTTP = httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(s.Bus, s.Registry, opts...), lg)
	}
	return s, nil
}

func (s *Service) subscribe(eventType string, h xgate.Handler) error {
	sub, err := s.Bus.Subscribe(eventType, h)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", eventType, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Start starts the bus, the main workers and the HTTP server. Any failure
// undoes what already started.
func (s *Service) Start(ctx context.Context) error {
	if err := s.markOffline(ctx); err != nil {
		return err
	}
	if err := s.Bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	if err := s.Registry.StartAll(ctx); err != nil {
		_ = s.Bus.Stop(ctx)
		return fmt.Errorf("start workers: %w", err)
	}
	if s.HTTP != nil {
		if err := s.HTTP.Start(); err != nil {
			s.Registry.StopAll(s.cfg.Workers.StopTimeout)
			_ = s.Bus.Stop(ctx)
			return err
		}
	}
	s.logger.Info().Msg("xgated started")
	return nil
}

// markOffline clears online flags left by a previous run. Sessions do not
// survive a restart, so a device is online again only once it dials in.
func (s *Service) markOffline(ctx context.Context) error {
	resources, err := s.Store.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	now := s.Clock.Now()
	n := 0
	for _, r := range resources {
		if !r.Online {
			continue
		}
		u := xgate.ResourceUpdate{Online: xgate.Ptr(false), Session: xgate.Ptr(""), LastOfflineAt: &now}
		if _, err := s.Store.UpdateResource(ctx, r.Key, u); err != nil {
			return fmt.Errorf("mark %s offline: %w", r.Key, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info().Float64("resources", float64(n)).Msg("stale online flags cleared")
	}
	return nil
}

// Shutdown stops everything in reverse start order: HTTP, workers, bus,
// coordinator, store. It keeps going after errors and returns them joined.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.HTTP != nil {
		if err := s.HTTP.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	stopTimeout := s.cfg.Workers.StopTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < stopTimeout {
			stopTimeout = left
		}
	}
	s.Registry.StopAll(stopTimeout)
	for _, sub := range s.subs {
		_ = sub.Close()
	}
	if err := s.Bus.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop bus: %w", err))
	}
	s.Coord.Close()
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.logger.Info().Msg("xgated stopped")
	return errors.Join(errs...)
}

func (s *Service) abort() {
	if s.Coord != nil {
		s.Coord.Close()
	}
	s.closeStore()
}

func (s *Service) closeStore() {
	if s.Store != nil {
		_ = s.Store.Close()
	}
}
