package prometheus

import (
	"context"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/worker"
)

// BusSnapshotProvider provides bus counter snapshots.
type BusSnapshotProvider interface {
	Stats() xgate.Stats
}

// WorkerSnapshotProvider lists live workers.
type WorkerSnapshotProvider interface {
	ListRunning(kinds ...worker.Kind) []worker.Record
}

// SnapshotPoller is a main worker that periodically copies bus Stats() and
// registry counts into gauges.
type SnapshotPoller struct {
	interval time.Duration
	bus      BusSnapshotProvider
	workers  WorkerSnapshotProvider

	busCounter  *prom.GaugeVec
	queueDepth  prom.Gauge
	queuePeak   prom.Gauge
	handlers    prom.Gauge
	workersLive *prom.GaugeVec
}

var _ worker.Worker = (*SnapshotPoller)(nil)

// NewSnapshotPoller creates a poller and registers its collectors. Either
// provider may be nil.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration, bus BusSnapshotProvider, workers WorkerSnapshotProvider) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	busCounter := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: DefaultNamespace,
		Name:      "bus_events",
		Help:      "Bus event counter snapshot by outcome.",
	}, []string{"outcome"})
	queueDepth := prom.NewGauge(prom.GaugeOpts{
		Namespace: DefaultNamespace,
		Name:      "bus_queue_depth",
		Help:      "Current bus queue depth.",
	})
	queuePeak := prom.NewGauge(prom.GaugeOpts{
		Namespace: DefaultNamespace,
		Name:      "bus_queue_peak_depth",
		Help:      "Peak bus queue depth since the last reset.",
	})
	handlers := prom.NewGauge(prom.GaugeOpts{
		Namespace: DefaultNamespace,
		Name:      "bus_handlers",
		Help:      "Registered handler count.",
	})
	workersLive := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: DefaultNamespace,
		Name:      "workers_running",
		Help:      "Running workers per kind.",
	}, []string{"kind"})

	var err error
	if busCounter, err = registerCollector(reg, busCounter); err != nil {
		return nil, err
	}
	if queueDepth, err = registerCollector(reg, queueDepth); err != nil {
		return nil, err
	}
	if queuePeak, err = registerCollector(reg, queuePeak); err != nil {
		return nil, err
	}
	if handlers, err = registerCollector(reg, handlers); err != nil {
		return nil, err
	}
	if workersLive, err = registerCollector(reg, workersLive); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:    interval,
		bus:         bus,
		workers:     workers,
		busCounter:  busCounter,
		queueDepth:  queueDepth,
		queuePeak:   queuePeak,
		handlers:    handlers,
		workersLive: workersLive,
	}, nil
}

func (p *SnapshotPoller) Name() string { return "metrics-snapshot" }

// Process polls until ctx is cancelled.
func (p *SnapshotPoller) Process(ctx context.Context) error {
	p.PollOnce()
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.PollOnce()
		}
	}
}

func (p *SnapshotPoller) Cleanup(context.Context) error { return nil }

// PollOnce exports one snapshot.
func (p *SnapshotPoller) PollOnce() {
	if p == nil {
		return
	}
	if p.bus != nil {
		s := p.bus.Stats()
		p.busCounter.WithLabelValues("published").Set(float64(s.Published))
		p.busCounter.WithLabelValues("processed").Set(float64(s.Processed))
		p.busCounter.WithLabelValues("failed").Set(float64(s.Failed))
		p.busCounter.WithLabelValues("dropped").Set(float64(s.Dropped))
		p.busCounter.WithLabelValues("handler_failures").Set(float64(s.HandlerFailures))
		p.queueDepth.Set(float64(s.QueueDepth))
		p.queuePeak.Set(float64(s.PeakQueueDepth))
		p.handlers.Set(float64(s.HandlerCount))
	}
	if p.workers != nil {
		counts := make(map[worker.Kind]int, len(worker.Kinds()))
		for _, k := range worker.Kinds() {
			counts[k] = 0
		}
		for _, r := range p.workers.ListRunning() {
			counts[r.Kind]++
		}
		for k, n := range counts {
			p.workersLive.WithLabelValues(k.String()).Set(float64(n))
		}
	}
}
