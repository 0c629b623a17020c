// Package prometheus exports bus notices, synced records and periodic
// bus/registry snapshots as Prometheus metrics.
package prometheus

import (
	"context"
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xgate"
)

// DefaultNamespace prefixes every metric.
const DefaultNamespace = "xgate"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	Namespace       string
	DurationBuckets []float64
}

// Exporter is a bus Observer that counts notices, and a record.synced
// Handler that counts committed records.
type Exporter struct {
	enqueued        *prom.CounterVec
	dropped         *prom.CounterVec
	handlerFailures *prom.CounterVec
	dispatchSeconds *prom.HistogramVec
	recordsSynced   *prom.CounterVec
	blobsUploaded   *prom.CounterVec
}

var (
	_ xgate.Observer = (*Exporter)(nil)
	_ xgate.Handler  = (*Exporter)(nil)
	_ xgate.Named    = (*Exporter)(nil)
)

// NewExporter creates and registers the collectors. Registering twice on the
// same registry reuses the existing collectors.
func NewExporter(reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	ns := normalizeLabel(opts.Namespace, DefaultNamespace)
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	enqueued := prom.NewCounterVec(prom.CounterOpts{
		Namespace: ns,
		Name:      "events_enqueued_total",
		Help:      "Events accepted into the bus queue.",
	}, []string{"event_type"})
	dropped := prom.NewCounterVec(prom.CounterOpts{
		Namespace: ns,
		Name:      "events_dropped_total",
		Help:      "Events dropped before dispatch.",
	}, []string{"event_type", "reason"})
	handlerFailures := prom.NewCounterVec(prom.CounterOpts{
		Namespace: ns,
		Name:      "handler_failures_total",
		Help:      "Handler invocations that returned an error or panicked.",
	}, []string{"event_type", "handler"})
	dispatchSeconds := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: ns,
		Name:      "dispatch_duration_seconds",
		Help:      "Time to run every handler of one event.",
		Buckets:   buckets,
	}, []string{"event_type"})
	recordsSynced := prom.NewCounterVec(prom.CounterOpts{
		Namespace: ns,
		Name:      "records_synced_total",
		Help:      "Records committed by sync workers.",
	}, []string{"resource"})
	blobsUploaded := prom.NewCounterVec(prom.CounterOpts{
		Namespace: ns,
		Name:      "blobs_uploaded_total",
		Help:      "Record blobs uploaded to the blob store.",
	}, []string{"resource"})

	var err error
	if enqueued, err = registerCollector(reg, enqueued); err != nil {
		return nil, err
	}
	if dropped, err = registerCollector(reg, dropped); err != nil {
		return nil, err
	}
	if handlerFailures, err = registerCollector(reg, handlerFailures); err != nil {
		return nil, err
	}
	if dispatchSeconds, err = registerCollector(reg, dispatchSeconds); err != nil {
		return nil, err
	}
	if recordsSynced, err = registerCollector(reg, recordsSynced); err != nil {
		return nil, err
	}
	if blobsUploaded, err = registerCollector(reg, blobsUploaded); err != nil {
		return nil, err
	}

	return &Exporter{
		enqueued:        enqueued,
		dropped:         dropped,
		handlerFailures: handlerFailures,
		dispatchSeconds: dispatchSeconds,
		recordsSynced:   recordsSynced,
		blobsUploaded:   blobsUploaded,
	}, nil
}

// OnNotice records one bus notice.
func (e *Exporter) OnNotice(n xgate.Notice) {
	if e == nil {
		return
	}
	et := normalizeLabel(n.EventType, "unknown")
	switch n.Type {
	case xgate.Enqueued:
		e.enqueued.WithLabelValues(et).Inc()
	case xgate.Dropped:
		e.dropped.WithLabelValues(et, normalizeLabel(n.Reason, "unknown")).Inc()
	case xgate.HandlerFailed:
		e.handlerFailures.WithLabelValues(et, normalizeLabel(n.Handler, "unknown")).Inc()
	case xgate.DispatchDone:
		e.dispatchSeconds.WithLabelValues(et).Observe(n.Duration.Seconds())
	}
}

func (e *Exporter) Name() string { return "prometheus-exporter" }

// Handle counts record.synced events.
func (e *Exporter) Handle(_ context.Context, ev xgate.Event) error {
	if e == nil || ev.Type() != xgate.EventRecordSynced {
		return nil
	}
	res := normalizeLabel(ev.String(xgate.FieldResourceKey), "unknown")
	e.recordsSynced.WithLabelValues(res).Inc()
	if ev.String(xgate.FieldBlobURL) != "" {
		e.blobsUploaded.WithLabelValues(res).Inc()
	}
	return nil
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
