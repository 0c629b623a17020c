// Package httpapi serves the operator endpoints: health, bus stats, worker
// listing and stop controls, and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/worker"
)

// Bus is the part of the event bus exposed over HTTP.
type Bus interface {
	xgate.HealthChecker
	xgate.StatsProvider
}

// Workers is the part of the worker registry exposed over HTTP.
type Workers interface {
	ListRunning(kinds ...worker.Kind) []worker.Record
	Count() int
	StopResourceWorker(resourceKey string, kind worker.Kind) bool
	StopResourceWorkers(timeout time.Duration) int
}

// Option configures the router.
type Option func(*config)

type config struct {
	logger      *xlog.Logger
	metrics     http.Handler
	stopTimeout time.Duration
	middlewares []func(http.Handler) http.Handler
}

// WithLogger sets the request logger.
func WithLogger(l *xlog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetricsHandler replaces the /metrics handler (default promhttp.Handler()).
func WithMetricsHandler(h http.Handler) Option {
	return func(c *config) { c.metrics = h }
}

// WithStopTimeout bounds POST /v1/workers/stop-all.
func WithStopTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithMiddlewares adds middleware in front of every route.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(c *config) { c.middlewares = append(c.middlewares, mw...) }
}

// NewRouter builds the operator API.
func NewRouter(bus Bus, workers Workers, opts ...Option) *chi.Mux {
	cfg := &config{
		logger:      xlog.Default(),
		stopTimeout: worker.DefaultStopTimeout,
	}
	for _, o := range opts {
		if o != nil {
			o(cfg)
		}
	}
	if cfg.metrics == nil {
		cfg.metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(cfg.logger))
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	routes := &routes{bus: bus, workers: workers, stopTimeout: cfg.stopTimeout}
	r.Get("/healthz", routes.health)
	r.Method(http.MethodGet, "/metrics", cfg.metrics)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", routes.stats)
		r.Post("/stats/reset", routes.resetStats)
		r.Get("/workers", routes.listWorkers)
		r.Get("/workers/count", routes.countWorkers)
		r.Post("/workers/stop-all", routes.stopAll)
		r.Post("/workers/{resource}/stop", routes.stopWorker)
	})
	return r
}

type routes struct {
	bus         Bus
	workers     Workers
	stopTimeout time.Duration
}

// CountResponse is returned by GET /v1/workers/count.
type CountResponse struct {
	Running int `json:"running_workers"`
	Total   int `json:"total_workers"`
}

// StopResponse is returned by the stop endpoints.
type StopResponse struct {
	Message string `json:"message"`
	Stopped int    `json:"stopped"`
}

func (rt *routes) health(w http.ResponseWriter, r *http.Request) {
	h := rt.bus.Health(r.Context())
	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, h, code)
}

func (rt *routes) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, rt.bus.Stats(), http.StatusOK)
}

func (rt *routes) resetStats(w http.ResponseWriter, _ *http.Request) {
	rt.bus.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

func (rt *routes) listWorkers(w http.ResponseWriter, r *http.Request) {
	var kinds []worker.Kind
	for _, raw := range r.URL.Query()["kind"] {
		for _, s := range strings.Split(raw, ",") {
			k, err := worker.ParseKind(strings.TrimSpace(s))
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			kinds = append(kinds, k)
		}
	}
	writeJSON(w, rt.workers.ListRunning(kinds...), http.StatusOK)
}

func (rt *routes) countWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, CountResponse{
		Running: len(rt.workers.ListRunning(worker.KindSync)),
		Total:   rt.workers.Count(),
	}, http.StatusOK)
}

func (rt *routes) stopWorker(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "resource"))
	if err != nil || strings.TrimSpace(key) == "" {
		writeError(w, "invalid resource key", http.StatusBadRequest)
		return
	}
	if !rt.workers.StopResourceWorker(key, worker.KindSync) {
		writeError(w, "no worker found for resource "+key, http.StatusNotFound)
		return
	}
	writeJSON(w, StopResponse{Message: "worker for resource " + key + " stopped", Stopped: 1}, http.StatusOK)
}

func (rt *routes) stopAll(w http.ResponseWriter, _ *http.Request) {
	n := rt.workers.StopResourceWorkers(rt.stopTimeout)
	writeJSON(w, StopResponse{Message: "all resource workers stopped", Stopped: n}, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, map[string]string{"error": msg}, code)
}

func loggingMiddleware(lg *xlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			lg.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Float64("status", float64(ww.Status())).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
