package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"
)

// DefaultStopTimeout bounds stopping one resource worker.
const DefaultStopTimeout = 10 * time.Second

// State is the registry lifecycle.
type State int32

const (
	NotRunning State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Metadata is handed to a Constructor, e.g. the cursor a sync worker starts from.
type Metadata map[string]any

// Constructor builds the worker of one kind for one resource.
type Constructor func(resourceKey string, meta Metadata) (Worker, error)

// Record describes one registered worker.
type Record struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	ResourceKey string    `json:"resource_key,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Running     bool      `json:"running"`
}

type entry struct {
	rec    Record
	runner *Runner
}

func (e *entry) snapshot() Record {
	r := e.rec
	r.Running = e.runner.Running()
	return r
}

// exited reports whether the worker goroutine already returned on its own.
func (e *entry) exited() bool {
	select {
	case <-e.runner.Done():
		return true
	default:
		return false
	}
}

type slot struct {
	key  string
	kind Kind
}

// Registry is the single source of truth for which workers are alive. At
// most one worker exists per (resource key, kind). The record list is
// guarded by one mutex; workers are started and stopped outside it.
type Registry struct {
	mu       sync.Mutex
	state    State
	entries  []*entry
	stopping map[slot]*Runner
	ctors    map[Kind]Constructor
	baseCtx  context.Context

	logger      *xlog.Logger
	clock       xclock.Clock
	stopTimeout time.Duration
	runnerOpts  []RunnerOption
}

// Option configures a Registry.
type Option func(*Registry)

// WithRegistryLogger sets the registry logger; runners inherit it.
func WithRegistryLogger(l *xlog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the clock used for StartedAt.
func WithClock(c xclock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithStopTimeout bounds StopResourceWorker.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.stopTimeout = d
		}
	}
}

// WithRunnerOptions applies opts to every runner the registry creates.
func WithRunnerOptions(opts ...RunnerOption) Option {
	return func(r *Registry) { r.runnerOpts = append(r.runnerOpts, opts...) }
}

// NewRegistry returns a registry in state NotRunning.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		stopping:    make(map[slot]*Runner),
		ctors:       make(map[Kind]Constructor),
		baseCtx:     context.Background(),
		logger:      xlog.Default(),
		clock:       xclock.Default(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Register maps a resource worker kind to its constructor.
func (r *Registry) Register(kind Kind, ctor Constructor) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	if kind == KindMain {
		return ErrMainKind
	}
	if ctor == nil {
		return errors.New("worker: constructor must not be nil")
	}
	r.mu.Lock()
	r.ctors[kind] = ctor
	r.mu.Unlock()
	return nil
}

// Init registers the fixed set of main workers that run for the service
// lifetime. It is only valid before StartAll.
func (r *Registry) Init(mains ...Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != NotRunning {
		return ErrRegistryStarted
	}
	for _, w := range mains {
		if w == nil {
			continue
		}
		r.entries = append(r.entries, &entry{
			rec:    Record{ID: uuid.New(), Name: w.Name(), Kind: KindMain},
			runner: r.newRunner(w, ""),
		})
	}
	return nil
}

func (r *Registry) newRunner(w Worker, resourceKey string) *Runner {
	lg := r.logger
	if resourceKey != "" {
		lg = lg.With(xlog.Str("resource", resourceKey))
	}
	opts := append([]RunnerOption{WithLogger(lg)}, r.runnerOpts...)
	return NewRunner(w, opts...)
}

// StartAll starts every registered main worker and moves the registry to
// Running. A worker that fails to start aborts the launch: the workers
// already started are stopped and the error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	if r.state != NotRunning {
		r.mu.Unlock()
		return ErrRegistryStarted
	}
	r.baseCtx = context.WithoutCancel(ctx)
	pending := make([]*entry, len(r.entries))
	copy(pending, r.entries)
	r.mu.Unlock()

	var started []*entry
	for _, e := range pending {
		if err := e.runner.Start(ctx); err != nil {
			r.logger.Error().Err(err).Str("worker", e.rec.Name).Msg("main worker failed to start")
			for _, s := range started {
				s.runner.Stop(r.stopTimeout)
			}
			r.mu.Lock()
			r.state = Stopped
			r.entries = nil
			r.mu.Unlock()
			return err
		}
		r.mu.Lock()
		e.rec.StartedAt = r.clock.Now()
		r.mu.Unlock()
		started = append(started, e)
	}

	r.mu.Lock()
	r.state = Running
	r.mu.Unlock()
	r.logger.Info().Float64("workers", float64(len(started))).Msg("worker registry started")
	return nil
}

// RunResourceWorker starts the worker of kind for resourceKey. It is a no-op
// when one is already running. If the previous worker for the same slot is
// still shutting down, it waits for it, bounded by ctx.
func (r *Registry) RunResourceWorker(ctx context.Context, resourceKey string, kind Kind, meta Metadata) error {
	if resourceKey == "" {
		return ErrEmptyResourceKey
	}
	if kind == KindMain {
		return ErrMainKind
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}

	s := slot{key: resourceKey, kind: kind}
	log := r.logger.With(xlog.Str("resource", resourceKey), xlog.Str("kind", kind.String()))

	r.mu.Lock()
	if r.state != Running {
		r.mu.Unlock()
		return ErrRegistryNotRunning
	}
	if e := r.findLocked(s); e != nil {
		if !e.exited() {
			r.mu.Unlock()
			log.Info().Msg("resource worker already running")
			return nil
		}
		r.removeLocked(e)
		log.Warn().Err(e.runner.Err()).Msg("replacing exited resource worker")
	}
	ctor, ok := r.ctors[kind]
	prev := r.stopping[s]
	r.mu.Unlock()

	if !ok {
		return &UnknownKindError{Kind: string(kind)}
	}

	if prev != nil {
		log.Debug().Msg("waiting for previous resource worker to exit")
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	w, err := ctor(resourceKey, meta)
	if err != nil {
		return err
	}
	e := &entry{
		rec:    Record{ID: uuid.New(), Name: w.Name(), Kind: kind, ResourceKey: resourceKey},
		runner: r.newRunner(w, resourceKey),
	}

	r.mu.Lock()
	if r.state != Running {
		r.mu.Unlock()
		return ErrRegistryNotRunning
	}
	if existing := r.findLocked(s); existing != nil && !existing.exited() {
		r.mu.Unlock()
		log.Info().Msg("resource worker already running")
		return nil
	} else if existing != nil {
		r.removeLocked(existing)
	}
	e.rec.StartedAt = r.clock.Now()
	r.entries = append(r.entries, e)
	base := r.baseCtx
	r.mu.Unlock()

	if err := e.runner.Start(base); err != nil {
		r.mu.Lock()
		r.removeLocked(e)
		r.mu.Unlock()
		if errors.Is(err, ErrRunnerStopped) {
			// Stopped by StopResourceWorker before it ever ran.
			return nil
		}
		return err
	}
	log.Info().Str("id", e.rec.ID.String()).Msg("resource worker started")
	return nil
}

// StopResourceWorker stops the worker of kind for resourceKey and removes its
// record. Stopping a worker that does not exist is a logged no-op; the return
// value reports whether one was found.
func (r *Registry) StopResourceWorker(resourceKey string, kind Kind) bool {
	s := slot{key: resourceKey, kind: kind}
	log := r.logger.With(xlog.Str("resource", resourceKey), xlog.Str("kind", kind.String()))

	r.mu.Lock()
	e := r.findLocked(s)
	if e == nil {
		r.mu.Unlock()
		log.Debug().Msg("no resource worker to stop")
		return false
	}
	r.removeLocked(e)
	r.stopping[s] = e.runner
	r.mu.Unlock()

	if !e.runner.Stop(r.stopTimeout) {
		// Keep the slot reserved until the late worker really exits.
		go func() {
			<-e.runner.Done()
			r.releaseStopping(s, e.runner)
		}()
		return true
	}
	r.releaseStopping(s, e.runner)
	return true
}

func (r *Registry) releaseStopping(s slot, runner *Runner) {
	r.mu.Lock()
	if r.stopping[s] == runner {
		delete(r.stopping, s)
	}
	r.mu.Unlock()
}

// StopResourceWorkers stops every resource worker, leaving main workers
// running. It returns the number of workers stopped.
func (r *Registry) StopResourceWorkers(timeout time.Duration) int {
	r.mu.Lock()
	var victims []*entry
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.rec.Kind == KindMain {
			kept = append(kept, e)
			continue
		}
		victims = append(victims, e)
		r.stopping[slot{key: e.rec.ResourceKey, kind: e.rec.Kind}] = e.runner
	}
	r.entries = kept
	r.mu.Unlock()

	r.stopEntries(victims, timeout)
	for _, e := range victims {
		e := e
		go func() {
			<-e.runner.Done()
			r.releaseStopping(slot{key: e.rec.ResourceKey, kind: e.rec.Kind}, e.runner)
		}()
	}
	return len(victims)
}

// StopAll stops every worker concurrently, each bounded by timeout, and moves
// the registry to Stopped. Late workers are logged and abandoned.
func (r *Registry) StopAll(timeout time.Duration) {
	r.mu.Lock()
	if r.state == Stopped {
		r.mu.Unlock()
		return
	}
	r.state = Stopped
	all := r.entries
	r.entries = nil
	r.mu.Unlock()

	r.stopEntries(all, timeout)
	r.logger.Info().Float64("workers", float64(len(all))).Msg("worker registry stopped")
}

func (r *Registry) stopEntries(entries []*entry, timeout time.Duration) {
	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if !e.runner.Stop(timeout) {
				r.logger.Warn().
					Str("worker", e.rec.Name).
					Str("resource", e.rec.ResourceKey).
					Msg("worker abandoned after stop timeout")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ListRunning returns the live workers, optionally filtered by kind, ordered
// by kind then resource key.
func (r *Registry) ListRunning(kinds ...Kind) []Record {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	r.mu.Lock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		if len(want) > 0 && !want[e.rec.Kind] {
			continue
		}
		if e.exited() {
			continue
		}
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].ResourceKey != out[j].ResourceKey {
			return out[i].ResourceKey < out[j].ResourceKey
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the record for a resource worker.
func (r *Registry) Get(resourceKey string, kind Kind) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.findLocked(slot{key: resourceKey, kind: kind})
	if e == nil {
		return Record{}, false
	}
	return e.snapshot(), true
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// State returns the registry lifecycle state.
func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Registry) findLocked(s slot) *entry {
	if s.kind == KindMain {
		return nil
	}
	for _, e := range r.entries {
		if e.rec.Kind == s.kind && e.rec.ResourceKey == s.key {
			return e
		}
	}
	return nil
}

func (r *Registry) removeLocked(target *entry) {
	for i, e := range r.entries {
		if e == target {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}
