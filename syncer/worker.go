// Package syncer implements the per-resource incremental sync worker.
//
// A worker keeps a cursor, the last committed sequence number of its
// resource. The poll loop observes new records and queues them; only the
// process loop commits, after a record's side effects are applied. A crash
// between the two re-delivers records on restart (at-least-once).
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/worker"
)

// Publisher is the slice of the event bus the worker needs.
type Publisher interface {
	PublishThreadsafe(e xgate.Event)
}

// Deps are the collaborators of a sync worker. Gateway and Store are required.
type Deps struct {
	Gateway   xgate.Gateway
	Store     xgate.Store
	Blobs     xgate.BlobStore
	Publisher Publisher
	Logger    *xlog.Logger
	Clock     xclock.Clock
}

func (d Deps) validate() error {
	if d.Gateway == nil {
		return errors.New("syncer: gateway is required")
	}
	if d.Store == nil {
		return errors.New("syncer: store is required")
	}
	return nil
}

// Stats is a snapshot of one worker's progress.
type Stats struct {
	ResourceKey string    `json:"resource_key"`
	Cursor      int64     `json:"cursor"`
	Pending     int64     `json:"pending"`
	QueueDepth  int       `json:"queue_depth"`
	Polls       uint64    `json:"polls"`
	Enqueued    uint64    `json:"enqueued"`
	Processed   uint64    `json:"processed"`
	Duplicates  uint64    `json:"duplicates"`
	Failures    uint64    `json:"failures"`
	Rollbacks   uint64    `json:"rollbacks"`
	LastPollAt  time.Time `json:"last_poll_at"`
}

type item struct {
	rec xgate.SyncRecord
	gen uint64
}

// Worker runs the wakeup, poll and process loops for one resource.
type Worker struct {
	resourceKey string
	deps        Deps
	cfg         Config
	log         *xlog.Logger
	clock       xclock.Clock

	// ckpt serializes cursor moves that reach the store, so a commit racing a
	// reset cannot persist a stale cursor after the reset's.
	ckpt sync.Mutex

	// mu guards the watermarks. cursor is the committed watermark; pending is
	// the highest sequence queued and never below cursor. gen changes whenever
	// queued records are invalidated.
	mu      sync.Mutex
	cursor  int64
	pending int64
	gen     uint64

	queue chan item
	wake  chan struct{}

	polls      atomic.Uint64
	enqueued   atomic.Uint64
	processed  atomic.Uint64
	duplicates atomic.Uint64
	failures   atomic.Uint64
	rollbacks  atomic.Uint64
	lastPollNs atomic.Int64
}

var _ worker.Worker = (*Worker)(nil)

// New creates a worker starting at cursor; xgate.UninitializedCursor arms on
// the first poll without replaying history.
func New(resourceKey string, cursor int64, deps Deps, cfg Config) (*Worker, error) {
	if resourceKey == "" {
		return nil, worker.ErrEmptyResourceKey
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalize()
	if cursor < xgate.UninitializedCursor {
		cursor = xgate.UninitializedCursor
	}
	clk := deps.Clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := deps.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	return &Worker{
		resourceKey: resourceKey,
		deps:        deps,
		cfg:         cfg,
		log:         lg.With(xlog.Str("resource", resourceKey)),
		clock:       clk,
		cursor:      cursor,
		pending:     cursor,
		queue:       make(chan item, cfg.QueueSize),
		wake:        make(chan struct{}, 1),
	}, nil
}

func (w *Worker) Name() string { return "sync:" + w.resourceKey }

// ResourceKey returns the resource this worker syncs.
func (w *Worker) ResourceKey() string { return w.resourceKey }

// Cursor returns the committed watermark.
func (w *Worker) Cursor() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Stats returns a progress snapshot.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	cursor, pending := w.cursor, w.pending
	w.mu.Unlock()
	var lastPoll time.Time
	if ns := w.lastPollNs.Load(); ns > 0 {
		lastPoll = time.Unix(0, ns)
	}
	return Stats{
		ResourceKey: w.resourceKey,
		Cursor:      cursor,
		Pending:     pending,
		QueueDepth:  len(w.queue),
		Polls:       w.polls.Load(),
		Enqueued:    w.enqueued.Load(),
		Processed:   w.processed.Load(),
		Duplicates:  w.duplicates.Load(),
		Failures:    w.failures.Load(),
		Rollbacks:   w.rollbacks.Load(),
		LastPollAt:  lastPoll,
	}
}

// Process runs the three loops until ctx is cancelled.
func (w *Worker) Process(ctx context.Context) error {
	w.log.Info().Float64("cursor", float64(w.Cursor())).Dur("poll_interval", w.cfg.PollInterval).Msg("sync worker running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.wakeupLoop(gctx) })
	g.Go(func() error { return w.pollLoop(gctx) })
	g.Go(func() error { return w.processLoop(gctx) })
	return g.Wait()
}

// Cleanup drops queued records; they were never committed and will be
// fetched again by the next worker for this resource.
func (w *Worker) Cleanup(_ context.Context) error {
	w.mu.Lock()
	w.gen++
	dropped := w.flushLocked()
	w.pending = w.cursor
	cursor := w.cursor
	w.mu.Unlock()

	w.log.Info().Float64("cursor", float64(cursor)).Float64("discarded", float64(dropped)).Msg("sync worker cleaned up")
	return nil
}

// wakeupLoop signals the poll loop immediately and then every PollInterval.
func (w *Worker) wakeupLoop(ctx context.Context) error {
	w.signal()
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.signal()
		}
	}
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		}
		if err := w.pollCycle(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("poll cycle aborted")
		}
	}
}

func (w *Worker) processLoop(ctx context.Context) error {
	for {
		it, ok := w.next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !ok {
			continue
		}
		if !w.current(it.gen) {
			continue
		}
		if err := w.processRecord(ctx, it); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.failures.Add(1)
			w.log.Error().Err(err).Float64("sequence_no", float64(it.rec.SequenceNo)).Msg("record processing failed, rewinding to cursor")
			w.rewind()
		}
	}
}

// next waits up to QueueGetTimeout for a queued record.
func (w *Worker) next(ctx context.Context) (item, bool) {
	t := time.NewTimer(w.cfg.QueueGetTimeout)
	defer t.Stop()
	select {
	case it := <-w.queue:
		return it, true
	case <-t.C:
		return item{}, false
	case <-ctx.Done():
		return item{}, false
	}
}

// pollCycle observes the resource's latest sequence and queues what lies
// between the watermark and it, ascending.
func (w *Worker) pollCycle(ctx context.Context) error {
	w.polls.Add(1)
	w.lastPollNs.Store(w.clock.Now().UnixNano())

	latest, ok, err := w.latestSequence(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest sequence: %w", err)
	}
	if !ok {
		return nil
	}

	w.ckpt.Lock()
	w.mu.Lock()
	switch {
	case w.cursor == xgate.UninitializedCursor:
		w.cursor, w.pending = latest, latest
		w.mu.Unlock()
		w.checkpoint(ctx, latest)
		w.ckpt.Unlock()
		w.log.Info().Float64("cursor", float64(latest)).Msg("cursor armed")
		return nil
	case latest < w.cursor:
		prev := w.cursor
		w.cursor, w.pending = latest, latest
		w.gen++
		dropped := w.flushLocked()
		w.mu.Unlock()
		w.checkpoint(ctx, latest)
		w.ckpt.Unlock()
		w.rollbacks.Add(1)
		w.log.Warn().
			Float64("from", float64(prev)).
			Float64("to", float64(latest)).
			Float64("discarded", float64(dropped)).
			Msg("sequence rolled back, cursor reset")
		return nil
	}
	gen := w.gen
	floor := max(w.cursor, w.pending)
	w.mu.Unlock()
	w.ckpt.Unlock()

	for from := floor + 1; from <= latest; {
		page, err := w.fetchRange(ctx, from, latest)
		if err != nil {
			return fmt.Errorf("fetch range %d..%d: %w", from, latest, err)
		}
		if len(page) == 0 {
			return nil
		}
		sort.SliceStable(page, func(i, j int) bool { return page[i].SequenceNo < page[j].SequenceNo })

		advanced := false
		for _, rec := range page {
			if rec.SequenceNo <= floor {
				w.duplicates.Add(1)
				continue
			}
			if !w.enqueue(ctx, item{rec: rec, gen: gen}) {
				return nil
			}
			floor = rec.SequenceNo
			advanced = true
		}

		// A full page at or below the watermark would be requested again
		// forever; the next wakeup retries instead.
		if !advanced || len(page) < w.cfg.PageSize {
			return nil
		}
		from = floor + 1
	}
	return nil
}

// enqueue queues it and raises the pending watermark. It reports false when
// the cycle must stop: ctx ended or the queued records were invalidated.
func (w *Worker) enqueue(ctx context.Context, it item) bool {
	if !w.current(it.gen) {
		return false
	}
	select {
	case w.queue <- it:
	case <-ctx.Done():
		return false
	}
	w.mu.Lock()
	if it.gen == w.gen && it.rec.SequenceNo > w.pending {
		w.pending = it.rec.SequenceNo
	}
	w.mu.Unlock()
	w.enqueued.Add(1)
	return true
}

// processRecord applies a record's side effects and then commits it, unless
// a cursor reset invalidated the record meanwhile.
func (w *Worker) processRecord(ctx context.Context, it item) error {
	rec := it.rec
	if rec.SequenceNo <= w.Cursor() {
		w.duplicates.Add(1)
		w.log.Debug().Float64("sequence_no", float64(rec.SequenceNo)).Msg("record already committed, skipping")
		return nil
	}

	if rec.HasBlob() && w.deps.Blobs != nil {
		data, err := w.fetchBlob(ctx, rec.BlobRef)
		if err != nil {
			return fmt.Errorf("fetch blob %s: %w", rec.BlobRef, err)
		}
		if len(data) > 0 {
			url, err := w.upload(ctx, w.objectKey(rec), data)
			if err != nil {
				return fmt.Errorf("upload blob %s: %w", rec.BlobRef, err)
			}
			rec.BlobURL = url
		}
	}

	if !w.commit(ctx, it.gen, rec.SequenceNo) {
		w.log.Debug().Float64("sequence_no", float64(rec.SequenceNo)).Msg("record invalidated by a cursor reset, not committed")
		return nil
	}
	w.processed.Add(1)

	if w.deps.Publisher != nil {
		w.deps.Publisher.PublishThreadsafe(xgate.RecordSyncedEvent(w.resourceKey, rec).WithOrigin(w.Name()))
	}
	w.log.Debug().Float64("sequence_no", float64(rec.SequenceNo)).Str("blob_url", rec.BlobURL).Msg("record committed")
	return nil
}

// commit advances the cursor to seq and checkpoints it. It reports false,
// changing nothing, when gen is no longer current.
func (w *Worker) commit(ctx context.Context, gen uint64, seq int64) bool {
	w.ckpt.Lock()
	defer w.ckpt.Unlock()

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return false
	}
	if seq > w.cursor {
		w.cursor = seq
	}
	if w.pending < w.cursor {
		w.pending = w.cursor
	}
	w.mu.Unlock()

	w.checkpoint(ctx, seq)
	return true
}

// checkpoint mirrors cursor to the store. A failure is logged; the next
// commit writes a newer value anyway.
func (w *Worker) checkpoint(ctx context.Context, cursor int64) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	if _, err := w.deps.Store.UpdateResource(cctx, w.resourceKey, xgate.ResourceUpdate{Cursor: xgate.Ptr(cursor)}); err != nil {
		w.log.Warn().Err(err).Float64("cursor", float64(cursor)).Msg("cursor checkpoint failed")
	}
}

// rewind invalidates queued records so the next poll re-fetches from cursor+1.
func (w *Worker) rewind() {
	w.mu.Lock()
	w.gen++
	w.pending = w.cursor
	w.flushLocked()
	w.mu.Unlock()
}

func (w *Worker) current(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return gen == w.gen
}

func (w *Worker) flushLocked() int {
	n := 0
	for {
		select {
		case <-w.queue:
			n++
		default:
			return n
		}
	}
}

func (w *Worker) latestSequence(ctx context.Context) (int64, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	return w.deps.Gateway.LatestSequence(cctx, w.resourceKey)
}

func (w *Worker) fetchRange(ctx context.Context, from, to int64) ([]xgate.SyncRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	return w.deps.Gateway.FetchRange(cctx, w.resourceKey, from, to, xgate.Ascending, w.cfg.PageSize)
}

func (w *Worker) fetchBlob(ctx context.Context, ref string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	return w.deps.Gateway.FetchBlob(cctx, w.resourceKey, ref)
}

func (w *Worker) objectKey(rec xgate.SyncRecord) string {
	return fmt.Sprintf("%s/%s/%d", w.cfg.ObjectPrefix, w.resourceKey, rec.SequenceNo)
}

// upload retries with exponential backoff, UploadAttempts attempts in total.
func (w *Worker) upload(ctx context.Context, key string, data []byte) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.UploadBackoff
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.cfg.UploadAttempts-1)), ctx)

	contentType := http.DetectContentType(data)
	var url string
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		defer cancel()
		u, err := w.deps.Blobs.Upload(cctx, key, data, contentType)
		if err != nil {
			return err
		}
		url = u
		return nil
	}
	notify := func(err error, d time.Duration) {
		w.log.Warn().Err(err).Str("object", key).Dur("retry_in", d).Msg("blob upload failed, retrying")
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return "", err
	}
	return url, nil
}
