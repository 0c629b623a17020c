package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctorRecorder struct {
	mu      sync.Mutex
	built   []*blockingWorker
	metas   []Metadata
	calls   atomic.Int32
	failErr error
}

func (c *ctorRecorder) ctor(stubborn bool) Constructor {
	return func(resourceKey string, meta Metadata) (Worker, error) {
		c.calls.Add(1)
		if c.failErr != nil {
			return nil, c.failErr
		}
		w := newBlockingWorker("sync:" + resourceKey)
		w.stubborn = stubborn
		c.mu.Lock()
		c.built = append(c.built, w)
		c.metas = append(c.metas, meta)
		c.mu.Unlock()
		return w, nil
	}
}

func startedRegistry(t *testing.T, ctor Constructor, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	require.NoError(t, r.Register(KindSync, ctor))
	require.NoError(t, r.Init(newBlockingWorker("listener")))
	require.NoError(t, r.StartAll(context.Background()))
	t.Cleanup(func() { r.StopAll(time.Second) })
	return r
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, NotRunning, r.State())

	main := newBlockingWorker("listener")
	require.NoError(t, r.Init(main))
	require.NoError(t, r.StartAll(context.Background()))
	assert.Equal(t, Running, r.State())
	assert.ErrorIs(t, r.Init(newBlockingWorker("late")), ErrRegistryStarted)
	assert.ErrorIs(t, r.StartAll(context.Background()), ErrRegistryStarted)

	recs := r.ListRunning(KindMain)
	require.Len(t, recs, 1)
	assert.Equal(t, "listener", recs[0].Name)
	assert.False(t, recs[0].StartedAt.IsZero())

	r.StopAll(time.Second)
	assert.Equal(t, Stopped, r.State())
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, int32(1), main.cleanups.Load())

	r.StopAll(time.Second)
}

func TestRegistry_StartAllRollsBack(t *testing.T) {
	r := NewRegistry()
	ok := newBlockingWorker("ok")
	bad := newBlockingWorker("bad")
	bad.prepareErr = errors.New("port in use")

	require.NoError(t, r.Init(ok, bad))
	require.Error(t, r.StartAll(context.Background()))
	assert.Equal(t, Stopped, r.State())
	assert.Equal(t, int32(1), ok.cleanups.Load())
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_RunResourceWorkerRequiresRunning(t *testing.T) {
	var rec ctorRecorder
	r := NewRegistry()
	require.NoError(t, r.Register(KindSync, rec.ctor(false)))

	err := r.RunResourceWorker(context.Background(), "dev-1", KindSync, nil)
	assert.ErrorIs(t, err, ErrRegistryNotRunning)
	assert.Equal(t, int32(0), rec.calls.Load())
}

func TestRegistry_UniquePerResourceAndKind(t *testing.T) {
	var rec ctorRecorder
	r := startedRegistry(t, rec.ctor(false))
	ctx := context.Background()

	require.NoError(t, r.RunResourceWorker(ctx, "dev-1", KindSync, Metadata{"starting_cursor": int64(7)}))
	require.NoError(t, r.RunResourceWorker(ctx, "dev-1", KindSync, nil))
	require.NoError(t, r.RunResourceWorker(ctx, "dev-2", KindSync, nil))

	assert.Equal(t, int32(2), rec.calls.Load())
	assert.Len(t, r.ListRunning(KindSync), 2)
	assert.Len(t, r.ListRunning(), 3)
	assert.Equal(t, int64(7), rec.metas[0]["starting_cursor"])

	got, ok := r.Get("dev-1", KindSync)
	require.True(t, ok)
	assert.Equal(t, "sync:dev-1", got.Name)
	assert.True(t, got.Running)
}

func TestRegistry_RejectsInvalidRequests(t *testing.T) {
	var rec ctorRecorder
	r := startedRegistry(t, rec.ctor(false))
	ctx := context.Background()

	assert.ErrorIs(t, r.RunResourceWorker(ctx, "", KindSync, nil), ErrEmptyResourceKey)
	assert.ErrorIs(t, r.RunResourceWorker(ctx, "dev-1", KindMain, nil), ErrMainKind)

	var uk *UnknownKindError
	require.ErrorAs(t, r.RunResourceWorker(ctx, "dev-1", Kind("export"), nil), &uk)
	assert.Equal(t, "export", uk.Kind)

	assert.ErrorIs(t, r.Register(KindMain, rec.ctor(false)), ErrMainKind)
	require.ErrorAs(t, r.Register(Kind("bogus"), rec.ctor(false)), &uk)
}

func TestRegistry_ConstructorError(t *testing.T) {
	rec := ctorRecorder{failErr: errors.New("bad cursor")}
	r := startedRegistry(t, rec.ctor(false))

	require.ErrorIs(t, r.RunResourceWorker(context.Background(), "dev-1", KindSync, nil), rec.failErr)
	_, ok := r.Get("dev-1", KindSync)
	assert.False(t, ok)
}

func TestRegistry_StopResourceWorker(t *testing.T) {
	var rec ctorRecorder
	r := startedRegistry(t, rec.ctor(false))
	ctx := context.Background()

	assert.False(t, r.StopResourceWorker("ghost", KindSync))

	require.NoError(t, r.RunResourceWorker(ctx, "dev-1", KindSync, nil))
	assert.True(t, r.StopResourceWorker("dev-1", KindSync))
	assert.Equal(t, int32(1), rec.built[0].cleanups.Load())
	_, ok := r.Get("dev-1", KindSync)
	assert.False(t, ok)

	require.NoError(t, r.RunResourceWorker(ctx, "dev-1", KindSync, nil))
	assert.Equal(t, int32(2), rec.calls.Load())
}

func TestRegistry_WaitsForLateWorkerBeforeRestart(t *testing.T) {
	var rec ctorRecorder
	r := startedRegistry(t, rec.ctor(true), WithStopTimeout(20*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, r.RunResourceWorker(ctx, "dev-1", KindSync, nil))
	assert.True(t, r.StopResourceWorker("dev-1", KindSync))
	first := rec.built[0]
	require.Eventually(t, func() bool { return first.processed.Load() == 1 }, time.Second, time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.RunResourceWorker(short, "dev-1", KindSync, nil), context.DeadlineExceeded)
	assert.Equal(t, int32(1), rec.calls.Load())

	close(first.release)
	require.NoError(t, r.RunResourceWorker(ctx, "dev-1", KindSync, nil))
	assert.Equal(t, int32(2), rec.calls.Load())

	rec.mu.Lock()
	second := rec.built[1]
	rec.mu.Unlock()
	close(second.release)
}

func TestRegistry_ReplacesExitedWorker(t *testing.T) {
	var rec ctorRecorder
	r := startedRegistry(t, rec.ctor(true))
	ctx := context.Background()

	require.NoError(t, r.RunResourceWorker(ctx, "dev-1", KindSync, nil))
	close(rec.built[0].release)
	require.Eventually(t, func() bool { return len(r.ListRunning(KindSync)) == 0 }, time.Second, time.Millisecond)

	require.NoError(t, r.RunResourceWorker(ctx, "dev-1", KindSync, nil))
	assert.Equal(t, int32(2), rec.calls.Load())
	close(rec.built[1].release)
}

func TestRegistry_StopResourceWorkersKeepsMains(t *testing.T) {
	var rec ctorRecorder
	r := startedRegistry(t, rec.ctor(false))
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, r.RunResourceWorker(ctx, k, KindSync, nil))
	}
	assert.Equal(t, 3, r.StopResourceWorkers(time.Second))
	assert.Empty(t, r.ListRunning(KindSync))
	assert.Len(t, r.ListRunning(KindMain), 1)
	assert.Equal(t, Running, r.State())
}

func TestRegistry_ListRunningOrdered(t *testing.T) {
	var rec ctorRecorder
	r := startedRegistry(t, rec.ctor(false))
	ctx := context.Background()

	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, r.RunResourceWorker(ctx, k, KindSync, nil))
	}
	recs := r.ListRunning(KindSync)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].ResourceKey)
	assert.Equal(t, "b", recs[1].ResourceKey)
	assert.Equal(t, "c", recs[2].ResourceKey)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("sync")
	require.NoError(t, err)
	assert.Equal(t, KindSync, k)

	_, err = ParseKind("nope")
	var uk *UnknownKindError
	require.ErrorAs(t, err, &uk)
	assert.Contains(t, uk.Error(), "nope")
	assert.Len(t, Kinds(), 2)
}
