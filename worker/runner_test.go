package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingWorker runs until cancelled, or forever when stubborn.
type blockingWorker struct {
	name       string
	stubborn   bool
	release    chan struct{}
	prepareErr error
	processErr error
	panicMsg   string

	prepared  atomic.Int32
	processed atomic.Int32
	cleanups  atomic.Int32
}

func newBlockingWorker(name string) *blockingWorker {
	return &blockingWorker{name: name, release: make(chan struct{})}
}

func (w *blockingWorker) Name() string { return w.name }

func (w *blockingWorker) Prepare(context.Context) error {
	w.prepared.Add(1)
	return w.prepareErr
}

func (w *blockingWorker) Process(ctx context.Context) error {
	w.processed.Add(1)
	if w.panicMsg != "" {
		panic(w.panicMsg)
	}
	if w.processErr != nil {
		return w.processErr
	}
	if w.stubborn {
		<-w.release
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (w *blockingWorker) Cleanup(context.Context) error {
	w.cleanups.Add(1)
	return nil
}

func TestRunner_StartStop(t *testing.T) {
	w := newBlockingWorker("w")
	r := NewRunner(w)

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, int32(1), w.prepared.Load())
	require.Eventually(t, r.Running, time.Second, time.Millisecond)

	assert.True(t, r.Stop(time.Second))
	assert.False(t, r.Running())
	assert.Equal(t, int32(1), w.cleanups.Load())
	assert.NoError(t, r.Err())

	require.ErrorIs(t, r.Start(context.Background()), ErrRunnerStopped)
}

func TestRunner_DoubleStart(t *testing.T) {
	r := NewRunner(newBlockingWorker("w"))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	require.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestRunner_OutlivesStartContext(t *testing.T) {
	w := newBlockingWorker("w")
	r := NewRunner(w)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.Running())
	assert.True(t, r.Stop(time.Second))
}

func TestRunner_PrepareFailure(t *testing.T) {
	w := newBlockingWorker("w")
	w.prepareErr = errors.New("bind failed")
	r := NewRunner(w)

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, w.prepareErr)
	assert.Equal(t, int32(0), w.processed.Load())
	assert.True(t, r.Stop(time.Millisecond))
}

func TestRunner_StopTimeout(t *testing.T) {
	w := newBlockingWorker("w")
	w.stubborn = true
	r := NewRunner(w)
	require.NoError(t, r.Start(context.Background()))

	assert.False(t, r.Stop(20*time.Millisecond))
	assert.True(t, r.Running())

	close(w.release)
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("worker never exited")
	}
	assert.Equal(t, int32(1), w.cleanups.Load())
}

func TestRunner_ProcessErrorAndPanic(t *testing.T) {
	failing := newBlockingWorker("failing")
	failing.processErr = errors.New("sdk crashed")
	r := NewRunner(failing)
	require.NoError(t, r.Start(context.Background()))
	<-r.Done()
	assert.ErrorIs(t, r.Err(), failing.processErr)
	assert.Equal(t, int32(1), failing.cleanups.Load())

	panicking := newBlockingWorker("panicking")
	panicking.panicMsg = "boom"
	r = NewRunner(panicking, WithLockOSThread())
	require.NoError(t, r.Start(context.Background()))
	<-r.Done()
	require.Error(t, r.Err())
	assert.Contains(t, r.Err().Error(), "boom")
	assert.Equal(t, int32(1), panicking.cleanups.Load())
}

func TestRunner_StopBeforeStart(t *testing.T) {
	r := NewRunner(newBlockingWorker("w"))
	assert.True(t, r.Stop(time.Second))
	select {
	case <-r.Done():
	default:
		t.Fatal("Done must be closed")
	}
}
