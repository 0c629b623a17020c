package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/mocks"
	"github.com/trickstertwo/xgate/syncer"
	"github.com/trickstertwo/xgate/worker"
)

type runCall struct {
	key  string
	kind worker.Kind
	meta worker.Metadata
}

type fakeWorkers struct {
	mu    sync.Mutex
	runs  []runCall
	stops []string
	err   error
	// stuck makes RunResourceWorker wait for ctx, like a registry waiting
	// on a previous worker that never exits.
	stuck bool
}

func (f *fakeWorkers) RunResourceWorker(ctx context.Context, key string, kind worker.Kind, meta worker.Metadata) error {
	f.mu.Lock()
	f.runs = append(f.runs, runCall{key: key, kind: kind, meta: meta})
	stuck, err := f.stuck, f.err
	f.mu.Unlock()
	if stuck {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeWorkers) StopResourceWorker(key string, kind worker.Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, key+"/"+kind.String())
	return true
}

func connectEvent(key string) xgate.Event {
	return xgate.ConnectivityEvent(xgate.ConnectivityNotice{
		ResourceKey: key, Address: "10.0.0.7", Port: 37777, Command: xgate.CommandConnect,
	})
}

func disconnectEvent(key string) xgate.Event {
	return xgate.ConnectivityEvent(xgate.ConnectivityNotice{ResourceKey: key, Command: xgate.CommandDisconnect})
}

func newTestHandler(t *testing.T) (*Handler, *mocks.MockStore, *mocks.MockGateway, *fakeWorkers) {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	gw := mocks.NewMockGateway(ctrl)
	wk := &fakeWorkers{}
	h, err := NewHandler(store, gw, wk)
	require.NoError(t, err)
	return h, store, gw, wk
}

func TestNewHandler_RequiresCollaborators(t *testing.T) {
	_, err := NewHandler(nil, nil, nil)
	require.Error(t, err)
}

func TestHandle_ConnectStartsSync(t *testing.T) {
	h, store, gw, wk := newTestHandler(t)
	res := &xgate.Resource{Key: "dev-1", Active: true, SyncEnabled: true, Username: "admin", Password: "pw", Cursor: 41}

	store.EXPECT().GetResource(gomock.Any(), "dev-1").Return(res, nil)
	gw.EXPECT().Authenticate(gomock.Any(), "dev-1", "10.0.0.7", 37777, xgate.Credentials{Username: "admin", Password: "pw"}).
		Return("session-1", nil)
	store.EXPECT().UpdateResource(gomock.Any(), "dev-1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, u xgate.ResourceUpdate) (*xgate.Resource, error) {
			assert.True(t, *u.Online)
			assert.Equal(t, "10.0.0.7", *u.Address)
			assert.Equal(t, 37777, *u.Port)
			assert.Equal(t, "session-1", *u.Session)
			assert.NotNil(t, u.LastOnlineAt)
			assert.Nil(t, u.LastOfflineAt)
			return res, nil
		})

	require.NoError(t, h.Handle(context.Background(), connectEvent("dev-1")))

	require.Len(t, wk.runs, 1)
	assert.Equal(t, "dev-1", wk.runs[0].key)
	assert.Equal(t, worker.KindSync, wk.runs[0].kind)
	assert.Equal(t, int64(41), wk.runs[0].meta[syncer.MetaStartingCursor])
}

func TestHandle_ConnectBoundsWorkerStart(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	gw := mocks.NewMockGateway(ctrl)
	wk := &fakeWorkers{stuck: true}
	h, err := NewHandler(store, gw, wk, WithCallTimeout(50*time.Millisecond))
	require.NoError(t, err)

	res := &xgate.Resource{Key: "dev-1", Active: true, SyncEnabled: true, Username: "admin", Password: "pw"}
	store.EXPECT().GetResource(gomock.Any(), "dev-1").Return(res, nil)
	gw.EXPECT().Authenticate(gomock.Any(), "dev-1", gomock.Any(), gomock.Any(), gomock.Any()).Return("s", nil)
	store.EXPECT().UpdateResource(gomock.Any(), "dev-1", gomock.Any()).Return(res, nil)

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), connectEvent("dev-1")) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on a worker that never exits")
	}
	wk.mu.Lock()
	assert.Len(t, wk.runs, 1)
	wk.mu.Unlock()

	// The resource lock was released: the next transition proceeds.
	store.EXPECT().GetResource(gomock.Any(), "dev-1").Return(&xgate.Resource{Key: "dev-1"}, nil)
	require.NoError(t, h.Handle(context.Background(), disconnectEvent("dev-1")))
}

func TestHandle_ConnectWithoutSync(t *testing.T) {
	h, store, gw, wk := newTestHandler(t)
	res := &xgate.Resource{Key: "dev-1", Active: true, Username: "admin", Password: "pw"}

	store.EXPECT().GetResource(gomock.Any(), "dev-1").Return(res, nil)
	gw.EXPECT().Authenticate(gomock.Any(), "dev-1", gomock.Any(), gomock.Any(), gomock.Any()).Return("s", nil)
	store.EXPECT().UpdateResource(gomock.Any(), "dev-1", gomock.Any()).Return(res, nil)

	require.NoError(t, h.Handle(context.Background(), connectEvent("dev-1")))
	assert.Empty(t, wk.runs)
}

func TestHandle_ConnectMissingCredentials(t *testing.T) {
	h, store, _, wk := newTestHandler(t)
	store.EXPECT().GetResource(gomock.Any(), "dev-1").
		Return(&xgate.Resource{Key: "dev-1", Active: true, SyncEnabled: true, Username: "admin"}, nil)

	require.NoError(t, h.Handle(context.Background(), connectEvent("dev-1")))
	assert.Empty(t, wk.runs)
}

func TestHandle_ConnectAuthFailureKeepsState(t *testing.T) {
	h, store, gw, wk := newTestHandler(t)
	store.EXPECT().GetResource(gomock.Any(), "dev-1").
		Return(&xgate.Resource{Key: "dev-1", Active: true, SyncEnabled: true, Username: "a", Password: "b"}, nil)
	gw.EXPECT().Authenticate(gomock.Any(), "dev-1", gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", errors.New("login rejected"))

	require.NoError(t, h.Handle(context.Background(), connectEvent("dev-1")))
	assert.Empty(t, wk.runs)
}

func TestHandle_IgnoresUnknownAndInactive(t *testing.T) {
	h, store, _, wk := newTestHandler(t)
	store.EXPECT().GetResource(gomock.Any(), "ghost").Return(nil, xgate.ErrResourceNotFound).Times(2)
	store.EXPECT().GetResource(gomock.Any(), "off").Return(&xgate.Resource{Key: "off"}, nil).Times(2)

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, connectEvent("ghost")))
	require.NoError(t, h.Handle(ctx, disconnectEvent("ghost")))
	require.NoError(t, h.Handle(ctx, connectEvent("off")))
	require.NoError(t, h.Handle(ctx, disconnectEvent("off")))

	assert.Empty(t, wk.runs)
	assert.Empty(t, wk.stops)
}

func TestHandle_StoreErrorIsSwallowed(t *testing.T) {
	h, store, _, _ := newTestHandler(t)
	store.EXPECT().GetResource(gomock.Any(), "dev-1").Return(nil, errors.New("db down"))

	require.NoError(t, h.Handle(context.Background(), disconnectEvent("dev-1")))
}

func TestHandle_Disconnect(t *testing.T) {
	h, store, gw, wk := newTestHandler(t)
	res := &xgate.Resource{Key: "dev-1", Active: true, Online: true}

	store.EXPECT().GetResource(gomock.Any(), "dev-1").Return(res, nil)
	store.EXPECT().UpdateResource(gomock.Any(), "dev-1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, u xgate.ResourceUpdate) (*xgate.Resource, error) {
			assert.False(t, *u.Online)
			assert.NotNil(t, u.LastOfflineAt)
			assert.Nil(t, u.LastOnlineAt)
			return res, nil
		})
	gw.EXPECT().Logout(gomock.Any(), "dev-1").Return(xgate.ErrNoSession)

	require.NoError(t, h.Handle(context.Background(), disconnectEvent("dev-1")))
	assert.Equal(t, []string{"dev-1/sync"}, wk.stops)
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	require.NoError(t, h.Handle(context.Background(), xgate.NewEvent("something.else")))
	require.NoError(t, h.Handle(context.Background(), xgate.ConnectivityEvent(xgate.ConnectivityNotice{})))
	assert.Equal(t, "connectivity", xgate.HandlerName(h))
}

func TestHandle_SerializesPerResource(t *testing.T) {
	h, store, gw, _ := newTestHandler(t)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	res := &xgate.Resource{Key: "dev-1", Active: true, Username: "a", Password: "b"}
	store.EXPECT().GetResource(gomock.Any(), "dev-1").Return(res, nil).Times(5)
	gw.EXPECT().Authenticate(gomock.Any(), "dev-1", gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, int, xgate.Credentials) (string, error) {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return "s", nil
		}).Times(5)
	store.EXPECT().UpdateResource(gomock.Any(), "dev-1", gomock.Any()).Return(res, nil).Times(5)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Handle(context.Background(), connectEvent("dev-1"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
