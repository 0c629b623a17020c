package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/trickstertwo/xgate"
)

var (
	ErrUnknownDevice      = errors.New("memory: unknown device")
	ErrInvalidCredentials = errors.New("memory: invalid credentials")
	ErrAddressInUse       = errors.New("memory: listen address already in use")
)

// Gateway methods that accept injected failures.
const (
	OpAuthenticate   = "authenticate"
	OpLatestSequence = "latest_sequence"
	OpFetchRange     = "fetch_range"
	OpFetchBlob      = "fetch_blob"
)

type device struct {
	creds     xgate.Credentials
	records   []xgate.SyncRecord
	latest    int64
	hasLatest bool
	blobs     map[string][]byte
}

// Gateway simulates the device SDK. Devices are added with AddDevice and
// dial in with Connect; the registered listener callbacks fire on fresh
// goroutines, like SDK callback threads.
type Gateway struct {
	cfg      Config
	sessions *xgate.SessionTable

	mu        sync.Mutex
	devices   map[string]*device
	listeners map[string]xgate.ConnectivityFunc
	failures  map[string][]error
	calls     map[string]int
	wg        sync.WaitGroup
}

var _ xgate.Gateway = (*Gateway)(nil)

// NewGateway creates a gateway without devices.
func NewGateway(cfg Config) *Gateway {
	return &Gateway{
		cfg:       cfg,
		sessions:  xgate.NewSessionTable(),
		devices:   make(map[string]*device),
		listeners: make(map[string]xgate.ConnectivityFunc),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// AddDevice registers a device that accepts creds.
func (g *Gateway) AddDevice(key string, creds xgate.Credentials) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.devices[key]; ok {
		g.devices[key].creds = creds
		return
	}
	g.devices[key] = &device{creds: creds, blobs: make(map[string][]byte)}
}

// AppendRecord stores rec and raises the device's latest sequence.
func (g *Gateway) AppendRecord(key string, rec xgate.SyncRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}
	d.records = append(d.records, rec)
	sort.SliceStable(d.records, func(i, j int) bool { return d.records[i].SequenceNo < d.records[j].SequenceNo })
	if !d.hasLatest || rec.SequenceNo > d.latest {
		d.latest, d.hasLatest = rec.SequenceNo, true
	}
	return nil
}

// SetLatest forces the reported latest sequence, e.g. to simulate a device
// reset. Records above seq are discarded.
func (g *Gateway) SetLatest(key string, seq int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}
	kept := d.records[:0]
	for _, r := range d.records {
		if r.SequenceNo <= seq {
			kept = append(kept, r)
		}
	}
	d.records = kept
	d.latest, d.hasLatest = seq, true
	return nil
}

// SetBlob stores the bytes a record's BlobRef points at.
func (g *Gateway) SetBlob(key, ref string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}
	d.blobs[ref] = append([]byte(nil), data...)
	return nil
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (g *Gateway) FailNext(op string, errs ...error) {
	g.mu.Lock()
	g.failures[op] = append(g.failures[op], errs...)
	g.mu.Unlock()
}

// Calls returns how often op was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Sessions exposes the session table.
func (g *Gateway) Sessions() *xgate.SessionTable { return g.sessions }

// Connect simulates key dialing in from address:port.
func (g *Gateway) Connect(key, address string, port int) {
	g.notify(xgate.ConnectivityNotice{ResourceKey: key, Address: address, Port: port, Command: xgate.CommandConnect})
}

// Disconnect simulates key dropping off.
func (g *Gateway) Disconnect(key string) {
	g.notify(xgate.ConnectivityNotice{ResourceKey: key, Command: xgate.CommandDisconnect})
}

func (g *Gateway) notify(n xgate.ConnectivityNotice) {
	g.mu.Lock()
	fns := make([]xgate.ConnectivityFunc, 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.wg.Add(len(fns))
	g.mu.Unlock()

	for _, fn := range fns {
		go func(fn xgate.ConnectivityFunc) {
			defer g.wg.Done()
			fn(n)
		}(fn)
	}
}

// WaitCallbacks blocks until every fired listener callback returned.
func (g *Gateway) WaitCallbacks() { g.wg.Wait() }

// begin counts a call of op and pops an injected failure, if any.
func (g *Gateway) begin(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	if q := g.failures[op]; len(q) > 0 {
		g.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// deviceLocked resolves key and enforces the session requirement.
func (g *Gateway) deviceLocked(key string) (*device, error) {
	d, ok := g.devices[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}
	if g.cfg.RequireSession {
		if _, ok := g.sessions.Get(key); !ok {
			return nil, xgate.ErrNoSession
		}
	}
	return d, nil
}

func (g *Gateway) Authenticate(ctx context.Context, resourceKey, _ string, _ int, creds xgate.Credentials) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := g.begin(OpAuthenticate); err != nil {
		return "", err
	}
	g.mu.Lock()
	d, ok := g.devices[resourceKey]
	var want xgate.Credentials
	if ok {
		want = d.creds
	}
	g.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, resourceKey)
	}
	if want != creds {
		return "", ErrInvalidCredentials
	}
	handle := uuid.NewString()
	g.sessions.Put(resourceKey, handle)
	return handle, nil
}

func (g *Gateway) LatestSequence(ctx context.Context, resourceKey string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if err := g.begin(OpLatestSequence); err != nil {
		return 0, false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d, err := g.deviceLocked(resourceKey)
	if err != nil {
		return 0, false, err
	}
	return d.latest, d.hasLatest, nil
}

func (g *Gateway) FetchRange(ctx context.Context, resourceKey string, from, to int64, order xgate.Order, pageSize int) ([]xgate.SyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.begin(OpFetchRange); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d, err := g.deviceLocked(resourceKey)
	if err != nil {
		return nil, err
	}

	var out []xgate.SyncRecord
	for _, r := range d.records {
		if r.SequenceNo >= from && r.SequenceNo <= to {
			out = append(out, r)
		}
	}
	if order == xgate.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if pageSize > 0 && len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

func (g *Gateway) FetchBlob(ctx context.Context, resourceKey, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.begin(OpFetchBlob); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d, err := g.deviceLocked(resourceKey)
	if err != nil {
		return nil, err
	}
	data, ok := d.blobs[ref]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// Listen registers fn for notices; one listener per address.
func (g *Gateway) Listen(ctx context.Context, addr string, fn xgate.ConnectivityFunc) (io.Closer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("memory: listener callback must not be nil")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.listeners[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	g.listeners[addr] = fn
	return &listener{g: g, addr: addr}, nil
}

func (g *Gateway) Logout(ctx context.Context, resourceKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := g.sessions.Delete(resourceKey); !ok {
		return xgate.ErrNoSession
	}
	return nil
}

type listener struct {
	g    *Gateway
	addr string
	once sync.Once
}

func (l *listener) Close() error {
	l.once.Do(func() {
		l.g.mu.Lock()
		delete(l.g.listeners, l.addr)
		l.g.mu.Unlock()
	})
	return nil
}
