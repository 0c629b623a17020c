package xgate

import (
	"errors"
	"sort"
	"sync"
)

// StoreFactory constructs a Store from a config blob.
type StoreFactory func(cfg map[string]any) (Store, error)

// BlobStoreFactory constructs a BlobStore from a config blob.
type BlobStoreFactory func(cfg map[string]any) (BlobStore, error)

// GatewayFactory constructs a Gateway from a config blob.
type GatewayFactory func(cfg map[string]any) (Gateway, error)

type factoryRegistry[T any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]func(map[string]any) (T, error)
}

func newFactoryRegistry[T any](kind string) *factoryRegistry[T] {
	return &factoryRegistry[T]{kind: kind, factories: map[string]func(map[string]any) (T, error){}}
}

func (r *factoryRegistry[T]) register(name string, f func(map[string]any) (T, error)) error {
	if name == "" {
		return errors.New(r.kind + " name must not be empty")
	}
	if f == nil {
		return errors.New(r.kind + " factory must not be nil")
	}
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
	return nil
}

func (r *factoryRegistry[T]) build(name string, cfg map[string]any) (T, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, ErrUnknownAdapter{kind: r.kind, name: name}
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return f(cfg)
}

func (r *factoryRegistry[T]) names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

var (
	storeRegistry     = newFactoryRegistry[Store]("store")
	blobStoreRegistry = newFactoryRegistry[BlobStore]("blob store")
	gatewayRegistry   = newFactoryRegistry[Gateway]("gateway")
)

// RegisterStore registers a persistence adapter.
func RegisterStore(name string, f StoreFactory) error { return storeRegistry.register(name, f) }

// NewStore constructs a store by name with config.
func NewStore(name string, cfg map[string]any) (Store, error) { return storeRegistry.build(name, cfg) }

// RegisterBlobStore registers a blob storage adapter.
func RegisterBlobStore(name string, f BlobStoreFactory) error {
	return blobStoreRegistry.register(name, f)
}

// NewBlobStore constructs a blob store by name with config.
func NewBlobStore(name string, cfg map[string]any) (BlobStore, error) {
	return blobStoreRegistry.build(name, cfg)
}

// RegisterGateway registers a device gateway adapter.
func RegisterGateway(name string, f GatewayFactory) error { return gatewayRegistry.register(name, f) }

// NewGateway constructs a gateway by name with config.
func NewGateway(name string, cfg map[string]any) (Gateway, error) {
	return gatewayRegistry.build(name, cfg)
}

// Adapters lists registered adapter names per kind.
func Adapters() map[string][]string {
	return map[string][]string{
		"store":      storeRegistry.names(),
		"blob_store": blobStoreRegistry.names(),
		"gateway":    gatewayRegistry.names(),
	}
}
