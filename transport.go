//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks -source=transport.go Gateway,Store,BlobStore

package xgate

import (
	"context"
	"io"
)

// Connectivity commands reported by a gateway listener.
const (
	CommandConnect    = "connect"
	CommandRegister   = "register"
	CommandDisconnect = "disconnect"
)

// ConnectivityNotice is what a gateway listener reports when a device dials
// in or drops. Any command other than CommandDisconnect counts as a connect.
type ConnectivityNotice struct {
	ResourceKey string
	Address     string
	Port        int
	Command     string
}

// ConnectivityFunc receives notices on the gateway's own goroutines.
type ConnectivityFunc func(n ConnectivityNotice)

// Gateway is the Strategy interface for the blocking device SDK.
type Gateway interface {
	// Authenticate opens a session and returns its handle.
	Authenticate(ctx context.Context, resourceKey, address string, port int, creds Credentials) (string, error)
	// LatestSequence reports the newest sequence number; ok is false when the
	// resource has no records yet.
	LatestSequence(ctx context.Context, resourceKey string) (seq int64, ok bool, err error)
	// FetchRange returns records with from <= seq <= to, at most pageSize of them.
	FetchRange(ctx context.Context, resourceKey string, from, to int64, order Order, pageSize int) ([]SyncRecord, error)
	// FetchBlob returns the referenced bytes, or nil when the resource has none.
	FetchBlob(ctx context.Context, resourceKey, ref string) ([]byte, error)
	// Listen binds the inbound listener devices dial into.
	Listen(ctx context.Context, addr string, fn ConnectivityFunc) (io.Closer, error)
	// Logout closes the session of a resource, if any.
	Logout(ctx context.Context, resourceKey string) error
}

// Store is the persistence Strategy for resource state.
type Store interface {
	// GetResource returns ErrResourceNotFound for unknown keys.
	GetResource(ctx context.Context, key string) (*Resource, error)
	// UpdateResource applies a partial update and returns the new state.
	UpdateResource(ctx context.Context, key string, u ResourceUpdate) (*Resource, error)
	SaveResource(ctx context.Context, r Resource) error
	ListResources(ctx context.Context) ([]Resource, error)
	Close() error
}

// BlobStore uploads record payloads and returns a retrievable URL.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
