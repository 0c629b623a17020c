package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/trickstertwo/xgate"
)

// Object is one uploaded blob.
type Object struct {
	Key         string
	Data        []byte
	ContentType string
	URL         string
}

// BlobStore keeps uploaded objects in a map. Failures can be injected to
// exercise upload retries.
type BlobStore struct {
	baseURL string

	mu       sync.Mutex
	objects  map[string]Object
	failures []error
	attempts int
}

var _ xgate.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates an empty blob store.
func NewBlobStore(cfg Config) *BlobStore {
	base := cfg.BlobBaseURL
	if base == "" {
		base = DefaultConfig().BlobBaseURL
	}
	return &BlobStore{baseURL: strings.TrimRight(base, "/"), objects: make(map[string]Object)}
}

func (b *BlobStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		return "", err
	}
	url := b.baseURL + "/" + key + "?v=" + uuid.NewString()
	b.objects[key] = Object{
		Key:         key,
		Data:        append([]byte(nil), data...),
		ContentType: contentType,
		URL:         url,
	}
	return url, nil
}

// FailNext makes the next len(errs) uploads fail with errs in order.
func (b *BlobStore) FailNext(errs ...error) {
	b.mu.Lock()
	b.failures = append(b.failures, errs...)
	b.mu.Unlock()
}

// Object returns the object stored under key.
func (b *BlobStore) Object(key string) (Object, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	return o, ok
}

// Len returns the number of stored objects.
func (b *BlobStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// Attempts counts Upload calls, failed ones included.
func (b *BlobStore) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
