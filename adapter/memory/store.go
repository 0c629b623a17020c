package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xgate"
)

// Store keeps resources in a map.
type Store struct {
	clock xclock.Clock

	mu        sync.RWMutex
	resources map[string]xgate.Resource
	closed    bool
	updates   int
}

var _ xgate.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore(Config) *Store {
	return &Store{clock: xclock.Default(), resources: make(map[string]xgate.Resource)}
}

// WithClock replaces the clock stamping UpdatedAt.
func (s *Store) WithClock(c xclock.Clock) *Store {
	if c != nil {
		s.clock = c
	}
	return s
}

func (s *Store) GetResource(ctx context.Context, key string) (*xgate.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	r, ok := s.resources[key]
	if !ok {
		return nil, xgate.ErrResourceNotFound
	}
	return &r, nil
}

func (s *Store) UpdateResource(ctx context.Context, key string, u xgate.ResourceUpdate) (*xgate.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	r, ok := s.resources[key]
	if !ok {
		return nil, xgate.ErrResourceNotFound
	}
	if !u.Empty() {
		u.Apply(&r)
		r.UpdatedAt = s.clock.Now()
		s.resources[key] = r
		s.updates++
	}
	return &r, nil
}

func (s *Store) SaveResource(ctx context.Context, r xgate.Resource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Key == "" {
		return errors.New("memory: resource key must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	r.UpdatedAt = s.clock.Now()
	s.resources[r.Key] = r
	return nil
}

// ListResources returns every resource ordered by key.
func (s *Store) ListResources(ctx context.Context) ([]xgate.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	out := make([]xgate.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Updates counts applied partial updates.
func (s *Store) Updates() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
