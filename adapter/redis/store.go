package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xgate"
)

// Hash fields.
const (
	fieldKey           = "key"
	fieldName          = "name"
	fieldAddress       = "address"
	fieldPort          = "port"
	fieldUsername      = "username"
	fieldPassword      = "password"
	fieldActive        = "active"
	fieldOnline        = "online"
	fieldSyncEnabled   = "sync_enabled"
	fieldCursor        = "cursor"
	fieldSession       = "session"
	fieldLastOnlineAt  = "last_online_at"  // int64 ns
	fieldLastOfflineAt = "last_offline_at" // int64 ns
	fieldUpdatedAt     = "updated_at"      // int64 ns
)

// maxTxRetries bounds optimistic-lock retries of UpdateResource.
const maxTxRetries = 8

// Store keeps resources in Redis hashes.
type Store struct {
	cfg    Config
	client *goredis.Client
	clock  xclock.Clock
	closed atomic.Bool
}

var _ xgate.Store = (*Store)(nil)

// NewStore connects to Redis and verifies the connection with PING.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := newClient(cfg)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Store{cfg: cfg, client: client, clock: xclock.Default()}, nil
}

func (s *Store) resourceKey(key string) string { return s.cfg.KeyPrefix + ":resource:" + key }
func (s *Store) indexKey() string              { return s.cfg.KeyPrefix + ":resources" }

func (s *Store) GetResource(ctx context.Context, key string) (*xgate.Resource, error) {
	vals, err := s.client.HGetAll(ctx, s.resourceKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, xgate.ErrResourceNotFound
	}
	return decode(vals)
}

// UpdateResource applies u under WATCH so concurrent writers never resurrect
// a deleted resource or interleave partial updates.
func (s *Store) UpdateResource(ctx context.Context, key string, u xgate.ResourceUpdate) (*xgate.Resource, error) {
	rk := s.resourceKey(key)
	fields := updateFields(u)
	if len(fields) > 0 {
		fields[fieldUpdatedAt] = s.clock.Now().UnixNano()
	}

	txf := func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return xgate.ErrResourceNotFound
		}
		if len(fields) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, rk, fields)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, rk)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return s.GetResource(ctx, key)
}

func (s *Store) SaveResource(ctx context.Context, r xgate.Resource) error {
	if r.Key == "" {
		return errors.New("redis: resource key must not be empty")
	}
	r.UpdatedAt = s.clock.Now()
	rk := s.resourceKey(r.Key)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, rk)
		pipe.HSet(ctx, rk, encode(r))
		pipe.SAdd(ctx, s.indexKey(), r.Key)
		return nil
	})
	return err
}

// ListResources returns every indexed resource ordered by key.
func (s *Store) ListResources(ctx context.Context) ([]xgate.Resource, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.resourceKey(k))
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]xgate.Resource, 0, len(keys))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		r, err := decode(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// Delete removes a resource and its index entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.resourceKey(key))
		pipe.SRem(ctx, s.indexKey(), key)
		return nil
	})
	return err
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

func updateFields(u xgate.ResourceUpdate) map[string]any {
	f := make(map[string]any, 7)
	if u.Address != nil {
		f[fieldAddress] = *u.Address
	}
	if u.Port != nil {
		f[fieldPort] = *u.Port
	}
	if u.Online != nil {
		f[fieldOnline] = boolString(*u.Online)
	}
	if u.Session != nil {
		f[fieldSession] = *u.Session
	}
	if u.Cursor != nil {
		f[fieldCursor] = *u.Cursor
	}
	if u.LastOnlineAt != nil {
		f[fieldLastOnlineAt] = unixNano(*u.LastOnlineAt)
	}
	if u.LastOfflineAt != nil {
		f[fieldLastOfflineAt] = unixNano(*u.LastOfflineAt)
	}
	return f
}

func encode(r xgate.Resource) map[string]any {
	return map[string]any{
		fieldKey:           r.Key,
		fieldName:          r.Name,
		fieldAddress:       r.Address,
		fieldPort:          r.Port,
		fieldUsername:      r.Username,
		fieldPassword:      r.Password,
		fieldActive:        boolString(r.Active),
		fieldOnline:        boolString(r.Online),
		fieldSyncEnabled:   boolString(r.SyncEnabled),
		fieldCursor:        r.Cursor,
		fieldSession:       r.Session,
		fieldLastOnlineAt:  unixNano(r.LastOnlineAt),
		fieldLastOfflineAt: unixNano(r.LastOfflineAt),
		fieldUpdatedAt:     unixNano(r.UpdatedAt),
	}
}

func decode(v map[string]string) (*xgate.Resource, error) {
	r := &xgate.Resource{
		Key:         v[fieldKey],
		Name:        v[fieldName],
		Address:     v[fieldAddress],
		Username:    v[fieldUsername],
		Password:    v[fieldPassword],
		Session:     v[fieldSession],
		Active:      v[fieldActive] == "1",
		Online:      v[fieldOnline] == "1",
		SyncEnabled: v[fieldSyncEnabled] == "1",
		Cursor:      xgate.UninitializedCursor,
	}
	var err error
	if s := v[fieldPort]; s != "" {
		if r.Port, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("redis: resource %s: bad port %q: %w", r.Key, s, err)
		}
	}
	if s := v[fieldCursor]; s != "" {
		if r.Cursor, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("redis: resource %s: bad cursor %q: %w", r.Key, s, err)
		}
	}
	if r.LastOnlineAt, err = parseTime(v[fieldLastOnlineAt]); err != nil {
		return nil, err
	}
	if r.LastOfflineAt, err = parseTime(v[fieldLastOfflineAt]); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(v[fieldUpdatedAt]); err != nil {
		return nil, err
	}
	return r, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func parseTime(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: bad timestamp %q: %w", s, err)
	}
	return time.Unix(0, ns), nil
}
