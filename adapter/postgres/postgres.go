// Package postgres provides a PostgreSQL resource store for xgate.
//
// Adapter name: "postgres"
//
// Config keys:
// - dsn: lib/pq connection string (required)
// - table: table name (default "xgate_resources")
// - max_open_conns (default 10), max_idle_conns (default 5)
// - conn_max_lifetime (default 30m)
// - auto_migrate: create the table when missing (default true)
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/trickstertwo/xgate"
)

const AdapterName = "postgres"

func init() {
	if err := xgate.RegisterStore(AdapterName, func(cfg map[string]any) (xgate.Store, error) {
		return Open(context.Background(), ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xgate: failed to register store %q: %w", AdapterName, err))
	}
}

// Config for the PostgreSQL store.
type Config struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Table:           "xgate_resources",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("config: dsn required")
	}
	if c.Table == "" {
		return fmt.Errorf("config: table required")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("config: max_open_conns must be >= 1, got %d", c.MaxOpenConns)
	}
	return nil
}

// ConfigFromMap safely converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["dsn"].(string); ok {
		c.DSN = v
	}
	if v, ok := m["table"].(string); ok && v != "" {
		c.Table = v
	}
	if v, ok := m["max_open_conns"].(int); ok && v > 0 {
		c.MaxOpenConns = v
	}
	if v, ok := m["max_idle_conns"].(int); ok && v >= 0 {
		c.MaxIdleConns = v
	}
	switch v := m["conn_max_lifetime"].(type) {
	case time.Duration:
		c.ConnMaxLifetime = v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			c.ConnMaxLifetime = d
		}
	}
	if v, ok := m["auto_migrate"].(bool); ok {
		c.AutoMigrate = v
	}
	return c
}

// Store keeps resources in one PostgreSQL table.
type Store struct {
	db    *sql.DB
	table string
}

var _ xgate.Store = (*Store)(nil)

// Open connects, pings and, with AutoMigrate, creates the table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := New(db, cfg.Table)
	if cfg.AutoMigrate {
		if err := s.Migrate(pctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing pool.
func New(db *sql.DB, table string) *Store {
	return &Store{db: db, table: pq.QuoteIdentifier(table)}
}

// Migrate creates the resource table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key             TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			address         TEXT NOT NULL DEFAULT '',
			port            INTEGER NOT NULL DEFAULT 0,
			username        TEXT NOT NULL DEFAULT '',
			password        TEXT NOT NULL DEFAULT '',
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			online          BOOLEAN NOT NULL DEFAULT FALSE,
			sync_enabled    BOOLEAN NOT NULL DEFAULT FALSE,
			sync_cursor     BIGINT NOT NULL DEFAULT -1,
			session         TEXT NOT NULL DEFAULT '',
			last_online_at  TIMESTAMPTZ,
			last_offline_at TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table))
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const columns = `key, name, address, port, username, password, active, online, sync_enabled,
	sync_cursor, session, last_online_at, last_offline_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanResource(row scanner) (*xgate.Resource, error) {
	var (
		r                       xgate.Resource
		lastOnline, lastOffline sql.NullTime
	)
	err := row.Scan(&r.Key, &r.Name, &r.Address, &r.Port, &r.Username, &r.Password,
		&r.Active, &r.Online, &r.SyncEnabled, &r.Cursor, &r.Session,
		&lastOnline, &lastOffline, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xgate.ErrResourceNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastOnline.Valid {
		r.LastOnlineAt = lastOnline.Time
	}
	if lastOffline.Valid {
		r.LastOfflineAt = lastOffline.Time
	}
	return &r, nil
}

func (s *Store) GetResource(ctx context.Context, key string) (*xgate.Resource, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE key = $1`, columns, s.table), key)
	return scanResource(row)
}

// UpdateResource applies the set fields of u in one statement; NULL
// parameters keep the stored value.
func (s *Store) UpdateResource(ctx context.Context, key string, u xgate.ResourceUpdate) (*xgate.Resource, error) {
	if u.Empty() {
		return s.GetResource(ctx, key)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			address         = COALESCE($2, address),
			port            = COALESCE($3, port),
			online          = COALESCE($4, online),
			session         = COALESCE($5, session),
			sync_cursor     = COALESCE($6, sync_cursor),
			last_online_at  = COALESCE($7, last_online_at),
			last_offline_at = COALESCE($8, last_offline_at),
			updated_at      = now()
		WHERE key = $1
		RETURNING %s`, s.table, columns),
		key,
		nullable(u.Address), nullable(u.Port), nullable(u.Online), nullable(u.Session),
		nullable(u.Cursor), nullable(u.LastOnlineAt), nullable(u.LastOfflineAt),
	)
	return scanResource(row)
}

// SaveResource inserts or replaces a resource.
func (s *Store) SaveResource(ctx context.Context, r xgate.Resource) error {
	if r.Key == "" {
		return errors.New("postgres: resource key must not be empty")
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (key) DO UPDATE SET
			name = $2, address = $3, port = $4, username = $5, password = $6,
			active = $7, online = $8, sync_enabled = $9, sync_cursor = $10,
			session = $11, last_online_at = $12, last_offline_at = $13, updated_at = now()`,
		s.table, columns),
		r.Key, r.Name, r.Address, r.Port, r.Username, r.Password,
		r.Active, r.Online, r.SyncEnabled, r.Cursor, r.Session,
		nullTime(r.LastOnlineAt), nullTime(r.LastOfflineAt),
	)
	return err
}

// ListResources returns every resource ordered by key.
func (s *Store) ListResources(ctx context.Context) ([]xgate.Resource, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY key`, columns, s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []xgate.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
