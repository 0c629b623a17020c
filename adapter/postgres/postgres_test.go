package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xgate"
)

// testStore opens XGATE_TEST_POSTGRES_DSN on a throwaway table.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("XGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("XGATE_TEST_POSTGRES_DSN not set")
	}
	cfg := Defaults()
	cfg.DSN = dsn
	cfg.Table = fmt.Sprintf("xgate_test_%d", time.Now().UnixNano())

	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.Exec("DROP TABLE IF EXISTS " + s.table)
		_ = s.Close()
	})
	return s
}

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"dsn":               "postgres://localhost/xgate?sslmode=disable",
		"conn_max_lifetime": "5m",
		"auto_migrate":      false,
	})
	assert.Equal(t, 5*time.Minute, c.ConnMaxLifetime)
	assert.False(t, c.AutoMigrate)
	assert.Equal(t, "xgate_resources", c.Table)
	require.NoError(t, c.Validate())

	require.Error(t, Defaults().Validate())
}

func TestNew_QuotesTable(t *testing.T) {
	s := New(nil, `weird"name`)
	assert.Equal(t, `"weird""name"`, s.table)
}

func TestStore_Integration(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.GetResource(ctx, "dev-1")
	require.ErrorIs(t, err, xgate.ErrResourceNotFound)
	_, err = s.UpdateResource(ctx, "dev-1", xgate.ResourceUpdate{Online: xgate.Ptr(true)})
	require.ErrorIs(t, err, xgate.ErrResourceNotFound)

	require.NoError(t, s.SaveResource(ctx, xgate.Resource{
		Key: "dev-1", Active: true, SyncEnabled: true, Username: "admin", Password: "pw",
		Cursor: xgate.UninitializedCursor,
	}))
	require.NoError(t, s.SaveResource(ctx, xgate.Resource{Key: "dev-0"}))

	now := time.Now().UTC().Truncate(time.Microsecond)
	r, err := s.UpdateResource(ctx, "dev-1", xgate.ResourceUpdate{
		Online:       xgate.Ptr(true),
		Address:      xgate.Ptr("10.0.0.5"),
		Port:         xgate.Ptr(37777),
		LastOnlineAt: &now,
	})
	require.NoError(t, err)
	assert.True(t, r.Online)
	assert.Equal(t, 37777, r.Port)
	assert.Equal(t, xgate.UninitializedCursor, r.Cursor)
	assert.True(t, r.LastOnlineAt.Equal(now))
	assert.True(t, r.LastOfflineAt.IsZero())

	r, err = s.UpdateResource(ctx, "dev-1", xgate.ResourceUpdate{Cursor: xgate.Ptr(int64(12))})
	require.NoError(t, err)
	assert.Equal(t, int64(12), r.Cursor)
	assert.Equal(t, "10.0.0.5", r.Address)

	all, err := s.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "dev-0", all[0].Key)
}
