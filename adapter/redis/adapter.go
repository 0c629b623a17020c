// Package redis provides a Redis-backed resource store for xgate.
//
// Adapter name: "redis"
//
// Each resource is a hash at "<prefix>:resource:<key>"; the set
// "<prefix>:resources" indexes the keys.
//
// Config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - username, password, db
// - tls, tls_server_name
// - pool_size (default 10), min_idle_conns (default 2), max_retries (default 3)
// - dial_timeout (default 5s)
// - key_prefix (default "xgate")
//
// Example:
//
//	store, _ := xgate.NewStore(redis.AdapterName, map[string]any{
//	    "addr":       "localhost:6379",
//	    "key_prefix": "site-a",
//	})
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xgate"
)

const AdapterName = "redis"

func init() {
	if err := xgate.RegisterStore(AdapterName, func(cfg map[string]any) (xgate.Store, error) {
		return NewStore(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xgate: failed to register store %q: %w", AdapterName, err))
	}
}

func newClient(cfg Config) *goredis.Client {
	opts := &goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return goredis.NewClient(opts)
}

func ping(c *goredis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
