// Package memory provides in-process Store, BlobStore and Gateway adapters
// for development, tests and demos. The gateway simulates devices that dial
// in, accumulate records and hold blobs.
package memory

import (
	"errors"
	"fmt"

	"github.com/trickstertwo/xgate"
)

const AdapterName = "memory"

var errClosed = errors.New("memory: store is closed")

func init() {
	if err := xgate.RegisterStore(AdapterName, func(cfg map[string]any) (xgate.Store, error) {
		return NewStore(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xgate/memory: failed to register store: %w", err))
	}
	if err := xgate.RegisterBlobStore(AdapterName, func(cfg map[string]any) (xgate.BlobStore, error) {
		return NewBlobStore(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xgate/memory: failed to register blob store: %w", err))
	}
	if err := xgate.RegisterGateway(AdapterName, func(cfg map[string]any) (xgate.Gateway, error) {
		return NewGateway(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xgate/memory: failed to register gateway: %w", err))
	}
}

// Config controls the memory adapters.
type Config struct {
	// BlobBaseURL prefixes uploaded object URLs (default: "memory://blobs").
	BlobBaseURL string
	// RequireSession makes gateway reads fail with xgate.ErrNoSession until
	// the resource authenticates (default: true).
	RequireSession bool
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{BlobBaseURL: "memory://blobs", RequireSession: true}
}

func ConfigFromMap(cfg map[string]any) Config {
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getStr := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}

	d := DefaultConfig()
	return Config{
		BlobBaseURL:    getStr("blob_base_url", d.BlobBaseURL),
		RequireSession: getBool("require_session", d.RequireSession),
	}
}

// toMap converts Config to the generic map expected by the factories.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"blob_base_url":   c.BlobBaseURL,
		"require_session": c.RequireSession,
	}
}
