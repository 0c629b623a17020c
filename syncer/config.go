package syncer

import (
	"fmt"
	"time"
)

// MaxPageSize is the largest page the gateway SDK returns per range query.
const MaxPageSize = 2000

// Config tunes one sync worker.
type Config struct {
	// PollInterval is the wakeup cadence of the poll loop (default: 5s).
	PollInterval time.Duration
	// QueueGetTimeout bounds each wait of the process loop (default: 10s).
	QueueGetTimeout time.Duration
	// PageSize caps records per range fetch, clamped to 1..MaxPageSize.
	PageSize int
	// QueueSize is the capacity of the internal record queue (default: 2000).
	QueueSize int
	// CallTimeout bounds each gateway call (default: 30s).
	CallTimeout time.Duration
	// UploadAttempts is the total number of blob upload attempts (default: 3).
	UploadAttempts int
	// UploadBackoff is the initial wait between upload attempts (default: 500ms).
	UploadBackoff time.Duration
	// ObjectPrefix prefixes blob object keys (default: "records").
	ObjectPrefix string
}

// Defaults returns the production defaults.
func Defaults() Config {
	return Config{
		PollInterval:    5 * time.Second,
		QueueGetTimeout: 10 * time.Second,
		PageSize:        MaxPageSize,
		QueueSize:       2000,
		CallTimeout:     30 * time.Second,
		UploadAttempts:  3,
		UploadBackoff:   500 * time.Millisecond,
		ObjectPrefix:    "records",
	}
}

// Validate rejects out-of-range values.
// Zero values mean "use the default".
func (c Config) Validate() error {
	if c.PollInterval < 0 {
		return fmt.Errorf("syncer: poll_interval must be >= 0, got %v", c.PollInterval)
	}
	if c.QueueGetTimeout < 0 {
		return fmt.Errorf("syncer: queue_get_timeout must be >= 0, got %v", c.QueueGetTimeout)
	}
	if c.PageSize < 0 || c.PageSize > MaxPageSize {
		return fmt.Errorf("syncer: page_size must be within 0..%d, got %d", MaxPageSize, c.PageSize)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("syncer: queue_size must be >= 0, got %d", c.QueueSize)
	}
	return nil
}

// normalize fills zero values with defaults and clamps the page size.
func (c Config) normalize() Config {
	d := Defaults()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.QueueGetTimeout <= 0 {
		c.QueueGetTimeout = d.QueueGetTimeout
	}
	if c.PageSize <= 0 || c.PageSize > MaxPageSize {
		c.PageSize = MaxPageSize
	}
	if c.QueueSize < 1 {
		c.QueueSize = d.QueueSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.UploadAttempts < 1 {
		c.UploadAttempts = d.UploadAttempts
	}
	if c.UploadBackoff <= 0 {
		c.UploadBackoff = d.UploadBackoff
	}
	if c.ObjectPrefix == "" {
		c.ObjectPrefix = d.ObjectPrefix
	}
	return c
}

// ConfigFromMap converts a generic map to Config, keeping defaults for
// missing keys.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := durationValue(m["poll_interval"]); ok {
		c.PollInterval = v
	}
	if v, ok := durationValue(m["queue_get_timeout"]); ok {
		c.QueueGetTimeout = v
	}
	if v, ok := durationValue(m["call_timeout"]); ok {
		c.CallTimeout = v
	}
	if v, ok := durationValue(m["upload_backoff"]); ok {
		c.UploadBackoff = v
	}
	if v, ok := m["page_size"].(int); ok {
		c.PageSize = v
	}
	if v, ok := m["queue_size"].(int); ok {
		c.QueueSize = v
	}
	if v, ok := m["upload_attempts"].(int); ok {
		c.UploadAttempts = v
	}
	if v, ok := m["object_prefix"].(string); ok && v != "" {
		c.ObjectPrefix = v
	}
	return c.normalize()
}

func durationValue(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, d > 0
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil && p > 0
	default:
		return 0, false
	}
}
