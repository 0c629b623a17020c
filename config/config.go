// Package config loads the xgated configuration from a YAML file, XGATE_
// environment variables and built-in defaults, in increasing precedence:
// defaults < file < environment < bound flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/trickstertwo/xlog"
	xzerolog "github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/syncer"
)

// EnvPrefix prefixes every environment override, e.g. XGATE_HTTP_ADDR.
const EnvPrefix = "XGATE"

// Config is the full process configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Bus     BusConfig     `mapstructure:"bus"`
	Workers WorkersConfig `mapstructure:"workers"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Store   DriverConfig  `mapstructure:"store"`
	Blobs   DriverConfig  `mapstructure:"blobs"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type BusConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	BatchSize       int           `mapstructure:"batch_size"`
	EnqueueTimeout  time.Duration `mapstructure:"enqueue_timeout"`
	ObserverWorkers int           `mapstructure:"observer_workers"`
	ObserverBuffer  int           `mapstructure:"observer_buffer"`
	LockOSThread    bool          `mapstructure:"lock_os_thread"`
}

type WorkersConfig struct {
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LockOSThread    bool          `mapstructure:"lock_os_thread"`
}

// SyncConfig mirrors syncer.Config.
type SyncConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	QueueGetTimeout time.Duration `mapstructure:"queue_get_timeout"`
	PageSize        int           `mapstructure:"page_size"`
	QueueSize       int           `mapstructure:"queue_size"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	UploadAttempts  int           `mapstructure:"upload_attempts"`
	UploadBackoff   time.Duration `mapstructure:"upload_backoff"`
	ObjectPrefix    string        `mapstructure:"object_prefix"`
}

// Syncer converts to the worker configuration.
func (s SyncConfig) Syncer() syncer.Config {
	return syncer.Config{
		PollInterval:    s.PollInterval,
		QueueGetTimeout: s.QueueGetTimeout,
		PageSize:        s.PageSize,
		QueueSize:       s.QueueSize,
		CallTimeout:     s.CallTimeout,
		UploadAttempts:  s.UploadAttempts,
		UploadBackoff:   s.UploadBackoff,
		ObjectPrefix:    s.ObjectPrefix,
	}
}

// DriverConfig selects a registered adapter and passes it Options.
type DriverConfig struct {
	Driver  string         `mapstructure:"driver"`
	Options map[string]any `mapstructure:"options"`
}

type GatewayConfig struct {
	DriverConfig `mapstructure:",squash"`
	ListenAddr   string        `mapstructure:"listen_addr"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Namespace    string        `mapstructure:"namespace"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SetDefaults installs every default on v.
func SetDefaults(v *viper.Viper) {
	sd := syncer.Defaults()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("bus.queue_size", xgate.DefaultQueueSize)
	v.SetDefault("bus.batch_size", xgate.DefaultBatchSize)
	v.SetDefault("bus.enqueue_timeout", xgate.DefaultEnqueueTimeout)
	v.SetDefault("bus.observer_workers", 4)
	v.SetDefault("bus.observer_buffer", 1000)
	v.SetDefault("bus.lock_os_thread", false)

	v.SetDefault("workers.stop_timeout", 10*time.Second)
	v.SetDefault("workers.shutdown_timeout", 30*time.Second)
	v.SetDefault("workers.lock_os_thread", false)

	v.SetDefault("sync.poll_interval", sd.PollInterval)
	v.SetDefault("sync.queue_get_timeout", sd.QueueGetTimeout)
	v.SetDefault("sync.page_size", sd.PageSize)
	v.SetDefault("sync.queue_size", sd.QueueSize)
	v.SetDefault("sync.call_timeout", sd.CallTimeout)
	v.SetDefault("sync.upload_attempts", sd.UploadAttempts)
	v.SetDefault("sync.upload_backoff", sd.UploadBackoff)
	v.SetDefault("sync.object_prefix", sd.ObjectPrefix)

	v.SetDefault("gateway.driver", "memory")
	v.SetDefault("gateway.listen_addr", ":37777")
	v.SetDefault("gateway.call_timeout", 30*time.Second)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("blobs.driver", "memory")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "xgate")
	v.SetDefault("metrics.poll_interval", 5*time.Second)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional) into a fresh viper instance and decodes it.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith decodes v after reading path into it. Flags bound to v with
// BindFlags take precedence over the file.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return decode(v)
}

// LoadReader reads YAML from r. Used by tests and embedded configs.
func LoadReader(r io.Reader) (*Config, error) {
	v := New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// BindFlags binds the serve command flags onto v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	binds := map[string]string{
		"http.addr":           "http-addr",
		"log.level":           "log-level",
		"gateway.listen_addr": "listen-addr",
		"gateway.driver":      "gateway",
		"store.driver":        "store",
		"blobs.driver":        "blobs",
	}
	for key, flag := range binds {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be json or console, got %q", c.Log.Format))
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("config: http.addr required when http is enabled"))
	}
	if c.Bus.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("config: bus.queue_size must be >= 1, got %d", c.Bus.QueueSize))
	}
	if c.Bus.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("config: bus.batch_size must be >= 1, got %d", c.Bus.BatchSize))
	}
	if c.Bus.EnqueueTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: bus.enqueue_timeout must be > 0, got %v", c.Bus.EnqueueTimeout))
	}
	if c.Workers.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: workers.stop_timeout must be > 0, got %v", c.Workers.StopTimeout))
	}
	if c.Workers.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: workers.shutdown_timeout must be > 0, got %v", c.Workers.ShutdownTimeout))
	}
	if err := c.Sync.Syncer().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: sync: %w", err))
	}
	if c.Gateway.Driver == "" {
		errs = append(errs, errors.New("config: gateway.driver required"))
	}
	if c.Gateway.ListenAddr == "" {
		errs = append(errs, errors.New("config: gateway.listen_addr required"))
	}
	if c.Store.Driver == "" {
		errs = append(errs, errors.New("config: store.driver required"))
	}
	if c.Blobs.Driver == "" {
		errs = append(errs, errors.New("config: blobs.driver required"))
	}
	if c.Metrics.Enabled && c.Metrics.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: metrics.poll_interval must be > 0, got %v", c.Metrics.PollInterval))
	}
	return errors.Join(errs...)
}

// Logger installs the zerolog backend for xlog as configured by Log and
// returns the process logger.
func (c *Config) Logger(w io.Writer) *xlog.Logger {
	if w == nil {
		w = os.Stderr
	}
	zc := xzerolog.Config{
		MinLevel:          xlog.LevelInfo,
		Console:           c.Log.Format == "console",
		ConsoleTimeFormat: time.RFC3339,
		Writer:            w,
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		zc.MinLevel = xlog.LevelDebug
	case "warn":
		zc.MinLevel = xlog.LevelWarn
	case "error":
		zc.MinLevel = xlog.LevelError
	}
	return xzerolog.Use(zc).With(xlog.Str("app", "xgated"))
}
