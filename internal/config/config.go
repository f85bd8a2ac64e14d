// Package config manages telehub daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete telehub configuration.
type Config struct {
	HTTP    HTTPConfig    `koanf:"http"`
	UDP     UDPConfig     `koanf:"udp"`
	Hub     HubConfig     `koanf:"hub"`
	Store   StoreConfig   `koanf:"store"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// HTTPConfig holds the dashboard/device HTTP API configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// UDPConfig holds the device UDP protocol configuration.
type UDPConfig struct {
	// Addr is the UDP listen address (e.g., ":33000").
	Addr string `koanf:"addr"`
}

// HubConfig holds the session-layer parameters.
type HubConfig struct {
	// MaxChannels caps simultaneous channels; admission fails beyond it.
	MaxChannels int `koanf:"max_channels"`

	// ChannelTimeout is the data-idle threshold after which the sweeper
	// parks a running session.
	ChannelTimeout time.Duration `koanf:"channel_timeout"`

	// SyncInterval is the minimum gap between data-frame SYNC replies.
	SyncInterval time.Duration `koanf:"sync_interval"`

	// CommandTimeout bounds how long a dispatched command waits for its
	// device ACK before it is reported expired.
	CommandTimeout time.Duration `koanf:"command_timeout"`

	// SweepInterval is how often the sweeper scans the channel table.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// CacheSize is reserved for a historical sample ring buffer; it is
	// accepted but not currently enforced.
	CacheSize int `koanf:"cache_size"`

	// ServerKey, when non-empty, must be presented in the SK field of
	// every UDP LOGIN.
	ServerKey string `koanf:"server_key"`

	// DataDir and LogDir are working directories created at startup.
	DataDir string `koanf:"data_dir"`
	LogDir  string `koanf:"log_dir"`
}

// StoreConfig selects and parameterizes the persistent channel store.
type StoreConfig struct {
	// Driver is one of "none", "sqlite", "postgres".
	Driver string `koanf:"driver"`

	// Path is the SQLite database file (sqlite driver).
	Path string `koanf:"path"`

	// DSN, when set, overrides the discrete postgres fields below.
	DSN string `koanf:"dsn"`

	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// PostgresDSN assembles the connection string for the postgres driver.
func (sc StoreConfig) PostgresDSN() string {
	if sc.DSN != "" {
		return sc.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		sc.User, sc.Password, sc.Host, sc.Port, sc.Name)
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the stock deployment
// values: HTTP on 8080, UDP on 33000, 100 channels, 5-minute idle
// timeout, 30-second sync interval.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		UDP: UDPConfig{
			Addr: ":33000",
		},
		Hub: HubConfig{
			MaxChannels:    100,
			ChannelTimeout: 300 * time.Second,
			SyncInterval:   30 * time.Second,
			CommandTimeout: 10 * time.Second,
			SweepInterval:  10 * time.Second,
			CacheSize:      1000,
			ServerKey:      "",
			DataDir:        "data",
			LogDir:         "log",
		},
		Store: StoreConfig{
			Driver:   "none",
			Path:     "telehub.db",
			Host:     "localhost",
			Port:     5432,
			Name:     "telehub",
			User:     "postgres",
			Password: "postgres",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for telehub configuration.
// Variables are named TELEHUB_<section>_<key>, e.g., TELEHUB_HTTP_ADDR.
const envPrefix = "TELEHUB_"

// Load reads configuration from an optional YAML file at path, overlays
// environment variable overrides (TELEHUB_ prefix), and merges on top of
// DefaultConfig(). An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// TELEHUB_HTTP_ADDR -> http.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms TELEHUB_HTTP_ADDR -> http.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"http.addr":           defaults.HTTP.Addr,
		"udp.addr":            defaults.UDP.Addr,
		"hub.max_channels":    defaults.Hub.MaxChannels,
		"hub.channel_timeout": defaults.Hub.ChannelTimeout.String(),
		"hub.sync_interval":   defaults.Hub.SyncInterval.String(),
		"hub.command_timeout": defaults.Hub.CommandTimeout.String(),
		"hub.sweep_interval":  defaults.Hub.SweepInterval.String(),
		"hub.cache_size":      defaults.Hub.CacheSize,
		"hub.server_key":      defaults.Hub.ServerKey,
		"hub.data_dir":        defaults.Hub.DataDir,
		"hub.log_dir":         defaults.Hub.LogDir,
		"store.driver":        defaults.Store.Driver,
		"store.path":          defaults.Store.Path,
		"store.dsn":           defaults.Store.DSN,
		"store.host":          defaults.Store.Host,
		"store.port":          defaults.Store.Port,
		"store.name":          defaults.Store.Name,
		"store.user":          defaults.Store.User,
		"store.password":      defaults.Store.Password,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyHTTPAddr indicates the HTTP listen address is empty.
	ErrEmptyHTTPAddr = errors.New("http.addr must not be empty")

	// ErrEmptyUDPAddr indicates the UDP listen address is empty.
	ErrEmptyUDPAddr = errors.New("udp.addr must not be empty")

	// ErrInvalidMaxChannels indicates the channel cap is not positive.
	ErrInvalidMaxChannels = errors.New("hub.max_channels must be >= 1")

	// ErrInvalidChannelTimeout indicates a non-positive idle timeout.
	ErrInvalidChannelTimeout = errors.New("hub.channel_timeout must be > 0")

	// ErrInvalidSyncInterval indicates a non-positive sync interval.
	ErrInvalidSyncInterval = errors.New("hub.sync_interval must be > 0")

	// ErrInvalidCommandTimeout indicates a non-positive command timeout.
	ErrInvalidCommandTimeout = errors.New("hub.command_timeout must be > 0")

	// ErrUnknownStoreDriver indicates an unrecognized store.driver value.
	ErrUnknownStoreDriver = errors.New("store.driver must be none, sqlite, or postgres")
)

// ValidStoreDrivers lists the recognized store driver strings.
var ValidStoreDrivers = map[string]bool{
	"none":     true,
	"sqlite":   true,
	"postgres": true,
}

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return ErrEmptyHTTPAddr
	}
	if cfg.UDP.Addr == "" {
		return ErrEmptyUDPAddr
	}
	if cfg.Hub.MaxChannels < 1 {
		return ErrInvalidMaxChannels
	}
	if cfg.Hub.ChannelTimeout <= 0 {
		return ErrInvalidChannelTimeout
	}
	if cfg.Hub.SyncInterval <= 0 {
		return ErrInvalidSyncInterval
	}
	if cfg.Hub.CommandTimeout <= 0 {
		return ErrInvalidCommandTimeout
	}
	if !ValidStoreDrivers[cfg.Store.Driver] {
		return fmt.Errorf("%w: %q", ErrUnknownStoreDriver, cfg.Store.Driver)
	}
	return nil
}

// ParseLogLevel maps a config level string to a slog.Level. Unrecognized
// values fall back to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
