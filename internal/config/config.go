// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for console log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the connection details for the local keyword store,
// which is both the export source and the import target of this process.
type DatabaseConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	MaxConns         int           `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout" yaml:"statement_timeout"`
}

// ServerConfig tunes the admin HTTP surface.
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// TargetConfig names one downstream replica reachable over HTTP.
type TargetConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// SyncConfig governs the synchronization engine. All knobs that were process
// global toggles in earlier incarnations of this system live here and are
// passed in explicitly at construction.
type SyncConfig struct {
	// Source labels snapshots exported by this process.
	Source  string         `mapstructure:"source" yaml:"source"`
	Targets []TargetConfig `mapstructure:"targets" yaml:"targets"`

	// Transient transport failures retry with bounded exponential backoff.
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`

	// StoreTimeout bounds single-store operations; TransportTimeout bounds a
	// full-graph transfer.
	StoreTimeout     time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
	TransportTimeout time.Duration `mapstructure:"transport_timeout" yaml:"transport_timeout"`

	// MaxPayloadBytes rejects oversized snapshot payloads at decode time.
	MaxPayloadBytes int64 `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes"`

	// PruneSubcategories enables hard deletion of target subcategories absent
	// from the source snapshot. Off by default to avoid orphaning history.
	PruneSubcategories bool `mapstructure:"prune_subcategories" yaml:"prune_subcategories"`

	// BatchSize caps how many mutations share one transaction.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// RateLimitRPS throttles individual requests against a remote target.
	RateLimitRPS float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
}

// DashboardConfig covers the cosmetic, display-only dashboard surface.
type DashboardConfig struct {
	// FallbackEnabled allows the overview endpoint to serve canned figures
	// when the store is down. The payload is always labeled as fallback data;
	// the sync endpoints never do this.
	FallbackEnabled bool `mapstructure:"fallback_enabled" yaml:"fallback_enabled"`
}

// Target looks up a configured sync target by name.
func (c *Config) Target(name string) (TargetConfig, bool) {
	for _, t := range c.Sync.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "kwsync")
	v.SetDefault("logger.log_file", "kwsync.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.statement_timeout", "30s")

	// -- Server --
	v.SetDefault("server.listen_addr", ":8001")
	v.SetDefault("server.request_timeout", "300s")

	// -- Sync --
	v.SetDefault("sync.source", "local-server-livedb")
	v.SetDefault("sync.retry_max_attempts", 3)
	v.SetDefault("sync.retry_base_delay", "1s")
	v.SetDefault("sync.retry_max_delay", "10s")
	v.SetDefault("sync.store_timeout", "30s")
	v.SetDefault("sync.transport_timeout", "300s")
	v.SetDefault("sync.max_payload_bytes", 32<<20)
	v.SetDefault("sync.prune_subcategories", false)
	v.SetDefault("sync.batch_size", 200)
	v.SetDefault("sync.rate_limit_rps", 10.0)

	// -- Dashboard --
	v.SetDefault("dashboard.fallback_enabled", true)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object,
// binding sensitive values from the environment and validating the result.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("database.url", "KWSYNC_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Sync.RetryMaxAttempts <= 0 {
		return fmt.Errorf("sync.retry_max_attempts must be a positive integer")
	}
	if c.Sync.RetryBaseDelay <= 0 || c.Sync.RetryMaxDelay < c.Sync.RetryBaseDelay {
		return fmt.Errorf("sync retry delays must be positive and max >= base")
	}
	if c.Sync.StoreTimeout <= 0 || c.Sync.TransportTimeout <= 0 {
		return fmt.Errorf("sync timeouts must be positive durations")
	}
	if c.Sync.MaxPayloadBytes <= 0 {
		return fmt.Errorf("sync.max_payload_bytes must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be a positive integer")
	}
	seen := make(map[string]struct{}, len(c.Sync.Targets))
	for _, t := range c.Sync.Targets {
		if t.Name == "" || t.URL == "" {
			return fmt.Errorf("sync targets require both name and url")
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate sync target name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}
