// Package config loads and validates chapterbot configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Fetcher modes.
const (
	FetcherHeadless = "headless"
	FetcherHTTP     = "http"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Snapshot backends.
const (
	SnapshotsNone   = "none"
	SnapshotsMemory = "memory"
	SnapshotsLocal  = "local"
	SnapshotsGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Cycle     CycleConfig     `mapstructure:"cycle"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Errors    ErrorsConfig    `mapstructure:"errors"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CycleConfig governs update cycle pacing and scheduling.
type CycleConfig struct {
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	BatchSize            int           `mapstructure:"batch_size"`
	BatchInterval        time.Duration `mapstructure:"batch_interval"`
	StaleThresholdHours  int           `mapstructure:"stale_threshold_hours"`
	ListLimit            int           `mapstructure:"list_limit"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	GracefulShutdownWait time.Duration `mapstructure:"graceful_shutdown_wait"`
	BusyRetry            time.Duration `mapstructure:"busy_retry"`
}

// StaleThreshold converts the hour count into a duration.
func (c CycleConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdHours) * time.Hour
}

// ThrottleConfig holds origin pacing and breaker cooldowns.
type ThrottleConfig struct {
	MinRequestGap time.Duration `mapstructure:"min_request_gap"`
	LongCooldown  time.Duration `mapstructure:"long_cooldown"`
	ShortCooldown time.Duration `mapstructure:"short_cooldown"`
}

// ErrorsConfig bounds the status error log.
type ErrorsConfig struct {
	Max    int `mapstructure:"max"`
	Retain int `mapstructure:"retain"`
}

// FetcherConfig selects and tunes the page fetcher.
type FetcherConfig struct {
	Mode           string        `mapstructure:"mode"`
	UserAgent      string        `mapstructure:"user_agent"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	LaunchTimeout  time.Duration `mapstructure:"launch_timeout"`
	ExecPath       string        `mapstructure:"exec_path"`
	NoSandbox      bool          `mapstructure:"no_sandbox"`
}

// DatabaseConfig controls access to the source store. For sqlite the DSN
// is a file path.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// SnapshotsConfig picks where unparseable pages are archived.
type SnapshotsConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for chapter event publishing. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether publishing is configured.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.Topic != ""
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHAPTERBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := v.BindEnv("database.dsn", "CHAPTERBOT_DATABASE_DSN", "DATABASE_URL"); err != nil {
		return Config{}, fmt.Errorf("bind database env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 2*time.Minute)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("cycle.check_interval", 30*time.Minute)
	v.SetDefault("cycle.batch_size", 5)
	v.SetDefault("cycle.batch_interval", 10*time.Second)
	v.SetDefault("cycle.stale_threshold_hours", 24)
	v.SetDefault("cycle.list_limit", 0)
	v.SetDefault("cycle.fetch_timeout", 45*time.Second)
	v.SetDefault("cycle.graceful_shutdown_wait", 30*time.Second)
	v.SetDefault("cycle.busy_retry", 30*time.Second)
	v.SetDefault("throttle.min_request_gap", 5*time.Second)
	v.SetDefault("throttle.long_cooldown", 6*time.Hour)
	v.SetDefault("throttle.short_cooldown", 30*time.Minute)
	v.SetDefault("errors.max", 100)
	v.SetDefault("errors.retain", 50)
	v.SetDefault("fetcher.mode", FetcherHeadless)
	v.SetDefault("fetcher.user_agent", "")
	v.SetDefault("fetcher.accept_language", "")
	v.SetDefault("fetcher.launch_timeout", 60*time.Second)
	v.SetDefault("fetcher.exec_path", "")
	v.SetDefault("fetcher.no_sandbox", false)
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.migrate", true)
	v.SetDefault("snapshots.backend", SnapshotsNone)
	v.SetDefault("snapshots.dir", "data/snapshots")
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Cycle.CheckInterval <= 0 {
		return fmt.Errorf("cycle.check_interval must be > 0")
	}
	if c.Cycle.BatchSize <= 0 {
		return fmt.Errorf("cycle.batch_size must be > 0")
	}
	if c.Cycle.BatchInterval < 0 {
		return fmt.Errorf("cycle.batch_interval must be >= 0")
	}
	if c.Cycle.StaleThresholdHours <= 0 {
		return fmt.Errorf("cycle.stale_threshold_hours must be > 0")
	}
	if c.Cycle.ListLimit < 0 {
		return fmt.Errorf("cycle.list_limit must be >= 0")
	}
	if c.Cycle.FetchTimeout <= 0 {
		return fmt.Errorf("cycle.fetch_timeout must be > 0")
	}
	if c.Cycle.GracefulShutdownWait <= 0 {
		return fmt.Errorf("cycle.graceful_shutdown_wait must be > 0")
	}
	if c.Throttle.MinRequestGap < 0 {
		return fmt.Errorf("throttle.min_request_gap must be >= 0")
	}
	if c.Throttle.LongCooldown <= 0 || c.Throttle.ShortCooldown <= 0 {
		return fmt.Errorf("throttle cooldowns must be > 0")
	}
	if c.Errors.Max <= 0 || c.Errors.Retain <= 0 {
		return fmt.Errorf("errors.max and errors.retain must be > 0")
	}
	if c.Errors.Retain > c.Errors.Max {
		return fmt.Errorf("errors.retain must be <= errors.max")
	}
	switch c.Fetcher.Mode {
	case FetcherHeadless, FetcherHTTP:
	default:
		return fmt.Errorf("fetcher.mode must be %q or %q, got %q", FetcherHeadless, FetcherHTTP, c.Fetcher.Mode)
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn (or DATABASE_URL) is required for postgres")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	switch c.Snapshots.Backend {
	case SnapshotsNone, SnapshotsMemory:
	case SnapshotsLocal:
		if c.Snapshots.Dir == "" {
			return fmt.Errorf("snapshots.dir is required for the local backend")
		}
	case SnapshotsGCS:
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown snapshots.backend %q", c.Snapshots.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}
