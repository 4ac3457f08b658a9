package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
cycle:
  check_interval: 15m
  batch_size: 3
  batch_interval: 2s
  stale_threshold_hours: 12
  list_limit: 40
throttle:
  min_request_gap: 1s
  long_cooldown: 2h
  short_cooldown: 5m
errors:
  max: 20
  retain: 10
fetcher:
  mode: http
  user_agent: test-agent
database:
  driver: sqlite
  dsn: /tmp/chapterbot.db
snapshots:
  backend: gcs
  bucket: pages
pubsub:
  project_id: proj
  topic: chapters
logging:
  development: true
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("auth not loaded: %+v", cfg.Auth)
	}
	if cfg.Cycle.CheckInterval != 15*time.Minute || cfg.Cycle.BatchSize != 3 || cfg.Cycle.BatchInterval != 2*time.Second {
		t.Fatalf("cycle not loaded: %+v", cfg.Cycle)
	}
	if cfg.Cycle.StaleThreshold() != 12*time.Hour || cfg.Cycle.ListLimit != 40 {
		t.Fatalf("staleness not loaded: %+v", cfg.Cycle)
	}
	if cfg.Throttle.MinRequestGap != time.Second || cfg.Throttle.LongCooldown != 2*time.Hour {
		t.Fatalf("throttle not loaded: %+v", cfg.Throttle)
	}
	if cfg.Errors.Max != 20 || cfg.Errors.Retain != 10 {
		t.Fatalf("errors not loaded: %+v", cfg.Errors)
	}
	if cfg.Fetcher.Mode != FetcherHTTP || cfg.Fetcher.UserAgent != "test-agent" {
		t.Fatalf("fetcher not loaded: %+v", cfg.Fetcher)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.DSN != "/tmp/chapterbot.db" {
		t.Fatalf("database not loaded: %+v", cfg.Database)
	}
	if cfg.Snapshots.Backend != SnapshotsGCS || cfg.Snapshots.Bucket != "pages" {
		t.Fatalf("snapshots not loaded: %+v", cfg.Snapshots)
	}
	if !cfg.PubSub.Enabled() {
		t.Fatalf("expected pubsub enabled")
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("logging not loaded: %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "database:\n  dsn: postgres://localhost/novels\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cycle.CheckInterval != 30*time.Minute {
		t.Fatalf("expected 30m check interval, got %s", cfg.Cycle.CheckInterval)
	}
	if cfg.Cycle.BatchSize != 5 || cfg.Cycle.BatchInterval != 10*time.Second {
		t.Fatalf("unexpected batch defaults: %+v", cfg.Cycle)
	}
	if cfg.Cycle.StaleThreshold() != 24*time.Hour {
		t.Fatalf("expected 24h stale threshold, got %s", cfg.Cycle.StaleThreshold())
	}
	if cfg.Cycle.FetchTimeout != 45*time.Second || cfg.Cycle.GracefulShutdownWait != 30*time.Second {
		t.Fatalf("unexpected timeout defaults: %+v", cfg.Cycle)
	}
	if cfg.Throttle.MinRequestGap != 5*time.Second ||
		cfg.Throttle.LongCooldown != 6*time.Hour ||
		cfg.Throttle.ShortCooldown != 30*time.Minute {
		t.Fatalf("unexpected throttle defaults: %+v", cfg.Throttle)
	}
	if cfg.Errors.Max != 100 || cfg.Errors.Retain != 50 {
		t.Fatalf("unexpected error log defaults: %+v", cfg.Errors)
	}
	if cfg.Fetcher.Mode != FetcherHeadless || cfg.Database.Driver != DriverPostgres {
		t.Fatalf("unexpected mode defaults: %s %s", cfg.Fetcher.Mode, cfg.Database.Driver)
	}
	if cfg.Snapshots.Backend != SnapshotsNone || cfg.PubSub.Enabled() {
		t.Fatalf("optional backends should be off by default")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CHAPTERBOT_DATABASE_DRIVER", "sqlite")
	t.Setenv("CHAPTERBOT_CYCLE_BATCH_SIZE", "9")
	t.Setenv("CHAPTERBOT_THROTTLE_LONG_COOLDOWN", "3h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cycle.BatchSize != 9 {
		t.Fatalf("expected batch size 9, got %d", cfg.Cycle.BatchSize)
	}
	if cfg.Throttle.LongCooldown != 3*time.Hour {
		t.Fatalf("expected 3h cooldown, got %s", cfg.Throttle.LongCooldown)
	}
}

func TestLoadDatabaseURLFallback(t *testing.T) {
	t.Setenv("CHAPTERBOT_DATABASE_DSN", "")
	t.Setenv("DATABASE_URL", "postgres://fallback/novels")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.DSN != "postgres://fallback/novels" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", cfg.Database.DSN)
	}
}

func TestLoadRequiresPostgresDSN(t *testing.T) {
	t.Setenv("CHAPTERBOT_DATABASE_DSN", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "database.dsn") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server: ServerConfig{Port: 8080},
			Cycle: CycleConfig{
				CheckInterval:        time.Minute,
				BatchSize:            1,
				StaleThresholdHours:  1,
				FetchTimeout:         time.Second,
				GracefulShutdownWait: time.Second,
			},
			Throttle:  ThrottleConfig{LongCooldown: time.Hour, ShortCooldown: time.Minute},
			Errors:    ErrorsConfig{Max: 10, Retain: 5},
			Fetcher:   FetcherConfig{Mode: FetcherHTTP},
			Database:  DatabaseConfig{Driver: DriverSQLite},
			Snapshots: SnapshotsConfig{Backend: SnapshotsNone},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"port":         {func(c *Config) { c.Server.Port = 0 }, "server.port"},
		"auth key":     {func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		"batch size":   {func(c *Config) { c.Cycle.BatchSize = 0 }, "cycle.batch_size"},
		"stale hours":  {func(c *Config) { c.Cycle.StaleThresholdHours = -1 }, "stale_threshold_hours"},
		"list limit":   {func(c *Config) { c.Cycle.ListLimit = -1 }, "cycle.list_limit"},
		"retain":       {func(c *Config) { c.Errors.Retain = 11 }, "errors.retain"},
		"cooldown":     {func(c *Config) { c.Throttle.ShortCooldown = 0 }, "cooldowns"},
		"mode":         {func(c *Config) { c.Fetcher.Mode = "curl" }, "fetcher.mode"},
		"driver":       {func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		"postgres dsn": {func(c *Config) { c.Database.Driver = DriverPostgres }, "database.dsn"},
		"gcs bucket":   {func(c *Config) { c.Snapshots.Backend = SnapshotsGCS }, "snapshots.bucket"},
		"backend":      {func(c *Config) { c.Snapshots.Backend = "s3" }, "snapshots.backend"},
		"pubsub pair":  {func(c *Config) { c.PubSub.Topic = "t" }, "pubsub"},
	}
	for name, tc := range tests {
		cfg := valid()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", name, tc.want, err)
		}
	}
}
