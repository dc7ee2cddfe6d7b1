package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
database:
  driver: postgres
  dsn: postgres://events@localhost/events
  migrate: true
cache:
  redis_addr: localhost:6379
  search_ttl: 30m
ratelimit:
  search_per_minute: 3
search:
  timeout: 45s
  poll_interval: 500ms
jobs:
  max_concurrent: 8
  max_attempts: 3
queue:
  driver: pubsub
  project_id: events-dev
  topic: crawl-jobs
  subscription: crawl-jobs-sub
storage:
  backend: local
  local_dir: /tmp/raw
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" || !cfg.Database.Migrate {
		t.Fatalf("expected postgres with migrate, got %+v", cfg.Database)
	}
	if cfg.Cache.SearchTTL != 30*time.Minute {
		t.Fatalf("expected search ttl 30m, got %v", cfg.Cache.SearchTTL)
	}
	if cfg.RateLimit.SearchPerMinute != 3 || cfg.RateLimit.APIPerMinute != 100 {
		t.Fatalf("expected search override with api default, got %+v", cfg.RateLimit)
	}
	if cfg.Search.Timeout != 45*time.Second || cfg.Search.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected search overrides, got %+v", cfg.Search)
	}
	if cfg.Search.HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected default heartbeat, got %v", cfg.Search.HeartbeatInterval)
	}
	if cfg.Jobs.MaxConcurrent != 8 || cfg.Jobs.MaxAttempts != 3 {
		t.Fatalf("expected jobs overrides, got %+v", cfg.Jobs)
	}
	if cfg.Queue.Driver != "pubsub" || cfg.Queue.Subscription != "crawl-jobs-sub" {
		t.Fatalf("expected pubsub queue, got %+v", cfg.Queue)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "memory" || cfg.Queue.Driver != "memory" || cfg.Storage.Backend != "memory" {
		t.Fatalf("expected in-memory defaults, got %+v / %+v / %+v", cfg.Database, cfg.Queue, cfg.Storage)
	}
	if cfg.Jobs.MaxAttempts != 2 {
		t.Fatalf("expected two attempts by default, got %d", cfg.Jobs.MaxAttempts)
	}
	if cfg.RateLimit.BatchPerHour != 5 {
		t.Fatalf("expected batch limit 5, got %d", cfg.RateLimit.BatchPerHour)
	}
	now := time.Date(2030, 2, 1, 0, 0, 0, 0, time.UTC)
	if got := cfg.RetentionCutoff(now); !got.Equal(time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected retention cutoff %v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TECHEVENTS_SERVER_PORT", "7070")
	t.Setenv("TECHEVENTS_MANAGED_TOKEN", "token-123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected port from env, got %d", cfg.Server.Port)
	}
	if cfg.Managed.Token != "token-123" {
		t.Fatalf("expected managed token from env")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{name: "invalid port", mut: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "postgres without dsn", mut: func(c *Config) { c.Database.Driver = "postgres" }, want: "database.dsn"},
		{name: "unknown database", mut: func(c *Config) { c.Database.Driver = "sqlite" }, want: "database.driver"},
		{name: "pubsub missing topic", mut: func(c *Config) { c.Queue.Driver = "pubsub" }, want: "queue.project_id"},
		{name: "gcs missing bucket", mut: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "no attempts", mut: func(c *Config) { c.Jobs.MaxAttempts = 0 }, want: "jobs.max_attempts"},
		{
			name: "headless missing max parallel",
			mut: func(c *Config) {
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
			},
			want: "headless.max_parallel",
		},
		{name: "no retention", mut: func(c *Config) { c.Retention.KeepDays = 0 }, want: "retention.keep_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
