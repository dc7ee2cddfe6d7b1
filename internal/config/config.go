// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Managed   ManagedConfig   `mapstructure:"managed"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Search    SearchConfig    `mapstructure:"search"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds non-streaming handlers.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DatabaseConfig selects and tunes the event and job store.
type DatabaseConfig struct {
	// Driver is "memory" or "postgres".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// Migrate applies the bundled schema at startup.
	Migrate bool `mapstructure:"migrate"`
}

// CacheConfig configures the remote cache and its in-process fallback.
type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	LocalMaxEntries int           `mapstructure:"local_max_entries"`
	SearchTTL       time.Duration `mapstructure:"search_ttl"`
}

// RateLimitConfig holds the per-class request limits.
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	SearchPerMinute int  `mapstructure:"search_per_minute"`
	APIPerMinute    int  `mapstructure:"api_per_minute"`
	BatchPerHour    int  `mapstructure:"batch_per_hour"`
}

// CrawlerConfig governs the direct crawl backends.
type CrawlerConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	DomainRPS         float64       `mapstructure:"domain_rps"`
	DomainBurst       int           `mapstructure:"domain_burst"`
	LumaBaseURL       string        `mapstructure:"luma_base_url"`
	EventbriteBaseURL string        `mapstructure:"eventbrite_base_url"`
}

// ManagedConfig points at the managed crawling service. Without a token the
// managed backends are not registered.
type ManagedConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	LumaActor       string        `mapstructure:"luma_actor"`
	EventbriteActor string        `mapstructure:"eventbrite_actor"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// PipelineConfig tunes event normalization and dedup.
type PipelineConfig struct {
	CompletenessThreshold int           `mapstructure:"completeness_threshold"`
	PastGrace             time.Duration `mapstructure:"past_grace"`
	FuzzyWindow           time.Duration `mapstructure:"fuzzy_window"`
	BackfillBelow         int           `mapstructure:"backfill_below"`
	BackfillTimeout       time.Duration `mapstructure:"backfill_timeout"`
}

// SearchConfig tunes the live search poll loop.
type SearchConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// JobsConfig controls job execution and retry.
type JobsConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	DefaultMaxItems int           `mapstructure:"default_max_items"`
}

// QueueConfig selects the job queue backend for the asynchronous path.
type QueueConfig struct {
	// Driver is "memory" or "pubsub".
	Driver         string `mapstructure:"driver"`
	Capacity       int    `mapstructure:"capacity"`
	Workers        int    `mapstructure:"workers"`
	ProjectID      string `mapstructure:"project_id"`
	Topic          string `mapstructure:"topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// StorageConfig selects where raw crawl output is archived.
type StorageConfig struct {
	// Backend is "memory", "local" or "gcs".
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// RetentionConfig controls the sweep of past events.
type RetentionConfig struct {
	KeepDays      int           `mapstructure:"keep_days"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ProgressConfig holds tuning knobs for the progress hub.
type ProgressConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TECHEVENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", false)
	v.SetDefault("cache.key_prefix", "techevents:")
	v.SetDefault("cache.dial_timeout", "2s")
	v.SetDefault("cache.local_max_entries", 10000)
	v.SetDefault("cache.search_ttl", "1h")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.search_per_minute", 10)
	v.SetDefault("ratelimit.api_per_minute", 100)
	v.SetDefault("ratelimit.batch_per_hour", 5)
	v.SetDefault("crawler.user_agent", "techevents-crawler/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.request_timeout", "20s")
	v.SetDefault("crawler.domain_rps", 1.0)
	v.SetDefault("crawler.domain_burst", 2)
	v.SetDefault("crawler.luma_base_url", "https://lu.ma")
	v.SetDefault("crawler.eventbrite_base_url", "https://www.eventbrite.com")
	v.SetDefault("managed.base_url", "https://api.apify.com")
	v.SetDefault("managed.timeout", "90s")
	v.SetDefault("managed.luma_actor", "lexis-solutions~lu-ma-scraper")
	v.SetDefault("managed.eventbrite_actor", "aitorsm~eventbrite")
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "30s")
	v.SetDefault("pipeline.completeness_threshold", 50)
	v.SetDefault("pipeline.past_grace", "24h")
	v.SetDefault("pipeline.fuzzy_window", "2h")
	v.SetDefault("pipeline.backfill_below", 70)
	v.SetDefault("pipeline.backfill_timeout", "10s")
	v.SetDefault("search.timeout", "120s")
	v.SetDefault("search.poll_interval", "2s")
	v.SetDefault("search.heartbeat_interval", "15s")
	v.SetDefault("jobs.max_concurrent", 4)
	v.SetDefault("jobs.timeout", "10m")
	v.SetDefault("jobs.max_attempts", 2)
	v.SetDefault("jobs.backoff_base", "2s")
	v.SetDefault("jobs.backoff_max", "1m")
	v.SetDefault("jobs.default_max_items", 50)
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.max_outstanding", 4)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/raw")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("retention.keep_days", 30)
	v.SetDefault("retention.sweep_interval", "6h")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", "1s")
	v.SetDefault("progress.sink_timeout", "2s")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "techevents-crawler")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set when database.driver is postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.Topic == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue.project_id, queue.topic and queue.subscription are required for pubsub")
		}
	default:
		return fmt.Errorf("queue.driver %q is not supported", c.Queue.Driver)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.max_concurrent must be > 0")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be > 0")
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must be >= 0")
	}
	if c.Search.Timeout <= 0 || c.Search.PollInterval <= 0 {
		return fmt.Errorf("search.timeout and search.poll_interval must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Retention.KeepDays <= 0 {
		return fmt.Errorf("retention.keep_days must be > 0")
	}
	return nil
}

// RetentionCutoff is the instant before which events are swept.
func (c Config) RetentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.Retention.KeepDays)
}
