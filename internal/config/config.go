// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by store.backend and storage.backend.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendNone   = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects where job records and tenant rate state live.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// RedisConfig addresses the shared store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LimitsConfig holds the per-tenant admission thresholds.
type LimitsConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxHourly     int           `mapstructure:"max_hourly"`
	ActiveTTL     time.Duration `mapstructure:"active_ttl"`
	HourlyWindow  time.Duration `mapstructure:"hourly_window"`
}

// JobsConfig governs job records and the background queue.
type JobsConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	ListLimit     int           `mapstructure:"list_limit"`
	DefaultTenant string        `mapstructure:"default_tenant"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// CrawlerConfig holds request defaults and fetcher identity.
type CrawlerConfig struct {
	MaxDepthDefault       int    `mapstructure:"max_depth_default"`
	MaxConcurrencyDefault int    `mapstructure:"max_concurrency_default"`
	ChunkSizeDefault      int    `mapstructure:"chunk_size_default"`
	MaxConcurrencyCap     int    `mapstructure:"max_concurrency_cap"`
	UserAgent             string `mapstructure:"user_agent"`
	IgnoreRobots          bool   `mapstructure:"ignore_robots"`
}

// HTTPConfig configures the HTTP fetcher.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// DispatcherConfig tunes memory-pressure backoff.
type DispatcherConfig struct {
	MemoryThresholdPercent float64       `mapstructure:"memory_threshold_percent"`
	CheckInterval          time.Duration `mapstructure:"check_interval"`
	// MemoryLimitMB of 0 uses the runtime memory limit.
	MemoryLimitMB int `mapstructure:"memory_limit_mb"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// StorageConfig selects the document blob backend.
type StorageConfig struct {
	Backend string        `mapstructure:"backend"`
	Bucket  string        `mapstructure:"bucket"`
	Prefix  string        `mapstructure:"prefix"`
	Local   LocalConfig   `mapstructure:"local"`
	SinkTTL time.Duration `mapstructure:"sink_ttl"`
}

// LocalConfig points the local blob backend at a directory.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the optional Postgres document store.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
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
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", BackendRedis)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "crawl:")
	v.SetDefault("limits.max_concurrent", 5)
	v.SetDefault("limits.max_hourly", 20)
	v.SetDefault("limits.active_ttl", 2*time.Hour)
	v.SetDefault("limits.hourly_window", time.Hour)
	v.SetDefault("jobs.retention", 24*time.Hour)
	v.SetDefault("jobs.list_limit", 20)
	v.SetDefault("jobs.default_tenant", "default")
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.drain_timeout", 30*time.Second)
	v.SetDefault("crawler.max_depth_default", 3)
	v.SetDefault("crawler.max_concurrency_default", 10)
	v.SetDefault("crawler.chunk_size_default", 5000)
	v.SetDefault("crawler.max_concurrency_cap", 50)
	v.SetDefault("crawler.user_agent", "ingest-crawler/0.1")
	v.SetDefault("crawler.ignore_robots", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("dispatcher.memory_threshold_percent", 70)
	v.SetDefault("dispatcher.check_interval", time.Second)
	v.SetDefault("dispatcher.memory_limit_mb", 0)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 50)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("storage.local.base_dir", "data/documents")
	v.SetDefault("storage.sink_ttl", 15*time.Minute)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "crawl_documents")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis store")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend %q must be redis or memory", c.Store.Backend)
	}
	if c.Limits.MaxConcurrent <= 0 || c.Limits.MaxHourly <= 0 {
		return fmt.Errorf("limits.max_concurrent and limits.max_hourly must be > 0")
	}
	if c.Limits.ActiveTTL <= 0 || c.Limits.HourlyWindow <= 0 {
		return fmt.Errorf("limits.active_ttl and limits.hourly_window must be > 0")
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be > 0")
	}
	if c.Jobs.QueueDepth <= 0 {
		return fmt.Errorf("jobs.queue_depth must be > 0")
	}
	if c.Crawler.MaxDepthDefault < 0 {
		return fmt.Errorf("crawler.max_depth_default must be >= 0")
	}
	if c.Crawler.MaxConcurrencyDefault <= 0 || c.Crawler.MaxConcurrencyCap <= 0 {
		return fmt.Errorf("crawler.max_concurrency_default and crawler.max_concurrency_cap must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if p := c.Dispatcher.MemoryThresholdPercent; p <= 0 || p > 100 {
		return fmt.Errorf("dispatcher.memory_threshold_percent must be in (0, 100]")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendNone:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be memory, local, gcs or none", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// FetchTimeout is the per-request budget of the HTTP fetcher.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavigationTimeout is the per-page budget of the headless browser.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
