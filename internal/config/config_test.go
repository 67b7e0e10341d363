package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Limits.MaxConcurrent != 5 || cfg.Limits.MaxHourly != 20 {
		t.Fatalf("unexpected limits: %+v", cfg.Limits)
	}
	if cfg.Limits.ActiveTTL != 2*time.Hour || cfg.Limits.HourlyWindow != time.Hour {
		t.Fatalf("unexpected limit TTLs: %+v", cfg.Limits)
	}
	if cfg.Jobs.Retention != 24*time.Hour || cfg.Jobs.DefaultTenant != "default" {
		t.Fatalf("unexpected jobs config: %+v", cfg.Jobs)
	}
	if cfg.Crawler.MaxDepthDefault != 3 || cfg.Crawler.MaxConcurrencyDefault != 10 {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.Dispatcher.MemoryThresholdPercent != 70 {
		t.Fatalf("expected 70%% pressure threshold, got %v", cfg.Dispatcher.MemoryThresholdPercent)
	}
	if cfg.Redis.KeyPrefix != "crawl:" {
		t.Fatalf("expected crawl: prefix, got %q", cfg.Redis.KeyPrefix)
	}
	if got := cfg.FetchTimeout(); got != 30*time.Second {
		t.Fatalf("expected 30s fetch timeout, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
store:
  backend: memory
limits:
  max_concurrent: 2
  max_hourly: 7
  active_ttl: 30m
jobs:
  retention: 1h
  default_tenant: acme
crawler:
  max_concurrency_cap: 8
  user_agent: real-agent
http:
  timeout_seconds: 45
storage:
  backend: gcs
  bucket: docs-bucket
  sink_ttl: 5m
database:
  dsn: postgres://localhost/ingest
  max_conns: 9
pubsub:
  project_id: proj
  topic_name: crawl-complete
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
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Store.Backend != BackendMemory {
		t.Fatalf("expected memory store, got %q", cfg.Store.Backend)
	}
	if cfg.Limits.MaxConcurrent != 2 || cfg.Limits.MaxHourly != 7 || cfg.Limits.ActiveTTL != 30*time.Minute {
		t.Fatalf("expected limit overrides, got %+v", cfg.Limits)
	}
	if cfg.Limits.HourlyWindow != time.Hour {
		t.Fatalf("expected default hourly window to survive, got %v", cfg.Limits.HourlyWindow)
	}
	if cfg.Jobs.Retention != time.Hour || cfg.Jobs.DefaultTenant != "acme" {
		t.Fatalf("expected jobs overrides, got %+v", cfg.Jobs)
	}
	if cfg.Storage.Backend != BackendGCS || cfg.Storage.Bucket != "docs-bucket" || cfg.Storage.SinkTTL != 5*time.Minute {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.Database.MaxConns != 9 || cfg.Database.Table != "crawl_documents" {
		t.Fatalf("expected database overrides, got %+v", cfg.Database)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INGEST_LIMITS_MAX_HOURLY", "99")
	t.Setenv("INGEST_STORE_BACKEND", "memory")
	t.Setenv("PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Limits.MaxHourly != 99 {
		t.Fatalf("expected env max_hourly 99, got %d", cfg.Limits.MaxHourly)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Fatalf("expected env store backend, got %q", cfg.Store.Backend)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected PORT override, got %d", cfg.Server.Port)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:     ServerConfig{Port: 8080},
		Store:      StoreConfig{Backend: BackendMemory},
		Limits:     LimitsConfig{MaxConcurrent: 5, MaxHourly: 20, ActiveTTL: time.Hour, HourlyWindow: time.Hour},
		Jobs:       JobsConfig{Retention: time.Hour, QueueDepth: 4},
		Crawler:    CrawlerConfig{MaxConcurrencyDefault: 10, MaxConcurrencyCap: 50},
		HTTP:       HTTPConfig{TimeoutSeconds: 10},
		Dispatcher: DispatcherConfig{MemoryThresholdPercent: 70},
		Storage:    StorageConfig{Backend: BackendNone},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown store", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"redis without addr", func(c *Config) { c.Store.Backend = BackendRedis }, "redis.addr"},
		{"zero concurrency limit", func(c *Config) { c.Limits.MaxConcurrent = 0 }, "limits.max_concurrent"},
		{"zero retention", func(c *Config) { c.Jobs.Retention = 0 }, "jobs.retention"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"threshold too high", func(c *Config) { c.Dispatcher.MemoryThresholdPercent = 120 }, "memory_threshold_percent"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = BackendGCS }, "storage.bucket"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
