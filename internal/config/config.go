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
	Store     StoreConfig     `mapstructure:"store"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	CountersIntervalMs    int `mapstructure:"counters_interval_ms"`
	TopIntervalMs         int `mapstructure:"top_interval_ms"`
}

// StoreConfig controls access to the Redis key-value store.
type StoreConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// UpstreamConfig governs the master-list client.
type UpstreamConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	UserAgent           string `mapstructure:"user_agent"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	SyncIntervalMinutes int    `mapstructure:"sync_interval_minutes"`
}

// FetcherConfig governs address-lookup batching and backoff.
type FetcherConfig struct {
	BatchSize             int `mapstructure:"batch_size"`
	ChunkSize             int `mapstructure:"chunk_size"`
	ChunkIntervalMs       int `mapstructure:"chunk_interval_ms"`
	LookupTimeoutSeconds  int `mapstructure:"lookup_timeout_seconds"`
	BackoffFloorSeconds   int `mapstructure:"backoff_floor_seconds"`
	BackoffCeilingSeconds int `mapstructure:"backoff_ceiling_seconds"`
}

// ScannerConfig governs direct server probing.
type ScannerConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	Concurrency    int `mapstructure:"concurrency"`
}

// AggregateConfig governs the resource index and snapshot cadence.
type AggregateConfig struct {
	TopK            int `mapstructure:"top_k"`
	FlushAfterFolds int `mapstructure:"flush_after_folds"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
}

// WorkersConfig governs the in-process worker pool and task leases.
type WorkersConfig struct {
	Count                int     `mapstructure:"count"`
	BatchSize            int     `mapstructure:"batch_size"`
	IdleDelaySeconds     int     `mapstructure:"idle_delay_seconds"`
	AddressPriorityRatio float64 `mapstructure:"address_priority_ratio"`
	LeaseSeconds         int     `mapstructure:"lease_seconds"`
	MaxAttempts          int     `mapstructure:"max_attempts"`
}

// CacheConfig sizes the server record read cache.
type CacheConfig struct {
	Size       int `mapstructure:"size"`
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// NotifyConfig holds metadata for publish-subscribe notifications.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig sets the blob destination for snapshot history.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FXRADAR")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.counters_interval_ms", 2000)
	v.SetDefault("server.top_interval_ms", 10000)
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("upstream.base_url", "https://servers-frontend.fivem.net/api/servers")
	v.SetDefault("upstream.user_agent", "fxradar/0.1")
	v.SetDefault("upstream.timeout_seconds", 10)
	v.SetDefault("upstream.sync_interval_minutes", 10)
	v.SetDefault("fetcher.batch_size", 30)
	v.SetDefault("fetcher.chunk_size", 10)
	v.SetDefault("fetcher.chunk_interval_ms", 500)
	v.SetDefault("fetcher.lookup_timeout_seconds", 10)
	v.SetDefault("fetcher.backoff_floor_seconds", 5)
	v.SetDefault("fetcher.backoff_ceiling_seconds", 60)
	v.SetDefault("scanner.timeout_seconds", 4)
	v.SetDefault("scanner.concurrency", 150)
	v.SetDefault("aggregate.top_k", 100)
	v.SetDefault("aggregate.flush_after_folds", 32)
	v.SetDefault("aggregate.flush_interval_ms", 2000)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.batch_size", 30)
	v.SetDefault("workers.idle_delay_seconds", 2)
	v.SetDefault("workers.address_priority_ratio", 0.9)
	v.SetDefault("workers.lease_seconds", 90)
	v.SetDefault("workers.max_attempts", 0)
	v.SetDefault("cache.size", 2048)
	v.SetDefault("cache.ttl_seconds", 30)
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must be set")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	if c.Scanner.Concurrency <= 0 {
		return fmt.Errorf("scanner.concurrency must be > 0")
	}
	if c.Fetcher.BackoffFloorSeconds > c.Fetcher.BackoffCeilingSeconds {
		return fmt.Errorf("fetcher.backoff_floor_seconds must not exceed fetcher.backoff_ceiling_seconds")
	}
	if c.Workers.AddressPriorityRatio <= 0 || c.Workers.AddressPriorityRatio > 1 {
		return fmt.Errorf("workers.address_priority_ratio must be in (0, 1]")
	}
	if c.Workers.LeaseSeconds <= 0 {
		return fmt.Errorf("workers.lease_seconds must be > 0")
	}
	if c.Notify.ProjectID != "" && c.Notify.TopicName == "" {
		return fmt.Errorf("notify.topic_name must be set when notify.project_id is set")
	}
	return nil
}

// UpstreamTimeout converts the upstream timeout config into a duration.
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// SyncInterval converts the upstream sync cadence into a duration.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Upstream.SyncIntervalMinutes) * time.Minute
}

// Lease converts the worker lease config into a duration.
func (c Config) Lease() time.Duration {
	return time.Duration(c.Workers.LeaseSeconds) * time.Second
}
