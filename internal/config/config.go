// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/worldbank-country-cache/internal/resolver"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage/gcs"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage/local"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage/postgres"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage/redis"
	"github.com/JakeFAU/worldbank-country-cache/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. COUNTRYCACHE_SERVER_PORT.
const EnvPrefix = "COUNTRYCACHE"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Publisher backends.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Upstream  UpstreamConfig   `mapstructure:"upstream"`
	Retry     RetryConfig      `mapstructure:"retry"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Publisher PublisherConfig  `mapstructure:"publisher"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// UpstreamConfig points at the World Bank hosts and bounds outbound traffic.
type UpstreamConfig struct {
	APIBaseURL         string  `mapstructure:"api_base_url"`
	SearchBaseURL      string  `mapstructure:"search_base_url"`
	DataBaseURL        string  `mapstructure:"data_base_url"`
	UserAgent          string  `mapstructure:"user_agent"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	BulkTimeoutSeconds int     `mapstructure:"bulk_timeout_seconds"`
	MaxBodyBytes       int     `mapstructure:"max_body_bytes"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second"`
	Burst              int     `mapstructure:"burst"`
}

// RetryConfig configures the dispatcher's linear backoff.
type RetryConfig struct {
	MaxAttempts       int   `mapstructure:"max_attempts"`
	BaseDelayMs       int   `mapstructure:"base_delay_ms"`
	RetryableStatuses []int `mapstructure:"retryable_statuses"`
}

// StorageConfig selects the record store backend.
type StorageConfig struct {
	Backend  string          `mapstructure:"backend"`
	Local    local.Config    `mapstructure:"local"`
	GCS      gcs.Config      `mapstructure:"gcs"`
	Postgres postgres.Config `mapstructure:"postgres"`
	Redis    redis.Config    `mapstructure:"redis"`
}

// PublisherConfig selects where cache notifications go.
type PublisherConfig struct {
	Backend     string `mapstructure:"backend"`
	ProjectID   string `mapstructure:"project_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize      int `mapstructure:"buffer_size"`
	MaxBatchEvents  int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs  int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSecs int `mapstructure:"sink_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("upstream.api_base_url", resolver.DefaultAPIBase)
	v.SetDefault("upstream.search_base_url", resolver.DefaultSearchBase)
	v.SetDefault("upstream.data_base_url", resolver.DefaultDataBase)
	v.SetDefault("upstream.user_agent", "worldbank-country-cache/1.0")
	v.SetDefault("upstream.timeout_seconds", 30)
	v.SetDefault("upstream.bulk_timeout_seconds", 120)
	v.SetDefault("upstream.max_body_bytes", 64<<20)
	v.SetDefault("upstream.requests_per_second", 0)
	v.SetDefault("upstream.burst", 1)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.retryable_statuses", []int{429})
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.base_dir", "data/countries")
	v.SetDefault("storage.gcs.prefix", "countrycache")
	v.SetDefault("storage.postgres.table", "country_records")
	v.SetDefault("storage.postgres.catalog_table", "country_catalog")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.prefix", "countrycache:")
	v.SetDefault("publisher.backend", PublisherNone)
	v.SetDefault("publisher.topic_prefix", "countrycache-")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "countrycache")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	if c.Upstream.BulkTimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.bulk_timeout_seconds must be > 0")
	}
	if c.Upstream.RequestsPerSecond < 0 {
		return fmt.Errorf("upstream.requests_per_second must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelayMs < 0 {
		return fmt.Errorf("retry.base_delay_ms must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Publisher.Backend {
	case PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id is required for the pubsub backend")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Timeout is the per-attempt upstream timeout.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BulkTimeout is the timeout of the bulk archive download.
func (c UpstreamConfig) BulkTimeout() time.Duration {
	return time.Duration(c.BulkTimeoutSeconds) * time.Second
}

// BaseDelay is the linear backoff step.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// ShutdownTimeout bounds graceful shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// MaxBatchWait converts the hub batching window.
func (c ProgressConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

// SinkTimeout converts the per-sink write timeout.
func (c ProgressConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutSecs) * time.Second
}
