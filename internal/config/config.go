// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/webmonitor/internal/archive"
	"github.com/JakeFAU/webmonitor/internal/diffservice"
	"github.com/JakeFAU/webmonitor/internal/fetcher/ratelimit"
	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/pagelock"
	"github.com/JakeFAU/webmonitor/internal/publisher/pubsub"
	"github.com/JakeFAU/webmonitor/internal/storage/gcs"
	"github.com/JakeFAU/webmonitor/internal/storage/local"
	"github.com/JakeFAU/webmonitor/internal/storage/postgres"
	"github.com/JakeFAU/webmonitor/internal/storage/s3"
	"github.com/JakeFAU/webmonitor/internal/telemetry"
)

// EnvPrefix is prepended to every environment override, e.g.
// WEBMONITOR_DB_DSN for db.dsn.
const EnvPrefix = "WEBMONITOR"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Archive   ArchiveConfig        `mapstructure:"archive"`
	Storage   StorageConfig        `mapstructure:"storage"`
	DB        postgres.Config      `mapstructure:"db"`
	Redis     pagelock.RedisConfig `mapstructure:"redis"`
	Diff      diffservice.Config   `mapstructure:"diff"`
	Importer  ImporterConfig       `mapstructure:"importer"`
	Status    StatusConfig         `mapstructure:"status"`
	PubSub    pubsub.Config        `mapstructure:"pubsub"`
	Telemetry telemetry.Config     `mapstructure:"telemetry"`
	Logging   LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int   `mapstructure:"port"`
	ShutdownTimeoutSeconds int   `mapstructure:"shutdown_timeout_seconds"`
	// MaxImportBytes caps the size of a submitted import payload.
	MaxImportBytes         int64 `mapstructure:"max_import_bytes"`
}

// ShutdownTimeout bounds the graceful drain on exit.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ArchiveConfig configures the Archiver and the fetcher it downloads with.
type ArchiveConfig struct {
	archive.Config `mapstructure:",squash"`

	TimeoutSeconds int              `mapstructure:"timeout_seconds"`
	MaxRedirects   int              `mapstructure:"max_redirects"`
	UserAgent      string           `mapstructure:"user_agent"`
	MaxBodyBytes   int              `mapstructure:"max_body_bytes"`
	RateLimit      ratelimit.Config `mapstructure:"rate_limit"`
}

// Timeout returns the per-request fetch timeout.
func (c ArchiveConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig selects and configures the archive store backend.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	S3      s3.Config    `mapstructure:"s3"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// ImporterConfig holds the default batch options and the worker pool size.
type ImporterConfig struct {
	monitor.ImportOptions `mapstructure:",squash"`

	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// StatusConfig tunes the page status calculation.
type StatusConfig struct {
	WindowDays       int     `mapstructure:"window_days"`
	SuccessThreshold float64 `mapstructure:"success_threshold"`
}

// Window returns the lookback window.
func (c StatusConfig) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
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
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.max_import_bytes", 64<<20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("archive.allowed_hosts", []string{})
	v.SetDefault("archive.trust_allowed_hosts", false)
	v.SetDefault("archive.max_attempts", 3)
	v.SetDefault("archive.timeout_seconds", 30)
	v.SetDefault("archive.max_redirects", 10)
	v.SetDefault("archive.user_agent", "webmonitor-archiver/1.0")
	v.SetDefault("archive.max_body_bytes", 0)
	v.SetDefault("archive.rate_limit.rps_per_host", 5.0)
	v.SetDefault("archive.rate_limit.burst_per_host", 5)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local.base_dir", "data/archive")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl_seconds", 30)
	v.SetDefault("redis.key_prefix", "webmonitor:pagelock:")
	v.SetDefault("diff.base_url", "")
	v.SetDefault("diff.timeout_seconds", 30)
	v.SetDefault("diff.retries", 2)
	v.SetDefault("importer.create_pages", true)
	v.SetDefault("importer.skip_unchanged_versions", false)
	v.SetDefault("importer.update_behavior", string(monitor.UpdateSkip))
	v.SetDefault("importer.concurrency", 2)
	v.SetDefault("importer.queue_depth", 64)
	v.SetDefault("status.window_days", 14)
	v.SetDefault("status.success_threshold", 0.75)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("telemetry.service_name", "webmonitor")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 0.1)
	v.SetDefault("logging.development", true)
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
	if c.Archive.MaxAttempts < 0 {
		return fmt.Errorf("archive.max_attempts must be >= 0")
	}
	if c.Archive.TimeoutSeconds <= 0 {
		return fmt.Errorf("archive.timeout_seconds must be > 0")
	}
	if c.Archive.RateLimit.RPS < 0 {
		return fmt.Errorf("archive.rate_limit.rps_per_host must be >= 0")
	}
	if c.Archive.TrustAllowedHosts && len(c.Archive.AllowedHosts) == 0 {
		return fmt.Errorf("archive.allowed_hosts must be set when archive.trust_allowed_hosts is enabled")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.Importer.Concurrency <= 0 {
		return fmt.Errorf("importer.concurrency must be > 0")
	}
	if c.Importer.QueueDepth < 0 {
		return fmt.Errorf("importer.queue_depth must be >= 0")
	}
	if _, err := monitor.ParseUpdateBehavior(string(c.Importer.UpdateBehavior)); err != nil {
		return fmt.Errorf("importer.update_behavior: %w", err)
	}
	if c.Status.WindowDays <= 0 {
		return fmt.Errorf("status.window_days must be > 0")
	}
	if c.Status.SuccessThreshold <= 0 || c.Status.SuccessThreshold > 1 {
		return fmt.Errorf("status.success_threshold must be in (0, 1]")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be in [0, 1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendLocal:
		if strings.TrimSpace(s.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket must be set for the s3 backend")
		}
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, s3, gcs", s.Backend)
	}
	return nil
}
