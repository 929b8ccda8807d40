// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pricing-webhooks/internal/fetcher/ftp"
	"github.com/JakeFAU/pricing-webhooks/internal/fetcher/gcs"
	"github.com/JakeFAU/pricing-webhooks/internal/fetcher/local"
	"github.com/JakeFAU/pricing-webhooks/internal/policy/ratelimit"
	"github.com/JakeFAU/pricing-webhooks/internal/pricing"
	"github.com/JakeFAU/pricing-webhooks/internal/retry"
)

// Fetcher backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendFTP    = "ftp"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	API        APIConfig        `mapstructure:"api"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// APIConfig governs request handling.
type APIConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	Auth           AuthConfig    `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BackoffConfig is the config-file shape of a retry.Policy.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

// Policy converts the backoff settings into a retry.Policy with the given
// attempt budget.
func (b BackoffConfig) Policy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:     attempts,
		InitialInterval: b.Initial,
		MaxInterval:     b.Max,
		Multiplier:      b.Multiplier,
		Jitter:          b.Jitter,
	}
}

// DispatcherConfig governs event intake and submission.
type DispatcherConfig struct {
	SubmitAttempts int           `mapstructure:"submit_attempts"`
	MaxResources   int           `mapstructure:"max_resources"`
	FinalWait      time.Duration `mapstructure:"final_wait"`
	Backoff        BackoffConfig `mapstructure:"backoff"`
}

// WorkerConfig sizes the job pool.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	PriceKeys   []string      `mapstructure:"price_keys"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

// TrackerConfig tunes batch completion tracking.
type TrackerConfig struct {
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	TombstoneTTL     time.Duration `mapstructure:"tombstone_ttl"`
	FinalizeAttempts int           `mapstructure:"finalize_attempts"`
	MaxErrorNotes    int           `mapstructure:"max_error_notes"`
	Backoff          BackoffConfig `mapstructure:"backoff"`
}

// PricingConfig holds per-provider price conventions.
type PricingConfig struct {
	Providers map[string]pricing.ConventionConfig `mapstructure:"providers"`
}

// FetcherConfig selects where resource records are read from.
type FetcherConfig struct {
	Backend   string           `mapstructure:"backend"`
	FTP       ftp.Config       `mapstructure:"ftp"`
	GCS       gcs.Config       `mapstructure:"gcs"`
	Local     local.Config     `mapstructure:"local"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
}

// DatabaseConfig controls the event store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig sizes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	PersistCounts  bool          `mapstructure:"persist_counts"`
}

// RetentionConfig drives the purge command.
type RetentionConfig struct {
	PurgeAfter time.Duration `mapstructure:"purge_after"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBHOOKS")
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
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("api.request_timeout", 10*time.Second)
	v.SetDefault("api.max_body_bytes", 1<<20)
	v.SetDefault("dispatcher.submit_attempts", 5)
	v.SetDefault("dispatcher.max_resources", 10000)
	v.SetDefault("dispatcher.final_wait", 10*time.Second)
	v.SetDefault("dispatcher.backoff.initial", 250*time.Millisecond)
	v.SetDefault("dispatcher.backoff.max", 5*time.Second)
	v.SetDefault("dispatcher.backoff.multiplier", 2.0)
	v.SetDefault("dispatcher.backoff.jitter", 0.5)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 256)
	v.SetDefault("worker.job_timeout", 30*time.Second)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.price_keys", []string{"price", "amount"})
	v.SetDefault("worker.backoff.initial", 500*time.Millisecond)
	v.SetDefault("worker.backoff.max", 10*time.Second)
	v.SetDefault("worker.backoff.multiplier", 2.0)
	v.SetDefault("worker.backoff.jitter", 0.5)
	v.SetDefault("tracker.grace_period", 30*time.Second)
	v.SetDefault("tracker.stale_after", 15*time.Minute)
	v.SetDefault("tracker.sweep_interval", 30*time.Second)
	v.SetDefault("tracker.tombstone_ttl", time.Hour)
	v.SetDefault("tracker.finalize_attempts", 5)
	v.SetDefault("tracker.max_error_notes", 20)
	v.SetDefault("tracker.backoff.initial", 250*time.Millisecond)
	v.SetDefault("tracker.backoff.max", 5*time.Second)
	v.SetDefault("tracker.backoff.multiplier", 2.0)
	v.SetDefault("tracker.backoff.jitter", 0.5)
	v.SetDefault("fetcher.backend", BackendMemory)
	v.SetDefault("fetcher.ftp.max_conns", 4)
	v.SetDefault("fetcher.ftp.dial_timeout", 10*time.Second)
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.table", "webhook_events")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("pubsub.topic_name", "webhook-events-completed")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.persist_counts", true)
	v.SetDefault("retention.purge_after", 30*24*time.Hour)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be > 0")
	}
	if c.Dispatcher.FinalWait < 0 {
		return fmt.Errorf("dispatcher.final_wait must be >= 0")
	}
	if c.Dispatcher.MaxResources < 0 {
		return fmt.Errorf("dispatcher.max_resources must be >= 0")
	}
	if c.API.Auth.Enabled && c.API.Auth.APIKey == "" {
		return fmt.Errorf("api.auth.api_key must be set when auth is enabled")
	}
	if _, err := pricing.FromConfig(c.Pricing.Providers); err != nil {
		return fmt.Errorf("pricing.providers: %w", err)
	}

	switch c.Fetcher.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Fetcher.Local.BaseDir == "" {
			return fmt.Errorf("fetcher.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Fetcher.GCS.Bucket == "" {
			return fmt.Errorf("fetcher.gcs.bucket is required for the gcs backend")
		}
	case BackendFTP:
		if c.Fetcher.FTP.Addr == "" {
			return fmt.Errorf("fetcher.ftp.addr is required for the ftp backend")
		}
	default:
		return fmt.Errorf("fetcher.backend %q is not supported", c.Fetcher.Backend)
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	return nil
}
