package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Supplier   SupplierConfig   `yaml:"supplier" mapstructure:"supplier"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Progress   ProgressConfig   `yaml:"progress" mapstructure:"progress"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Uploads    UploadsConfig    `yaml:"uploads" mapstructure:"uploads"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Sweep      SweepConfig      `yaml:"sweep" mapstructure:"sweep"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig sizes the Postgres connection pool.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// PipelineConfig configures the stage orchestrator.
type PipelineConfig struct {
	ParseMaxAttempts      int `yaml:"parse_max_attempts" mapstructure:"parse_max_attempts"`
	RiskMaxAttempts       int `yaml:"risk_max_attempts" mapstructure:"risk_max_attempts"`
	EnrichmentMaxAttempts int `yaml:"enrichment_max_attempts" mapstructure:"enrichment_max_attempts"`
	StageBackoffMs        int `yaml:"stage_backoff_ms" mapstructure:"stage_backoff_ms"`
	SignalPollIntervalMs  int `yaml:"signal_poll_interval_ms" mapstructure:"signal_poll_interval_ms"`
}

// StageBackoff returns the initial backoff between stage retries.
func (p PipelineConfig) StageBackoff() time.Duration {
	return time.Duration(p.StageBackoffMs) * time.Millisecond
}

// SignalPollInterval returns how often the durable signal log is polled.
func (p PipelineConfig) SignalPollInterval() time.Duration {
	return time.Duration(p.SignalPollIntervalMs) * time.Millisecond
}

// EnrichmentConfig configures the enrichment sub-pipeline.
type EnrichmentConfig struct {
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSec         float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst              int     `yaml:"burst" mapstructure:"burst"`
	ItemTimeoutSecs    int     `yaml:"item_timeout_secs" mapstructure:"item_timeout_secs"`
	ItemMaxAttempts    int     `yaml:"item_max_attempts" mapstructure:"item_max_attempts"`
	AuditBatchSize     int     `yaml:"audit_batch_size" mapstructure:"audit_batch_size"`
	ProgressIntervalMs int     `yaml:"progress_interval_ms" mapstructure:"progress_interval_ms"`
	Prefilter          bool    `yaml:"prefilter" mapstructure:"prefilter"`
	BreakerThreshold   int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs   int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ItemTimeout returns the per-call timeout for supplier lookups.
func (e EnrichmentConfig) ItemTimeout() time.Duration {
	return time.Duration(e.ItemTimeoutSecs) * time.Second
}

// ProgressInterval returns the minimum gap between progress snapshots.
func (e EnrichmentConfig) ProgressInterval() time.Duration {
	return time.Duration(e.ProgressIntervalMs) * time.Millisecond
}

// BreakerReset returns how long the supplier breaker stays open.
func (e EnrichmentConfig) BreakerReset() time.Duration {
	return time.Duration(e.BreakerResetSecs) * time.Second
}

// SupplierConfig holds the component supplier API settings.
type SupplierConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CacheConfig bounds the supplier result cache.
type CacheConfig struct {
	Size       int `yaml:"size" mapstructure:"size"`
	TTLMinutes int `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// ProgressConfig selects the progress publisher.
type ProgressConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix" mapstructure:"channel_prefix"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// UploadsConfig locates uploaded BOM artifacts.
type UploadsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SweepConfig configures the periodic pending-pipeline sweep.
type SweepConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
	MinAgeSecs   int `yaml:"min_age_secs" mapstructure:"min_age_secs"`
}

// Interval returns the sweep period.
func (s SweepConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}

// MinAge returns how long a pending pipeline waits before a sweep adopts it.
func (s SweepConfig) MinAge() time.Duration {
	return time.Duration(s.MinAgeSecs) * time.Second
}

// MonitoringConfig configures pipeline health alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DegradedThreshold    float64 `yaml:"degraded_threshold" mapstructure:"degraded_threshold"`
	StaleMinutes         int     `yaml:"stale_minutes" mapstructure:"stale_minutes"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BOMPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("pipeline.parse_max_attempts", 3)
	v.SetDefault("pipeline.risk_max_attempts", 3)
	v.SetDefault("pipeline.enrichment_max_attempts", 3)
	v.SetDefault("pipeline.stage_backoff_ms", 1000)
	v.SetDefault("pipeline.signal_poll_interval_ms", 2000)
	v.SetDefault("enrichment.concurrency", 8)
	v.SetDefault("enrichment.rate_per_sec", 10.0)
	v.SetDefault("enrichment.burst", 10)
	v.SetDefault("enrichment.item_timeout_secs", 15)
	v.SetDefault("enrichment.item_max_attempts", 3)
	v.SetDefault("enrichment.audit_batch_size", 50)
	v.SetDefault("enrichment.progress_interval_ms", 500)
	v.SetDefault("enrichment.prefilter", true)
	v.SetDefault("enrichment.breaker_threshold", 5)
	v.SetDefault("enrichment.breaker_reset_secs", 30)
	v.SetDefault("supplier.base_url", "http://localhost:8081")
	v.SetDefault("supplier.timeout_secs", 20)
	v.SetDefault("cache.size", 10000)
	v.SetDefault("cache.ttl_minutes", 60)
	v.SetDefault("progress.driver", "memory")
	v.SetDefault("progress.redis_addr", "localhost:6379")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("uploads.dir", "./uploads")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("sweep.interval_secs", 60)
	v.SetDefault("sweep.min_age_secs", 120)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.degraded_threshold", 0.5)
	v.SetDefault("monitoring.stale_minutes", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys the given command mode depends on.
// Modes: run, import, serve, control.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	switch mode {
	case "import", "control":
	case "run", "serve":
		errs = append(errs, c.validatePipeline()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Progress.Driver == "redis" && c.Progress.RedisAddr == "" {
			errs = append(errs, "progress.redis_addr is required for the redis driver")
		}
		if c.Progress.Driver != "memory" && c.Progress.Driver != "redis" {
			errs = append(errs, fmt.Sprintf("progress.driver %q must be memory or redis", c.Progress.Driver))
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validatePipeline() []string {
	var errs []string
	if c.Enrichment.Concurrency < 1 || c.Enrichment.Concurrency > 64 {
		errs = append(errs, "enrichment.concurrency must be between 1 and 64")
	}
	if c.Enrichment.RatePerSec <= 0 {
		errs = append(errs, "enrichment.rate_per_sec must be > 0")
	}
	if c.Enrichment.ItemMaxAttempts < 1 {
		errs = append(errs, "enrichment.item_max_attempts must be >= 1")
	}
	if c.Enrichment.AuditBatchSize < 1 {
		errs = append(errs, "enrichment.audit_batch_size must be >= 1")
	}
	if c.Pipeline.EnrichmentMaxAttempts < 1 {
		errs = append(errs, "pipeline.enrichment_max_attempts must be >= 1")
	}
	if c.Supplier.BaseURL == "" {
		errs = append(errs, "supplier.base_url is required")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
