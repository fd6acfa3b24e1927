package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/resilience"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/tracker"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/verify"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Site         SiteConfig         `yaml:"site" mapstructure:"site"`
	Tracking     TrackingConfig     `yaml:"tracking" mapstructure:"tracking"`
	Verification VerificationConfig `yaml:"verification" mapstructure:"verification"`
	Verifier     VerifierConfig     `yaml:"verifier" mapstructure:"verifier"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Events       EventsConfig       `yaml:"events" mapstructure:"events"`
	Report       ReportConfig       `yaml:"report" mapstructure:"report"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port         int      `yaml:"port" mapstructure:"port"`
	AllowOrigins []string `yaml:"allow_origins" mapstructure:"allow_origins"`
	MaxBodyMB    int      `yaml:"max_body_mb" mapstructure:"max_body_mb"`
}

// SiteConfig names the default site and camera for frames that omit them.
type SiteConfig struct {
	Location string `yaml:"location" mapstructure:"location"`
	CameraID string `yaml:"camera_id" mapstructure:"camera_id"`
}

// TrackingConfig configures the person tracker.
type TrackingConfig struct {
	CooldownSeconds     int     `yaml:"cooldown_seconds" mapstructure:"cooldown_seconds"`
	IoUThreshold        float64 `yaml:"iou_threshold" mapstructure:"iou_threshold"`
	TrackTimeoutSeconds int     `yaml:"track_timeout_seconds" mapstructure:"track_timeout_seconds"`
	SmoothingAlpha      float64 `yaml:"smoothing_alpha" mapstructure:"smoothing_alpha"`
}

// VerificationConfig configures the asynchronous verification scheduler.
type VerificationConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	Workers           int     `yaml:"workers" mapstructure:"workers"`
	QueueSize         int     `yaml:"queue_size" mapstructure:"queue_size"`
	HeadROIRatio      float64 `yaml:"head_roi_ratio" mapstructure:"head_roi_ratio"`
	TorsoROIStart     float64 `yaml:"torso_roi_start" mapstructure:"torso_roi_start"`
	CoverageThreshold float64 `yaml:"coverage_threshold" mapstructure:"coverage_threshold"`
	MinROISide        int     `yaml:"min_roi_side" mapstructure:"min_roi_side"`
	MaxROISide        int     `yaml:"max_roi_side" mapstructure:"max_roi_side"`
	RetentionSeconds  int     `yaml:"retention_seconds" mapstructure:"retention_seconds"`
	JobTimeoutSeconds int     `yaml:"job_timeout_seconds" mapstructure:"job_timeout_seconds"`
	WaitTimeoutMs     int     `yaml:"wait_timeout_ms" mapstructure:"wait_timeout_ms"`
	RatePerSec        float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	BreakerFailures   int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerCoolOffSec int     `yaml:"breaker_cooloff_secs" mapstructure:"breaker_cooloff_secs"`
	RetryAttempts     int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// VerifierConfig selects and configures the slow verifier backend.
type VerifierConfig struct {
	Provider  string          `yaml:"provider" mapstructure:"provider"`
	Segmenter SegmenterConfig `yaml:"segmenter" mapstructure:"segmenter"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
}

// SegmenterConfig holds the segmentation model server settings.
type SegmenterConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// MonitoringConfig configures the background checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	SweepIntervalSecs    int     `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	AccuracyThreshold    float64 `yaml:"accuracy_threshold" mapstructure:"accuracy_threshold"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	QueueBacklog         int     `yaml:"queue_backlog" mapstructure:"queue_backlog"`
	MinCompletedJobs     int     `yaml:"min_completed_jobs" mapstructure:"min_completed_jobs"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// EventsConfig configures session event publishing. An empty broker list
// disables publishing.
type EventsConfig struct {
	Brokers  string `yaml:"brokers" mapstructure:"brokers"`
	Topic    string `yaml:"topic" mapstructure:"topic"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Acks     string `yaml:"acks" mapstructure:"acks"`
	LingerMs int    `yaml:"linger_ms" mapstructure:"linger_ms"`
}

// ReportConfig configures the daily rollup export.
type ReportConfig struct {
	Dir          string `yaml:"dir" mapstructure:"dir"`
	MarkReported bool   `yaml:"mark_reported" mapstructure:"mark_reported"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "ppe_violations.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.max_body_mb", 20)
	v.SetDefault("site.location", "Construction Site A")
	v.SetDefault("site.camera_id", "CAM-001")
	v.SetDefault("tracking.cooldown_seconds", 300)
	v.SetDefault("tracking.iou_threshold", 0.3)
	v.SetDefault("tracking.track_timeout_seconds", 30)
	v.SetDefault("tracking.smoothing_alpha", 0.7)
	v.SetDefault("verification.enabled", true)
	v.SetDefault("verification.workers", 2)
	v.SetDefault("verification.queue_size", 64)
	v.SetDefault("verification.head_roi_ratio", 0.4)
	v.SetDefault("verification.torso_roi_start", 0.2)
	v.SetDefault("verification.coverage_threshold", 0.05)
	v.SetDefault("verification.min_roi_side", 20)
	v.SetDefault("verification.max_roi_side", 640)
	v.SetDefault("verification.retention_seconds", 600)
	v.SetDefault("verification.job_timeout_seconds", 30)
	v.SetDefault("verification.wait_timeout_ms", 10000)
	v.SetDefault("verification.rate_per_sec", 0)
	v.SetDefault("verification.burst", 1)
	v.SetDefault("verification.breaker_failures", 5)
	v.SetDefault("verification.breaker_cooloff_secs", 30)
	v.SetDefault("verification.retry_attempts", 2)
	v.SetDefault("verifier.provider", "stub")
	v.SetDefault("verifier.segmenter.base_url", "http://localhost:8500")
	v.SetDefault("verifier.segmenter.timeout_secs", 20)
	v.SetDefault("verifier.anthropic.key", "")
	v.SetDefault("verifier.anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("verifier.anthropic.max_tokens", 256)
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.sweep_interval_secs", 5)
	v.SetDefault("monitoring.accuracy_threshold", 80.0)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.queue_backlog", 48)
	v.SetDefault("monitoring.min_completed_jobs", 10)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("events.brokers", "")
	v.SetDefault("events.topic", "ppe.sessions")
	v.SetDefault("events.client_id", "ppe-monitor")
	v.SetDefault("events.acks", "all")
	v.SetDefault("events.linger_ms", 5)
	v.SetDefault("report.dir", "reports")
	v.SetDefault("report.mark_reported", true)

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

// Validate checks option ranges and the settings the chosen backends need.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite driver")
		}
	default:
		add("store.driver %q is not one of postgres, sqlite", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}

	t := c.Tracking
	if t.CooldownSeconds <= 0 {
		add("tracking.cooldown_seconds must be positive")
	}
	if t.TrackTimeoutSeconds <= 0 {
		add("tracking.track_timeout_seconds must be positive")
	}
	if !openUnit(t.IoUThreshold) {
		add("tracking.iou_threshold must be in (0, 1)")
	}
	if !openUnit(t.SmoothingAlpha) && t.SmoothingAlpha != 1 {
		add("tracking.smoothing_alpha must be in (0, 1]")
	}

	v := c.Verification
	if !openUnit(v.HeadROIRatio) {
		add("verification.head_roi_ratio must be in (0, 1)")
	}
	if !openUnit(v.TorsoROIStart) {
		add("verification.torso_roi_start must be in (0, 1)")
	}
	if !openUnit(v.CoverageThreshold) {
		add("verification.coverage_threshold must be in (0, 1)")
	}
	if v.Enabled {
		if v.Workers < 1 {
			add("verification.workers must be at least 1")
		}
		if v.QueueSize < 1 {
			add("verification.queue_size must be at least 1")
		}
		if v.RetentionSeconds <= 0 {
			add("verification.retention_seconds must be positive")
		}
		if v.MinROISide > v.MaxROISide {
			add("verification.min_roi_side exceeds max_roi_side")
		}
		switch c.Verifier.Provider {
		case "stub":
		case "segmenter":
			if c.Verifier.Segmenter.BaseURL == "" {
				add("verifier.segmenter.base_url is required")
			}
		case "anthropic":
			if c.Verifier.Anthropic.Key == "" {
				add("verifier.anthropic.key is required")
			}
		default:
			add("verifier.provider %q is not one of stub, segmenter, anthropic", c.Verifier.Provider)
		}
	}

	if c.Events.Brokers != "" && c.Events.Topic == "" {
		add("events.topic is required when events.brokers is set")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func openUnit(f float64) bool { return f > 0 && f < 1 }

// TrackerConfig converts the tracking section.
func (c *Config) TrackerConfig() tracker.Config {
	return tracker.Config{
		Cooldown:     time.Duration(c.Tracking.CooldownSeconds) * time.Second,
		IoUThreshold: c.Tracking.IoUThreshold,
		TrackTimeout: time.Duration(c.Tracking.TrackTimeoutSeconds) * time.Second,
		Alpha:        c.Tracking.SmoothingAlpha,
	}
}

// SchedulerConfig converts the verification section.
func (c *Config) SchedulerConfig() verify.Config {
	v := c.Verification
	return verify.Config{
		Workers:           v.Workers,
		QueueSize:         v.QueueSize,
		Geometry:          model.ROIGeometry{HeadRatio: v.HeadROIRatio, TorsoStart: v.TorsoROIStart},
		CoverageThreshold: v.CoverageThreshold,
		MinROISide:        v.MinROISide,
		MaxROISide:        v.MaxROISide,
		JobTimeout:        time.Duration(v.JobTimeoutSeconds) * time.Second,
	}
}

// GuardConfig converts the verifier call protection settings.
func (c *Config) GuardConfig() resilience.GuardConfig {
	v := c.Verification
	b := resilience.DefaultBackoff()
	b.Attempts = v.RetryAttempts
	return resilience.GuardConfig{
		Name: c.Verifier.Provider,
		Breaker: resilience.BreakerConfig{
			Failures: v.BreakerFailures,
			CoolOff:  time.Duration(v.BreakerCoolOffSec) * time.Second,
			Probes:   1,
		},
		Backoff:    b,
		RatePerSec: v.RatePerSec,
		Burst:      v.Burst,
	}
}

// Retention is how long finished verification jobs are kept.
func (v VerificationConfig) Retention() time.Duration {
	return time.Duration(v.RetentionSeconds) * time.Second
}

// WaitTimeout caps synchronous verification waits.
func (v VerificationConfig) WaitTimeout() time.Duration {
	return time.Duration(v.WaitTimeoutMs) * time.Millisecond
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
