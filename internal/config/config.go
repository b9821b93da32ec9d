// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// ErrInvalidConfig is returned when a loaded configuration value fails
// validation (e.g. a non-positive pool size).
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds all configuration for the application, following §6 of
// the core design's configuration option list.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// MaxConcurrentJobs bounds how many jobs the Job Queue leases at once.
	MaxConcurrentJobs int `env:"MAX_CONCURRENT_JOBS, default=3" json:"max_concurrent_jobs"`

	// WorkerPoolSize is the number of Render Worker slots a Coordinator owns.
	WorkerPoolSize int `env:"WORKER_POOL_SIZE, default=4" json:"worker_pool_size"`

	// RenderingTimeoutSec is the per-job rendering time budget. Bootstrap
	// uses it only to size the retention window for abandoned per-job
	// temp directories (twice this value); no deadline is applied to a
	// running job.
	RenderingTimeoutSec int `env:"RENDERING_TIMEOUT_SEC, default=1800" json:"rendering_timeout_sec"`

	// CallbackRetryCount is the Callback Emitter's retry budget.
	CallbackRetryCount int `env:"CALLBACK_RETRY_COUNT, default=3" json:"callback_retry_count"`

	// CallbackTimeoutSec is the Callback Emitter's per-attempt HTTP timeout.
	CallbackTimeoutSec int `env:"CALLBACK_TIMEOUT_SEC, default=30" json:"callback_timeout_sec"`

	// LeaseTimeoutSec bounds how long a leased job may stay active without
	// reaching a terminal state before the Job Queue's sweep requeues it.
	LeaseTimeoutSec int `env:"LEASE_TIMEOUT_SEC, default=600" json:"lease_timeout_sec"`

	// LeaseSweepIntervalSec controls how often the background lease-expiry
	// sweep runs.
	LeaseSweepIntervalSec int `env:"LEASE_SWEEP_INTERVAL_SEC, default=30" json:"lease_sweep_interval_sec"`

	// UseGPUEncoding is the NVENC encode toggle. It is reported by String
	// but not passed to the encoder: the Job Coordinator builds every
	// segment encode without UseGPU, so segments are encoded with libx264.
	UseGPUEncoding bool `env:"USE_GPU_ENCODING, default=true" json:"use_gpu_encoding"`

	// TempDir is the scratch directory for per-job segment and merge files.
	TempDir string `env:"TEMP_DIR, default=/tmp/render" json:"temp_dir"`

	// StoreURL is the Redis connection string backing the Job Queue and
	// Progress Store. Empty selects the in-memory implementations.
	StoreURL string `env:"STORE_URL" json:"-"`

	// FFmpegPath overrides the ffmpeg binary resolved from PATH.
	FFmpegPath string `env:"FFMPEG_PATH" json:"ffmpeg_path,omitempty"`

	// FFprobePath overrides the ffprobe binary resolved from PATH.
	FFprobePath string `env:"FFPROBE_PATH" json:"ffprobe_path,omitempty"`

	// Optional S3 settings for the final render upload.
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// RendererBaseURL points at the headless compositor's session API.
	RendererBaseURL string `env:"RENDERER_BASE_URL, default=http://localhost:9090" json:"renderer_base_url"`

	// RendererAPIKey authenticates against the compositor, if required.
	RendererAPIKey string `env:"RENDERER_API_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// RedisEnabled returns true if a Redis-backed store is configured.
// When false, the bootstrap layer falls back to the in-memory Queue
// and Progress Store.
func (c *Config) RedisEnabled() bool {
	return c.StoreURL != ""
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if a variable cannot be parsed or the loaded values
// fail Validate.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are internally consistent.
func (c *Config) Validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("%w: MAX_CONCURRENT_JOBS must be positive", ErrInvalidConfig)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("%w: WORKER_POOL_SIZE must be positive", ErrInvalidConfig)
	}
	if c.RenderingTimeoutSec <= 0 {
		return fmt.Errorf("%w: RENDERING_TIMEOUT_SEC must be positive", ErrInvalidConfig)
	}
	if c.CallbackRetryCount < 0 {
		return fmt.Errorf("%w: CALLBACK_RETRY_COUNT must not be negative", ErrInvalidConfig)
	}
	if c.CallbackTimeoutSec <= 0 {
		return fmt.Errorf("%w: CALLBACK_TIMEOUT_SEC must be positive", ErrInvalidConfig)
	}
	if c.LeaseTimeoutSec <= 0 {
		return fmt.Errorf("%w: LEASE_TIMEOUT_SEC must be positive", ErrInvalidConfig)
	}
	if c.LeaseSweepIntervalSec <= 0 {
		return fmt.Errorf("%w: LEASE_SWEEP_INTERVAL_SEC must be positive", ErrInvalidConfig)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, MaxConcurrentJobs: %d, WorkerPoolSize: %d, RenderingTimeoutSec: %d, "+
			"CallbackRetryCount: %d, CallbackTimeoutSec: %d, UseGPUEncoding: %t, TempDir: %s, "+
			"S3Bucket: %s, S3Region: %s, RendererBaseURL: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.MaxConcurrentJobs,
		c.WorkerPoolSize,
		c.RenderingTimeoutSec,
		c.CallbackRetryCount,
		c.CallbackTimeoutSec,
		c.UseGPUEncoding,
		c.TempDir,
		c.S3Bucket,
		c.S3Region,
		c.RendererBaseURL,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
