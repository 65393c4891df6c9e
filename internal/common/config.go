package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Gemini      GeminiConfig    `toml:"gemini"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" validate:"required"`
}

type StorageConfig struct {
	Badger     BadgerConfig     `toml:"badger"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

type FilesystemConfig struct {
	Objects string `toml:"objects" validate:"required"` // Directory for original PDFs and page artifacts
}

type QueueConfig struct {
	PollInterval      string       `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	VisibilityTimeout string       `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int          `toml:"max_receive"`        // Max times a message can be received before it is dropped
	RetryDelay        string       `toml:"retry_delay"`        // Base delay for exponential backoff on handler failure
	Classify          WorkerConfig `toml:"classify"`
	Extract           WorkerConfig `toml:"extract"`
	Batch             WorkerConfig `toml:"batch"`
}

// WorkerConfig bounds a single queue's worker pool. RateLimit jobs are
// admitted per RateWindow across all workers of the pool.
type WorkerConfig struct {
	Concurrency int    `toml:"concurrency" validate:"min=1"`
	RateLimit   int    `toml:"rate_limit" validate:"min=1"`
	RateWindow  string `toml:"rate_window"`
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string `toml:"api_key"`      // Google Gemini API key
	TriageModel string `toml:"triage_model"` // Model used for classification requests
	FlashModel  string `toml:"flash_model"`  // Lower-cost extraction model
	ProModel    string `toml:"pro_model"`    // Higher-capability extraction model
	Timeout     string `toml:"timeout"`      // Per-request timeout as duration string
}

// PipelineConfig contains the dispatch and chunking parameters for the
// classification/extraction pipeline.
type PipelineConfig struct {
	BatchThreshold    int    `toml:"batch_threshold" validate:"min=1"`     // Page count above which the bulk Batch API path is used
	JobBatchSize      int    `toml:"job_batch_size" validate:"min=1"`      // Pages per immediate-path queue job
	ClassifyChunkSize int    `toml:"classify_chunk_size" validate:"min=1"` // Images per sync classification request
	ExtractChunkSize  int    `toml:"extract_chunk_size" validate:"min=1"`  // Images per sync extraction request
	BatchChunkSize    int    `toml:"batch_chunk_size" validate:"min=1"`    // Pages per bulk job submission
	PollDelay         string `toml:"poll_delay"`                           // Delay between bulk job polls
	MaxPollAttempts   int    `toml:"max_poll_attempts"`                    // 0 = poll until terminal (source behavior)
	RouteMixedToPro   bool   `toml:"route_mixed_to_pro"`                   // Route "mixed" pages to the pro model instead of flash
	PageMIMEType      string `toml:"page_mime_type"`                       // MIME type of stored page artifacts
}

type SchedulerConfig struct {
	Enabled       bool   `toml:"enabled"`
	SweepSchedule string `toml:"sweep_schedule"` // Cron schedule for the stale-lot sweep
	StaleAfter    string `toml:"stale_after"`    // Lot age before the sweep re-checks it
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in lectern.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/db",
			},
			Filesystem: FilesystemConfig{
				Objects: "./data/objects",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			VisibilityTimeout: "5m",
			MaxReceive:        5,
			RetryDelay:        "1m",
			Classify:          WorkerConfig{Concurrency: 2, RateLimit: 10, RateWindow: "60s"},
			Extract:           WorkerConfig{Concurrency: 2, RateLimit: 10, RateWindow: "60s"},
			Batch:             WorkerConfig{Concurrency: 3, RateLimit: 10, RateWindow: "60s"},
		},
		Gemini: GeminiConfig{
			TriageModel: "gemini-2.0-flash",
			FlashModel:  "gemini-2.5-flash",
			ProModel:    "gemini-2.5-pro",
			Timeout:     "5m",
		},
		Pipeline: PipelineConfig{
			BatchThreshold:    40,
			JobBatchSize:      25,
			ClassifyChunkSize: 10,
			ExtractChunkSize:  5,
			BatchChunkSize:    100,
			PollDelay:         "30s",
			MaxPollAttempts:   0, // poll until the provider reports a terminal state
			RouteMixedToPro:   false,
			PageMIMEType:      "application/pdf",
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			SweepSchedule: "@every 2m",
			StaleAfter:    "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration in layers: defaults, then each config
// file in order (later files override earlier ones), then environment
// variables. The merged result is validated before being returned.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks structural constraints and duration strings.
func Validate(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"queue.poll_interval":      config.Queue.PollInterval,
		"queue.visibility_timeout": config.Queue.VisibilityTimeout,
		"queue.retry_delay":        config.Queue.RetryDelay,
		"gemini.timeout":           config.Gemini.Timeout,
		"pipeline.poll_delay":      config.Pipeline.PollDelay,
		"scheduler.stale_after":    config.Scheduler.StaleAfter,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}

	return nil
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// applyEnvOverrides applies LECTERN_* environment variables over the loaded
// configuration. Only operationally useful settings are exposed this way.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("LECTERN_GEMINI_API_KEY"); v != "" {
		config.Gemini.APIKey = v
	}
	if v := os.Getenv("LECTERN_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("LECTERN_SERVER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("LECTERN_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("LECTERN_OBJECTS_PATH"); v != "" {
		config.Storage.Filesystem.Objects = v
	}
	if v := os.Getenv("LECTERN_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}
