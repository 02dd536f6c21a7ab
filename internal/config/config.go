// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/doc-transcribe-worker/pkg/retryx"
)

// Queue modes.
const (
	QueueModeSingle      = "single"
	QueueModeBoth        = "both"
	QueueModePartitioned = "partitioned"
)

// Queue source labels used in logs, metrics and DLQ entries.
const (
	SourcePrimary       = "primary"
	SourceLocal         = "local"
	SourceCloud         = "cloud"
	SourceOCR           = "ocr"
	SourceTranscription = "transcription"
)

// Config holds all worker configuration parsed from environment variables.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	GCPProjectID  string `env:"GCP_PROJECT_ID"`
	GCPLocation   string `env:"GCP_LOCATION" envDefault:"us-central1"`
	GCSBucketName string `env:"GCS_BUCKET_NAME"`

	ModelName     string `env:"MODEL_NAME" envDefault:"gemini-2.5-flash"`
	ModelEndpoint string `env:"MODEL_ENDPOINT"`
	PromptFile    string `env:"PROMPT_FILE"`
	PromptName    string `env:"PROMPT_NAME"`

	QueueMode string `env:"QUEUE_MODE" envDefault:"single" validate:"oneof=single both partitioned"`
	QueueName string `env:"QUEUE_NAME" envDefault:"doc_jobs"`
	DLQName   string `env:"DLQ_NAME" envDefault:"doc_jobs_dead"`

	LocalQueueName string `env:"LOCAL_QUEUE_NAME"`
	LocalDLQName   string `env:"LOCAL_DLQ_NAME"`
	CloudQueueName string `env:"CLOUD_QUEUE_NAME"`
	CloudDLQName   string `env:"CLOUD_DLQ_NAME"`

	OCRQueueName           string `env:"OCR_QUEUE_NAME"`
	OCRDLQName             string `env:"OCR_DLQ_NAME"`
	TranscriptionQueueName string `env:"TRANSCRIPTION_QUEUE_NAME"`
	TranscriptionDLQName   string `env:"TRANSCRIPTION_DLQ_NAME"`

	MaxInflightOCR           int `env:"WORKER_MAX_INFLIGHT_OCR" envDefault:"1" validate:"min=0,max=100"`
	MaxInflightTranscription int `env:"WORKER_MAX_INFLIGHT_TRANSCRIPTION" envDefault:"1" validate:"min=0,max=100"`

	RetryBudgetTransient int `env:"RETRY_BUDGET_TRANSIENT" envDefault:"2" validate:"min=0,max=10"`
	RetryBudgetMedia     int `env:"RETRY_BUDGET_MEDIA" envDefault:"0" validate:"min=0,max=10"`
	RetryBudgetDefault   int `env:"RETRY_BUDGET_DEFAULT" envDefault:"0" validate:"min=0,max=10"`

	OCRDPI                    int  `env:"OCR_DPI" envDefault:"300" validate:"min=72,max=600"`
	OCRPageBatchSize          int  `env:"OCR_PAGE_BATCH_SIZE" envDefault:"0" validate:"min=0,max=500"`
	OCRPageRetries            int  `env:"OCR_PAGE_RETRIES" envDefault:"2" validate:"min=0"`
	OCRAllowEmptyPageFallback bool `env:"OCR_ALLOW_EMPTY_PAGE_FALLBACK" envDefault:"true"`
	ChunkDurationSec          int  `env:"TRANSCRIBE_CHUNK_DURATION_SEC" envDefault:"300" validate:"min=30,max=3600"`

	BRPopTimeout           time.Duration `env:"BRPOP_TIMEOUT" envDefault:"10s"`
	MaxIdleBeforeReconnect time.Duration `env:"MAX_IDLE_BEFORE_RECONNECT" envDefault:"60s"`

	RedisRetries       int     `env:"WORKER_REDIS_RETRIES" envDefault:"2" validate:"min=0"`
	RedisBackoffSec    float64 `env:"WORKER_REDIS_BACKOFF_SEC" envDefault:"0.15"`
	RedisMaxBackoffSec float64 `env:"WORKER_REDIS_MAX_BACKOFF_SEC" envDefault:"2.0"`
	GCSRetries         int     `env:"GCS_RETRIES" envDefault:"3" validate:"min=0"`
	GCSBackoffSec      float64 `env:"GCS_BACKOFF_SEC" envDefault:"0.5"`
	GCSMaxBackoffSec   float64 `env:"GCS_MAX_BACKOFF_SEC" envDefault:"5.0"`

	QualityWeightsJSON         string  `env:"OCR_QUALITY_WEIGHTS_JSON"`
	QualityConfigFile          string  `env:"QUALITY_CONFIG_FILE"`
	OCRLowConfidenceThreshold  float64 `env:"OCR_LOW_CONFIDENCE_THRESHOLD" envDefault:"0.65"`
	SegmentLowScoreThreshold   float64 `env:"TRANSCRIPTION_LOW_SCORE_THRESHOLD" envDefault:"0.60"`
	OutputTextBOM              bool    `env:"OUTPUT_TEXT_BOM" envDefault:"false"`

	WorkerID    string `env:"WORKER_ID"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
}

// Load parses environment variables into a Config and applies field-level
// range validation. Cross-field and required-at-startup rules live in
// Validate so tests can Load partial environments.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.WorkerID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.WorkerID = host
		} else {
			cfg.WorkerID = "worker"
		}
	}
	return cfg, nil
}

// Validate enforces the startup requirements: required keys, Redis URL
// scheme, and the per-mode queue name groups.
func (c Config) Validate() error {
	var errs []string
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, name+" is required")
		}
	}

	require("GCP_PROJECT_ID", c.GCPProjectID)
	require("GCS_BUCKET_NAME", c.GCSBucketName)
	require("PROMPT_FILE", c.PromptFile)
	require("PROMPT_NAME", c.PromptName)
	require("REDIS_URL", c.RedisURL)
	if c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		errs = append(errs, "REDIS_URL must start with redis:// or rediss://")
	}

	switch c.QueueMode {
	case QueueModeSingle:
		require("QUEUE_NAME", c.QueueName)
		require("DLQ_NAME", c.DLQName)
	case QueueModeBoth:
		require("LOCAL_QUEUE_NAME", c.LocalQueueName)
		require("LOCAL_DLQ_NAME", c.LocalDLQName)
		require("CLOUD_QUEUE_NAME", c.CloudQueueName)
		require("CLOUD_DLQ_NAME", c.CloudDLQName)
	case QueueModePartitioned:
		require("OCR_QUEUE_NAME", c.OCRQueueName)
		require("OCR_DLQ_NAME", c.OCRDLQName)
		require("TRANSCRIPTION_QUEUE_NAME", c.TranscriptionQueueName)
		require("TRANSCRIPTION_DLQ_NAME", c.TranscriptionDLQName)
	}

	if len(errs) > 0 {
		return fmt.Errorf("op=config.Validate: %s", strings.Join(errs, "; "))
	}
	return nil
}

// QueueNames returns the pop list in priority order for the active mode.
func (c Config) QueueNames() []string {
	switch c.QueueMode {
	case QueueModeBoth:
		return []string{c.LocalQueueName, c.CloudQueueName}
	case QueueModePartitioned:
		return []string{c.OCRQueueName, c.TranscriptionQueueName}
	}
	return []string{c.QueueName}
}

// DLQFor maps a source queue to its dead-letter list.
func (c Config) DLQFor(queue string) string {
	switch queue {
	case c.LocalQueueName:
		return c.LocalDLQName
	case c.CloudQueueName:
		return c.CloudDLQName
	case c.OCRQueueName:
		return c.OCRDLQName
	case c.TranscriptionQueueName:
		return c.TranscriptionDLQName
	}
	return c.DLQName
}

// SourceLabel names the origin of a queue for logs, metrics and DLQ entries.
func (c Config) SourceLabel(queue string) string {
	switch queue {
	case c.LocalQueueName:
		return SourceLocal
	case c.CloudQueueName:
		return SourceCloud
	case c.OCRQueueName:
		return SourceOCR
	case c.TranscriptionQueueName:
		return SourceTranscription
	}
	return SourcePrimary
}

// KVRetryPolicy builds the Redis retry policy from the configured knobs.
func (c Config) KVRetryPolicy() retryx.Policy {
	return retryx.Policy{
		Name:        "redis",
		MaxRetries:  c.RedisRetries,
		BaseDelay:   secondsToDuration(c.RedisBackoffSec),
		MaxDelay:    secondsToDuration(c.RedisMaxBackoffSec),
		JitterRatio: 0.2,
	}
}

// BlobRetryPolicy builds the GCS retry policy from the configured knobs.
func (c Config) BlobRetryPolicy() retryx.Policy {
	return retryx.Policy{
		Name:        "gcs",
		MaxRetries:  c.GCSRetries,
		BaseDelay:   secondsToDuration(c.GCSBackoffSec),
		MaxDelay:    secondsToDuration(c.GCSMaxBackoffSec),
		JitterRatio: 0.2,
	}
}

func secondsToDuration(sec float64) time.Duration {
	if sec < 0 {
		sec = 0
	}
	return time.Duration(sec * float64(time.Second))
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
