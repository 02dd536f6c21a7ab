// Package main provides the worker application entry point.
// The worker pops document OCR and audio/video transcription jobs from the
// Redis queues and drives each one to a terminal status.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/ai/stub"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/blob/gcs"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/media"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/observability"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/repo/redisstatus"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/config"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/service/prompt"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/service/quality"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/usecase"
)

func main() {
	// Local development reads .env; in containers the environment is the
	// source of truth and the file simply does not exist.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	// Expose job-queue and model metrics on a dedicated /metrics endpoint so
	// Prometheus can scrape the worker directly.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisq.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis ping failed", slog.Any("error", err))
		os.Exit(1)
	}

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		slog.Error("gcs client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = gcsClient.Close() }()

	statusStore := redisstatus.New(rdb, cfg.KVRetryPolicy())
	blobs := gcs.New(gcsClient, cfg.GCSBucketName, cfg.BlobRetryPolicy())

	prompts, err := prompt.Load(cfg.PromptFile)
	if err != nil {
		slog.Error("prompt load failed", slog.Any("error", err))
		os.Exit(1)
	}
	settings, err := quality.LoadSettings(cfg.QualityConfigFile, cfg.QualityWeightsJSON,
		cfg.OCRLowConfidenceThreshold, cfg.SegmentLowScoreThreshold)
	if err != nil {
		slog.Error("quality settings load failed", slog.Any("error", err))
		os.Exit(1)
	}

	model := modelClient(cfg)

	ocrPipeline := &usecase.OCRPipeline{
		Status:  statusStore,
		Blobs:   blobs,
		Model:   model,
		Raster:  media.NewRasterizer(),
		Prompts: prompts,
		Quality: settings,
		Cfg:     cfg,
	}
	transcriptionPipeline := &usecase.TranscriptionPipeline{
		Status:   statusStore,
		Blobs:    blobs,
		Model:    model,
		Splitter: media.NewSplitter(),
		Prompts:  prompts,
		Quality:  settings,
		Cfg:      cfg,
		Finalize: true,
	}

	consumer := &redisq.Consumer{
		Cfg:    cfg,
		RDB:    rdb,
		Status: statusStore,
		Pipelines: map[string]domain.Pipeline{
			usecase.KindOCR:           ocrPipeline,
			usecase.KindTranscription: transcriptionPipeline,
		},
		Dial: func() (redis.UniversalClient, error) {
			return redisq.NewClient(cfg.RedisURL)
		},
	}

	slog.Info("worker started",
		slog.String("worker_id", cfg.WorkerID),
		slog.String("queue_mode", cfg.QueueMode),
		slog.Any("queues", cfg.QueueNames()),
		slog.String("model", cfg.ModelName))

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker loop exited", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("worker stopped")
}

// modelClient selects the inference backend. The stub keeps local and CI
// runs hermetic when no API key is present outside production.
func modelClient(cfg config.Config) domain.ModelClient {
	if os.Getenv("GEMINI_API_KEY") == "" && !cfg.IsProd() {
		slog.Warn("GEMINI_API_KEY not set, using stub model client")
		return stub.New()
	}
	return gemini.New(cfg)
}
