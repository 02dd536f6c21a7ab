// Package observability wires logging and metrics for the worker.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/config"
)

const serviceName = "doc-transcribe-worker"

// SetupLogger configures the process-wide JSON slog logger. Records carry
// ts, level, service, logger and message fields so log pipelines built for
// the submission service can ingest worker logs unchanged.
func SetupLogger(cfg config.Config) *slog.Logger {
	return NewLogger(os.Stdout, cfg)
}

// NewLogger builds the worker logger writing to w. Split from SetupLogger
// so tests can capture output.
func NewLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel, cfg.IsDev()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
			case slog.MessageKey:
				a.Key = "message"
			case slog.LevelKey:
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToLower(lvl.String()))
				}
			}
			return a
		},
	}
	logger := slog.New(slog.NewJSONHandler(w, opts)).With(
		slog.String("service", serviceName),
		slog.String("logger", "worker"),
		slog.String("env", cfg.AppEnv),
	)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string, dev bool) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	}
	if dev {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
