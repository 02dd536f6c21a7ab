package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/config"
)

func TestNewLogger_FieldShape(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(&buf, config.Config{AppEnv: "test", LogLevel: "info"})
	lg.Info("job_received", slog.String("job_id", "j-1"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "job_received", rec["message"])
	require.Equal(t, "info", rec["level"])
	require.Equal(t, serviceName, rec["service"])
	require.Equal(t, "worker", rec["logger"])
	require.Equal(t, "j-1", rec["job_id"])
	require.NotEmpty(t, rec["ts"])
	_, hasMsg := rec["msg"]
	require.False(t, hasMsg, "default msg key should be renamed")
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(&buf, config.Config{AppEnv: "prod", LogLevel: "warn"})
	lg.Info("dropped")
	require.Zero(t, buf.Len())
	lg.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("debug", false))
	require.Equal(t, slog.LevelWarn, parseLevel("WARNING", false))
	require.Equal(t, slog.LevelError, parseLevel("error", true))
	require.Equal(t, slog.LevelInfo, parseLevel("", false))
	require.Equal(t, slog.LevelDebug, parseLevel("", true))
}
