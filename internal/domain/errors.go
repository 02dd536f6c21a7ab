package domain

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Sentinel variants. Adapters wrap their transport failures with these so the
// classifier can match on the variant as well as on message text.
var (
	// ErrJobCancelled is raised by cancellation polls and recognized at the
	// top of the worker loop. It never enters the DLQ.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrKVUnavailable marks Redis connection/timeout failures.
	ErrKVUnavailable = errors.New("kv unavailable")
	// ErrBlobTransport marks blob-store transport failures.
	ErrBlobTransport = errors.New("blob transport failure")
	// ErrInputNotFound marks a missing input blob or local file.
	ErrInputNotFound = errors.New("input not found")
)

// Error codes form a closed set; every raised failure folds into exactly one.
const (
	CodeInfraGCS         = "INFRA_GCS"
	CodeInfraRedis       = "INFRA_REDIS"
	CodeRateLimit        = "RATE_LIMIT_EXCEEDED"
	CodeMediaDecode      = "MEDIA_DECODE_FAILED"
	CodeInputNotFound    = "INPUT_NOT_FOUND"
	CodeProcessingFailed = "PROCESSING_FAILED"
)

var connectionMarkers = []string{
	"remote end closed connection",
	"remotedisconnected",
	"connection aborted",
	"connection reset",
	"httpsconnectionpool",
	"sslerror",
	"tls handshake",
	"broken pipe",
}

var gcsMarkers = []string{
	"storage.googleapis.com",
	"googleapis.com/storage",
	"google.cloud.storage",
	"gcs",
	"signed_url",
	"upload",
	"download",
	"blob",
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func isGCSConnectionError(err error, low string) bool {
	if errors.Is(err, ErrBlobTransport) {
		return true
	}
	return containsAny(low, connectionMarkers) && containsAny(low, gcsMarkers)
}

// ClassifyError folds a raised failure into a stable (code, user message)
// pair. Matching order is fixed: GCS transport, rate limiting, media decode,
// missing input, KV transport, fallback. The first match wins and matching
// is total.
func ClassifyError(err error) (code, userMessage string) {
	low := strings.ToLower(strings.TrimSpace(err.Error()))

	switch {
	case isGCSConnectionError(err, low):
		return CodeInfraGCS, "Storage service connection issue while uploading output. Please retry."
	case strings.Contains(low, "resource exhausted") || strings.Contains(low, "429") || strings.Contains(low, "quota"):
		return CodeRateLimit, "Service is busy right now. Please retry shortly."
	case strings.Contains(low, "ffmpeg") || strings.Contains(low, "decoding failed") || strings.Contains(low, "could not decode"):
		return CodeMediaDecode, "Input media could not be decoded. Please upload a supported file."
	case errors.Is(err, ErrInputNotFound) || errors.Is(err, fs.ErrNotExist) || strings.Contains(low, "no such file"):
		return CodeInputNotFound, "Input file was not found for processing."
	case errors.Is(err, ErrKVUnavailable) ||
		strings.Contains(low, "redis") ||
		strings.Contains(low, "connection closed") ||
		strings.Contains(low, "closed by server") ||
		strings.Contains(low, "timeout"):
		return CodeInfraRedis, "Queue/storage connection issue while processing."
	}
	return CodeProcessingFailed, "Processing failed due to an internal error."
}

// ErrorDetail renders the diagnostic form of a failure: the concrete variant
// type plus its message. Stored in `error_detail` on the status record.
func ErrorDetail(err error) string {
	return fmt.Sprintf("%T: %v", err, err)
}
