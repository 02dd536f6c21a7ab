package domain

import (
	"strings"
	"time"
)

// DeadLetterSchemaVersion identifies the DLQ entry schema. Entries are
// append-only; consumers key on this when the shape evolves.
const DeadLetterSchemaVersion = "v1"

// DeadLetterEntry is the schema-stable failure record pushed onto the DLQ
// once a job exhausts its retry budget.
type DeadLetterEntry struct {
	SchemaVersion string         `json:"schema_version"`
	FailedAt      string         `json:"failed_at"`
	Status        string         `json:"status"`
	JobID         string         `json:"job_id"`
	RequestID     string         `json:"request_id"`
	JobType       string         `json:"job_type"`
	InputType     string         `json:"input_type"`
	QueueName     string         `json:"queue_name"`
	DLQName       string         `json:"dlq_name"`
	QueueSource   string         `json:"queue_source"`
	FailedStage   string         `json:"failed_stage"`
	ErrorCode     string         `json:"error_code"`
	ErrorType     string         `json:"error_type"`
	Error         string         `json:"error"`
	ErrorDetail   string         `json:"error_detail"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	WorkerID      string         `json:"worker_id"`
	Payload       map[string]any `json:"payload"`
}

// DeadLetterInput captures the failure context the worker loop hands to the
// builder.
type DeadLetterInput struct {
	Job          JobDescriptor
	QueueName    string
	DLQName      string
	SourceLabel  string
	ErrorCode    string
	ErrorMessage string
	ErrorDetail  string
	FailedStage  string
	WorkerID     string
	MaxAttempts  int
}

var audioExts = []string{".mp3", ".wav", ".m4a", ".aac", ".flac", ".ogg", ".wma"}
var videoExts = []string{".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v"}
var imageExts = []string{".png", ".jpg", ".jpeg", ".webp", ".tif", ".tiff"}

func hasAnySuffix(s string, exts []string) bool {
	for _, e := range exts {
		if strings.HasSuffix(s, e) {
			return true
		}
	}
	return false
}

// inputTypeFromJob derives the coarse input type from the filename first,
// then from the routing source hint.
func inputTypeFromJob(job JobDescriptor) string {
	filename := strings.ToLower(job.Filename)
	switch {
	case strings.HasSuffix(filename, ".pdf"):
		return "PDF"
	case hasAnySuffix(filename, imageExts):
		return "IMAGE"
	case hasAnySuffix(filename, audioExts):
		return "AUDIO"
	case hasAnySuffix(filename, videoExts):
		return "VIDEO"
	}
	switch strings.ToLower(job.Source) {
	case "ocr":
		return "PDF"
	case "transcription", "av", "audio", "video":
		return "AUDIO"
	}
	return "UNKNOWN"
}

// errorTypeFromCode coarsely folds an error code prefix into a DLQ error
// class for downstream triage dashboards.
func errorTypeFromCode(errorCode string) string {
	code := strings.ToUpper(errorCode)
	switch {
	case strings.HasPrefix(code, "INPUT_") || strings.HasPrefix(code, "VALIDATION_"):
		return "VALIDATION"
	case strings.HasPrefix(code, "MEDIA_") || strings.HasPrefix(code, "MODEL_"):
		return "MODEL"
	case strings.HasPrefix(code, "INFRA_") || strings.HasPrefix(code, "PROCESSING_") || strings.HasPrefix(code, "RATE_"):
		return "SYSTEM"
	case strings.HasPrefix(code, "IO_"):
		return "IO"
	}
	return "SYSTEM"
}

// BuildDeadLetterEntry produces the failure record for the DLQ. Attempt
// counts are clamped to at least 1: an entry only exists because at least
// one execution failed.
func BuildDeadLetterEntry(in DeadLetterInput) DeadLetterEntry {
	attempts := in.Job.Attempts
	if attempts < 1 {
		attempts = 1
	}
	maxAttempts := in.Job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = in.MaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	failedStage := in.FailedStage
	if failedStage == "" {
		failedStage = "Processing failed"
	}

	return DeadLetterEntry{
		SchemaVersion: DeadLetterSchemaVersion,
		FailedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		Status:        StatusFailed,
		JobID:         in.Job.JobID,
		RequestID:     in.Job.RequestID,
		JobType:       in.Job.JobType,
		InputType:     inputTypeFromJob(in.Job),
		QueueName:     in.QueueName,
		DLQName:       in.DLQName,
		QueueSource:   in.SourceLabel,
		FailedStage:   failedStage,
		ErrorCode:     in.ErrorCode,
		ErrorType:     errorTypeFromCode(in.ErrorCode),
		Error:         in.ErrorMessage,
		ErrorDetail:   in.ErrorDetail,
		Attempts:      attempts,
		MaxAttempts:   maxAttempts,
		WorkerID:      in.WorkerID,
		Payload:       in.Job.Raw,
	}
}
