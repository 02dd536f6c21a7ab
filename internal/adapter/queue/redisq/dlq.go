package redisq

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
)

// pushDeadLetter appends one entry to its DLQ list. A push failure is logged
// at error level with the full entry so the record survives in the logs even
// when the list write is lost.
func (c *Consumer) pushDeadLetter(ctx context.Context, entry domain.DeadLetterEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		slog.Error("dlq_marshal_failed",
			slog.String("job_id", entry.JobID), slog.String("error", err.Error()))
		return
	}
	if err := c.RDB.LPush(ctx, entry.DLQName, raw).Err(); err != nil {
		slog.Error("dlq_push_failed",
			slog.String("job_id", entry.JobID),
			slog.String("dlq", entry.DLQName),
			slog.String("entry", string(raw)),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("dlq_entry_pushed",
		slog.String("job_id", entry.JobID),
		slog.String("dlq", entry.DLQName),
		slog.String("error_code", entry.ErrorCode),
		slog.Int("attempts", entry.Attempts))
}

// deadLetterRawPayload dead-letters a message the parser rejected. The raw
// payload rides along so operators can inspect what the producer sent.
func (c *Consumer) deadLetterRawPayload(ctx context.Context, queue, source string, payload []byte, cause error) {
	entry := domain.BuildDeadLetterEntry(domain.DeadLetterInput{
		Job: domain.JobDescriptor{
			Raw: map[string]any{"raw": string(payload)},
		},
		QueueName:    queue,
		DLQName:      c.Cfg.DLQFor(queue),
		SourceLabel:  source,
		ErrorCode:    domain.CodeProcessingFailed,
		ErrorMessage: "Job payload could not be decoded.",
		ErrorDetail:  domain.ErrorDetail(cause),
		FailedStage:  "Decode job payload",
		WorkerID:     c.Cfg.WorkerID,
		MaxAttempts:  1,
	})
	c.pushDeadLetter(ctx, entry)
}
