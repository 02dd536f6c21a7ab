package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/observability"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/config"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
	obsctx "github.com/fairyhunter13/doc-transcribe-worker/internal/observability"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/usecase"
)

// InflightTTL bounds the admission set entries so a crashed worker cannot
// permanently consume an admission slot.
const InflightTTL = 24 * time.Hour

// admissionBackoff is how long the loop sleeps after requeueing a job it
// could not admit, so a saturated worker does not spin on the queue head.
const admissionBackoff = 250 * time.Millisecond

func inflightKey(kind string) string { return "worker:inflight:" + kind }

func attemptsKey(jobID string) string { return "job_attempts:" + jobID }

// Consumer is the worker loop. It pops from the configured queues in
// priority order, admits jobs against per-type inflight limits, dispatches
// them through the routed pipeline and settles the outcome: COMPLETED,
// CANCELLED, requeue-for-retry or dead-letter.
type Consumer struct {
	Cfg       config.Config
	RDB       redis.UniversalClient
	Status    domain.StatusStore
	Pipelines map[string]domain.Pipeline

	// Dial recreates the Redis client after an idle period without
	// messages. Nil disables idle reconnects.
	Dial func() (redis.UniversalClient, error)

	sleep       func(time.Duration)
	lastMessage time.Time
}

func (c *Consumer) pause(d time.Duration) {
	if c.sleep != nil {
		c.sleep(d)
		return
	}
	time.Sleep(d)
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.lastMessage = time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		got, err := c.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("queue_poll_failed", slog.String("error", err.Error()))
			c.reconnect(ctx)
			c.pause(time.Second)
			continue
		}
		if got {
			c.lastMessage = time.Now()
			continue
		}
		if c.Cfg.MaxIdleBeforeReconnect > 0 && time.Since(c.lastMessage) > c.Cfg.MaxIdleBeforeReconnect {
			c.reconnect(ctx)
		}
	}
}

// reconnect replaces the Redis client after a failed poll or a long
// silence. Some load balancers silently drop idle connections; a fresh
// dial is cheaper than diagnosing a half-open socket.
func (c *Consumer) reconnect(ctx context.Context) {
	c.lastMessage = time.Now()
	if c.Dial == nil {
		return
	}
	fresh, err := c.Dial()
	if err != nil {
		slog.Warn("redis_reconnect_failed", slog.String("error", err.Error()))
		return
	}
	if closer, ok := c.RDB.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	c.RDB = fresh
	if err := c.RDB.Ping(ctx).Err(); err != nil {
		slog.Warn("redis_reconnect_ping_failed", slog.String("error", err.Error()))
		return
	}
	slog.Info("redis_reconnected", slog.Duration("idle", c.Cfg.MaxIdleBeforeReconnect))
}

// PollOnce performs one blocking pop and fully settles any message it
// receives. It reports whether a message was handled.
func (c *Consumer) PollOnce(ctx context.Context) (bool, error) {
	res, err := c.RDB.BRPop(ctx, c.Cfg.BRPopTimeout, c.Cfg.QueueNames()...).Result()
	if errors.Is(err, redis.Nil) {
		if pingErr := c.RDB.Ping(ctx).Err(); pingErr != nil {
			return false, fmt.Errorf("op=redisq.PollOnce heartbeat: %w", pingErr)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=redisq.PollOnce: %w", err)
	}
	queue, payload := res[0], res[1]
	c.handleMessage(ctx, queue, []byte(payload))
	return true, nil
}

func (c *Consumer) handleMessage(ctx context.Context, queue string, payload []byte) {
	source := c.Cfg.SourceLabel(queue)

	job, err := domain.ParseJobDescriptor(payload)
	if err != nil {
		slog.Error("job_payload_undecodable",
			slog.String("queue", queue),
			slog.String("source", source),
			slog.String("error", err.Error()))
		c.deadLetterRawPayload(ctx, queue, source, payload, err)
		return
	}

	kind := usecase.RouteJob(job)
	limit := c.inflightLimit(kind)

	// Admission: the SADD of job_id is the single serialization point per
	// type; the guarded status write never races against itself once a job
	// holds a slot.
	if limit <= 0 {
		c.requeue(ctx, queue, payload, job.JobID, "inflight limit is zero")
		return
	}
	setKey := inflightKey(kind)
	inflight, err := c.RDB.SCard(ctx, setKey).Result()
	if err != nil {
		c.requeue(ctx, queue, payload, job.JobID, "inflight check failed: "+err.Error())
		return
	}
	if inflight >= int64(limit) {
		c.requeue(ctx, queue, payload, job.JobID, "inflight limit reached")
		return
	}
	pipe := c.RDB.TxPipeline()
	pipe.SAdd(ctx, setKey, job.JobID)
	pipe.Expire(ctx, setKey, InflightTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.requeue(ctx, queue, payload, job.JobID, "inflight admit failed: "+err.Error())
		return
	}
	defer func() {
		if err := c.RDB.SRem(context.WithoutCancel(ctx), setKey, job.JobID).Err(); err != nil {
			slog.Warn("inflight_release_failed",
				slog.String("job_id", job.JobID), slog.String("error", err.Error()))
		}
	}()

	c.dispatch(ctx, queue, source, kind, job)
}

func (c *Consumer) inflightLimit(kind string) int {
	if kind == usecase.KindOCR {
		return c.Cfg.MaxInflightOCR
	}
	return c.Cfg.MaxInflightTranscription
}

func (c *Consumer) requeue(ctx context.Context, queue string, payload []byte, jobID, reason string) {
	slog.Debug("job_requeued",
		slog.String("queue", queue), slog.String("job_id", jobID), slog.String("reason", reason))
	if err := c.RDB.RPush(ctx, queue, payload).Err(); err != nil {
		slog.Error("job_requeue_failed",
			slog.String("queue", queue), slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	c.pause(admissionBackoff)
}

// dispatch runs one admitted job through its pipeline and settles the
// terminal outcome.
func (c *Consumer) dispatch(ctx context.Context, queue, source, kind string, job domain.JobDescriptor) {
	started := time.Now()
	execID := ulid.Make().String()
	if job.RequestID == "" {
		job.RequestID = uuid.NewString()
	}
	log := slog.With(
		slog.String("job_id", job.JobID),
		slog.String("execution_id", execID),
		slog.String("queue", queue),
		slog.String("source", source),
		slog.String("job_type", kind),
	)
	ctx = obsctx.ContextWithJobID(ctx, job.JobID)
	ctx = obsctx.ContextWithRequestID(ctx, job.RequestID)
	ctx = obsctx.ContextWithLogger(ctx, log)

	// Supplementary attempt counter; the payload's attempts field stays the
	// canonical count across workers.
	attempts := job.Attempts
	if n, err := c.RDB.Incr(ctx, attemptsKey(job.JobID)).Result(); err == nil {
		c.RDB.Expire(ctx, attemptsKey(job.JobID), InflightTTL)
		if int(n-1) > attempts {
			attempts = int(n - 1)
		}
	}

	observability.ReceiveJob(queue, source, kind)

	if c.Status.IsCancelled(ctx, job.JobID) {
		log.Info("job_cancelled_before_dispatch")
		c.settleCancelled(ctx, job.JobID)
		observability.CancelJob(queue, source, kind, started)
		return
	}

	ok, err := c.Status.Update(ctx, job.JobID, map[string]string{
		"status":     domain.StatusProcessing,
		"stage":      "Starting",
		"progress":   "1",
		"worker_id":  c.Cfg.WorkerID,
		"queue":      queue,
		"source":     source,
		"job_type":   kind,
		"attempts":   strconv.Itoa(attempts),
		"request_id": job.RequestID,
	}, "dispatch_start")
	if err == nil && !ok {
		err = fmt.Errorf("op=redisq.dispatch job_id=%s: status transition to PROCESSING blocked", job.JobID)
	}
	if err != nil {
		c.settleFailure(ctx, queue, source, kind, job, attempts, started, err, log)
		return
	}

	pipeline, found := c.Pipelines[kind]
	if !found {
		c.settleFailure(ctx, queue, source, kind, job, attempts, started,
			fmt.Errorf("op=redisq.dispatch job_id=%s: no pipeline for job type %s", job.JobID, kind), log)
		return
	}

	log.Info("job_dispatch", slog.Int("attempts", attempts))
	result, err := pipeline.Run(ctx, job.JobID, job)
	if err != nil {
		if errors.Is(err, domain.ErrJobCancelled) {
			log.Info("job_cancelled", slog.Duration("elapsed", time.Since(started)))
			c.settleCancelled(ctx, job.JobID)
			observability.CancelJob(queue, source, kind, started)
			return
		}
		c.settleFailure(ctx, queue, source, kind, job, attempts, started, err, log)
		return
	}

	c.settleSuccess(ctx, job.JobID, started, log)
	observability.CompleteJob(queue, source, kind, started)
	log.Info("job_completed",
		slog.Int("units", result.Units),
		slog.Float64("quality_score", result.QualityScore),
		slog.Duration("elapsed", time.Since(started)))
}

func (c *Consumer) settleCancelled(ctx context.Context, jobID string) {
	if _, err := c.Status.Update(ctx, jobID, map[string]string{
		"status": domain.StatusCancelled,
		"stage":  "Cancelled",
	}, "dispatch_cancelled"); err != nil {
		slog.Warn("cancel_settle_failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// settleSuccess writes the loop-level COMPLETED record unless the control
// plane already moved the job into an approval or cancelled state while the
// pipeline ran.
func (c *Consumer) settleSuccess(ctx context.Context, jobID string, started time.Time, log *slog.Logger) {
	record, err := c.Status.Get(ctx, jobID)
	if err != nil {
		log.Warn("success_settle_read_failed", slog.String("error", err.Error()))
		return
	}
	switch domain.NormalizeStatus(record["status"]) {
	case domain.StatusWaitingApproval, domain.StatusApproved, domain.StatusCancelled:
		log.Info("success_settle_skipped", slog.String("current_status", record["status"]))
		return
	}
	if _, err := c.Status.Update(ctx, jobID, map[string]string{
		"status":        domain.StatusCompleted,
		"duration_sec":  strconv.FormatFloat(time.Since(started).Seconds(), 'f', 2, 64),
		"error_code":    "",
		"error_message": "",
		"error_detail":  "",
		"error":         "",
	}, "dispatch_complete"); err != nil {
		log.Warn("success_settle_failed", slog.String("error", err.Error()))
	}
	c.RDB.Del(ctx, attemptsKey(jobID))
}

// settleFailure applies the recovery policy: requeue with backoff while the
// budget lasts, dead-letter otherwise. A cancel that raced the failure wins.
func (c *Consumer) settleFailure(ctx context.Context, queue, source, kind string, job domain.JobDescriptor, attempts int, started time.Time, cause error, log *slog.Logger) {
	if c.Status.IsCancelled(ctx, job.JobID) {
		log.Info("job_cancelled_during_failure")
		c.settleCancelled(ctx, job.JobID)
		observability.CancelJob(queue, source, kind, started)
		return
	}

	code, userMessage := domain.ClassifyError(cause)
	decision := domain.DecideRecovery(code, attempts, domain.RetryBudgets{
		Transient: c.Cfg.RetryBudgetTransient,
		Media:     c.Cfg.RetryBudgetMedia,
		Default:   c.Cfg.RetryBudgetDefault,
	})
	log.Error("job_failed",
		slog.String("error_code", code),
		slog.String("recovery_action", string(decision.Action)),
		slog.Int("attempts", attempts),
		slog.Int("max_attempts", decision.MaxAttempts),
		slog.String("error", cause.Error()))

	if decision.RetryAllowed {
		c.retryJob(ctx, queue, source, kind, job, decision, code, userMessage, log)
		return
	}

	record, _ := c.Status.Get(ctx, job.JobID)
	failedStage := record["stage"]
	if _, err := c.Status.Update(ctx, job.JobID, map[string]string{
		"status":        domain.StatusFailed,
		"stage":         "Processing failed",
		"error_code":    code,
		"error_message": userMessage,
		"error_detail":  domain.ErrorDetail(cause),
		"error":         userMessage,
		"duration_sec":  strconv.FormatFloat(time.Since(started).Seconds(), 'f', 2, 64),
	}, "dispatch_failed"); err != nil {
		log.Warn("failure_settle_failed", slog.String("error", err.Error()))
	}

	entry := domain.BuildDeadLetterEntry(domain.DeadLetterInput{
		Job:          job.WithAttempts(max(attempts, 1), decision.MaxAttempts),
		QueueName:    queue,
		DLQName:      c.Cfg.DLQFor(queue),
		SourceLabel:  source,
		ErrorCode:    code,
		ErrorMessage: userMessage,
		ErrorDetail:  domain.ErrorDetail(cause),
		FailedStage:  failedStage,
		WorkerID:     c.Cfg.WorkerID,
		MaxAttempts:  decision.MaxAttempts,
	})
	c.pushDeadLetter(ctx, entry)
	c.RDB.Del(ctx, attemptsKey(job.JobID))
	observability.FailJob(queue, source, kind, started)
}

func (c *Consumer) retryJob(ctx context.Context, queue, source, kind string, job domain.JobDescriptor, decision domain.RecoveryDecision, code, userMessage string, log *slog.Logger) {
	// the inflight gauge settles exactly once per dispatch, including when
	// the requeue itself fails
	defer observability.RetryJob(queue, source, kind)

	if _, err := c.Status.Update(ctx, job.JobID, map[string]string{
		"status":        domain.StatusQueued,
		"stage":         fmt.Sprintf("Retry scheduled (%d/%d)", decision.NextAttempt, decision.MaxAttempts),
		"error_code":    code,
		"error_message": userMessage,
	}, "dispatch_retry"); err != nil {
		log.Warn("retry_settle_failed", slog.String("error", err.Error()))
	}

	payload, err := job.WithAttempts(decision.NextAttempt, decision.MaxAttempts).Encode()
	if err != nil {
		log.Error("retry_encode_failed", slog.String("error", err.Error()))
		return
	}
	delay := domain.RetryBackoffDelay(decision.NextAttempt)
	log.Info("job_retry_scheduled",
		slog.Int("next_attempt", decision.NextAttempt),
		slog.Int("max_attempts", decision.MaxAttempts),
		slog.Duration("delay", delay))
	c.pause(delay)
	if err := c.RDB.RPush(ctx, queue, payload).Err(); err != nil {
		log.Error("retry_requeue_failed", slog.String("error", err.Error()))
	}
}
