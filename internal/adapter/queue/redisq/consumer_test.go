package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/observability"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/repo/redisstatus"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/config"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/usecase"
	"github.com/fairyhunter13/doc-transcribe-worker/pkg/retryx"
)

type stubPipeline struct {
	result domain.PipelineResult
	err    error
	calls  int
}

func (s *stubPipeline) Run(_ context.Context, _ string, _ domain.JobDescriptor) (domain.PipelineResult, error) {
	s.calls++
	if s.err != nil {
		return domain.PipelineResult{}, s.err
	}
	return s.result, nil
}

func testConfig() config.Config {
	return config.Config{
		QueueMode:                config.QueueModeSingle,
		QueueName:                "doc_jobs",
		DLQName:                  "doc_jobs_dead",
		MaxInflightOCR:           1,
		MaxInflightTranscription: 1,
		RetryBudgetTransient:     2,
		RetryBudgetMedia:         0,
		RetryBudgetDefault:       0,
		BRPopTimeout:             100 * time.Millisecond,
		WorkerID:                 "worker-test",
	}
}

func newTestConsumer(t *testing.T, cfg config.Config) (*Consumer, *miniredis.Miniredis, *stubPipeline, *stubPipeline) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ocr := &stubPipeline{result: domain.PipelineResult{Units: 2, QualityScore: 0.9}}
	transcribe := &stubPipeline{result: domain.PipelineResult{Units: 1, QualityScore: 0.8}}
	c := &Consumer{
		Cfg:    cfg,
		RDB:    rdb,
		Status: redisstatus.New(rdb, retryx.Policy{Name: "redis"}),
		Pipelines: map[string]domain.Pipeline{
			usecase.KindOCR:           ocr,
			usecase.KindTranscription: transcribe,
		},
		sleep: func(time.Duration) {},
	}
	return c, mr, ocr, transcribe
}

func pushJob(t *testing.T, mr *miniredis.Miniredis, queue string, payload map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	_, err = mr.Lpush(queue, string(raw))
	require.NoError(t, err)
}

func TestConsumer_CompletesOCRJob(t *testing.T) {
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-1", "filename": "scan.pdf"})

	got, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, got)
	require.Equal(t, 1, ocr.calls)

	rec, err := c.Status.Get(context.Background(), "j-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, rec["status"])
	require.Equal(t, "worker-test", rec["worker_id"])
	require.Equal(t, "", rec["error_code"])

	// admission slot released
	require.False(t, mr.Exists(inflightKey(usecase.KindOCR)))
	// queue drained, nothing dead-lettered
	require.False(t, mr.Exists("doc_jobs"))
	require.False(t, mr.Exists("doc_jobs_dead"))
}

func TestConsumer_RoutesTranscription(t *testing.T) {
	c, mr, ocr, transcribe := newTestConsumer(t, testConfig())
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-2", "filename": "talk.mp3"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, ocr.calls)
	require.Equal(t, 1, transcribe.calls)
}

func TestConsumer_EmptyQueueHeartbeat(t *testing.T) {
	c, _, _, _ := newTestConsumer(t, testConfig())
	got, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.False(t, got)
}

func TestConsumer_AdmissionLimitRequeues(t *testing.T) {
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	// another worker already holds the only OCR slot
	_, err := mr.SetAdd(inflightKey(usecase.KindOCR), "other-job")
	require.NoError(t, err)
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-3", "filename": "scan.pdf"})

	got, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, got)
	require.Equal(t, 0, ocr.calls)

	// message went back onto the same queue
	items, err := mr.List("doc_jobs")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestConsumer_ZeroLimitRequeues(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInflightOCR = 0
	c, mr, ocr, _ := newTestConsumer(t, cfg)
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-4", "filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, ocr.calls)
	items, err := mr.List("doc_jobs")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestConsumer_RetryOnTransientFailure(t *testing.T) {
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	ocr.err = errors.New("op=kv: redis: connection refused")
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-5", "filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	// the QUEUED write goes through the guard; PROCESSING does not permit
	// QUEUED, so the record keeps its dispatch-time fields
	rec, err := c.Status.Get(context.Background(), "j-5")
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, rec["status"])

	items, err := mr.List("doc_jobs")
	require.NoError(t, err)
	require.Len(t, items, 1)
	var requeued map[string]any
	require.NoError(t, json.Unmarshal([]byte(items[0]), &requeued))
	require.Equal(t, float64(1), requeued["attempts"])
	require.Equal(t, float64(2), requeued["max_attempts"])

	require.False(t, mr.Exists("doc_jobs_dead"))
	require.False(t, mr.Exists(inflightKey(usecase.KindOCR)))
}

func TestConsumer_ExhaustedBudgetDeadLetters(t *testing.T) {
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	ocr.err = errors.New("op=kv: redis: connection refused")
	pushJob(t, mr, "doc_jobs", map[string]any{
		"job_id": "j-6", "filename": "scan.pdf", "attempts": 2, "max_attempts": 2,
	})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	rec, err := c.Status.Get(context.Background(), "j-6")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, rec["status"])
	require.Equal(t, domain.CodeInfraRedis, rec["error_code"])
	require.NotEmpty(t, rec["error_message"])
	require.NotEmpty(t, rec["error_detail"])

	items, err := mr.List("doc_jobs_dead")
	require.NoError(t, err)
	require.Len(t, items, 1)
	var entry domain.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(items[0]), &entry))
	require.Equal(t, domain.DeadLetterSchemaVersion, entry.SchemaVersion)
	require.Equal(t, domain.StatusFailed, entry.Status)
	require.Equal(t, "j-6", entry.JobID)
	require.Equal(t, domain.CodeInfraRedis, entry.ErrorCode)
	require.Equal(t, "SYSTEM", entry.ErrorType)
	require.Equal(t, 2, entry.Attempts)
	require.Equal(t, 2, entry.MaxAttempts)
	require.Equal(t, "worker-test", entry.WorkerID)
	require.Equal(t, "PDF", entry.InputType)
	require.Equal(t, "doc_jobs", entry.QueueName)
}

func TestConsumer_DefaultBudgetDeadLettersImmediately(t *testing.T) {
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	ocr.err = errors.New("op=pipeline: something unexpected broke")
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-7", "filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	rec, err := c.Status.Get(context.Background(), "j-7")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, rec["status"])
	require.Equal(t, domain.CodeProcessingFailed, rec["error_code"])

	items, err := mr.List("doc_jobs_dead")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestConsumer_CancelRequestedBeforeDispatch(t *testing.T) {
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	mr.HSet(domain.StatusKey("j-8"), "status", domain.StatusQueued, "cancel_requested", "1")
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-8", "filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, ocr.calls)

	rec, err := c.Status.Get(context.Background(), "j-8")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, rec["status"])
}

func TestConsumer_PipelineCancellation(t *testing.T) {
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	ocr.err = domain.ErrJobCancelled
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-9", "filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	rec, err := c.Status.Get(context.Background(), "j-9")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, rec["status"])
	// cancellations never enter the DLQ
	require.False(t, mr.Exists("doc_jobs_dead"))
}

func TestConsumer_CancelRequestedDuringPipeline(t *testing.T) {
	c, mr, _, _ := newTestConsumer(t, testConfig())
	// the cancel flag lands while the pipeline runs; the failure settle must
	// observe it and finish in CANCELLED instead of retrying
	c.Pipelines[usecase.KindOCR] = pipelineFunc(func(ctx context.Context, jobID string, job domain.JobDescriptor) (domain.PipelineResult, error) {
		mr.HSet(domain.StatusKey(jobID), "cancel_requested", "1")
		return domain.PipelineResult{}, errors.New("op=kv: redis: connection refused")
	})
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-14", "filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	rec, err := c.Status.Get(context.Background(), "j-14")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, rec["status"])
	require.False(t, mr.Exists("doc_jobs"))
	require.False(t, mr.Exists("doc_jobs_dead"))
}

func TestConsumer_ReconnectsAfterPollFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	good := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = good.Close() })
	bad := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	dials := 0
	c := &Consumer{
		Cfg:       testConfig(),
		RDB:       bad,
		Status:    redisstatus.New(good, retryx.Policy{Name: "redis"}),
		Pipelines: map[string]domain.Pipeline{},
		Dial: func() (redis.UniversalClient, error) {
			dials++
			cancel()
			return good, nil
		},
		sleep: func(time.Duration) {},
	}

	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, dials)
	require.Same(t, good, c.RDB)
}

func TestConsumer_InflightGaugeReleasedWhenRequeueFails(t *testing.T) {
	c, mr, _, _ := newTestConsumer(t, testConfig())
	c.Pipelines[usecase.KindOCR] = pipelineFunc(func(ctx context.Context, jobID string, job domain.JobDescriptor) (domain.PipelineResult, error) {
		mr.Close()
		return domain.PipelineResult{}, errors.New("op=kv: redis: connection refused")
	})
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-15", "filename": "scan.pdf"})

	before := testutil.ToFloat64(observability.JobsInflight.WithLabelValues(usecase.KindOCR))
	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	after := testutil.ToFloat64(observability.JobsInflight.WithLabelValues(usecase.KindOCR))
	require.Equal(t, before, after)
}

func TestConsumer_TerminalStatusBlocksDispatch(t *testing.T) {
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	mr.HSet(domain.StatusKey("j-10"), "status", domain.StatusFailed)
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-10", "filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, ocr.calls)

	// the blocked transition is fatal with a zero default budget
	items, err := mr.List("doc_jobs_dead")
	require.NoError(t, err)
	require.Len(t, items, 1)
	// the FAILED terminal status is sticky
	require.Equal(t, domain.StatusFailed, mr.HGet(domain.StatusKey("j-10"), "status"))
}

func TestConsumer_UndecodablePayloadDeadLetters(t *testing.T) {
	c, mr, _, _ := newTestConsumer(t, testConfig())
	_, err := mr.Lpush("doc_jobs", "{not json")
	require.NoError(t, err)

	got, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, got)

	items, err := mr.List("doc_jobs_dead")
	require.NoError(t, err)
	require.Len(t, items, 1)
	var entry domain.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(items[0]), &entry))
	require.Equal(t, domain.CodeProcessingFailed, entry.ErrorCode)
	require.Equal(t, "{not json", entry.Payload["raw"])
	require.Equal(t, "Decode job payload", entry.FailedStage)
}

func TestConsumer_MissingJobIDDeadLetters(t *testing.T) {
	c, mr, _, _ := newTestConsumer(t, testConfig())
	pushJob(t, mr, "doc_jobs", map[string]any{"filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	items, err := mr.List("doc_jobs_dead")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestConsumer_WaitingApprovalSkipsCompletedWrite(t *testing.T) {
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	// the control plane parks jobs in WAITING_APPROVAL while they run
	ocr.result = domain.PipelineResult{Units: 1}
	c.Pipelines[usecase.KindOCR] = pipelineFunc(func(ctx context.Context, jobID string, job domain.JobDescriptor) (domain.PipelineResult, error) {
		mr.HSet(domain.StatusKey(jobID), "status", domain.StatusWaitingApproval)
		return domain.PipelineResult{Units: 1}, nil
	})
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-11", "filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaitingApproval, mr.HGet(domain.StatusKey("j-11"), "status"))
}

type pipelineFunc func(ctx context.Context, jobID string, job domain.JobDescriptor) (domain.PipelineResult, error)

func (f pipelineFunc) Run(ctx context.Context, jobID string, job domain.JobDescriptor) (domain.PipelineResult, error) {
	return f(ctx, jobID, job)
}

func TestConsumer_AttemptCounter(t *testing.T) {
	// a retried job keeps its delivery counter
	c, mr, ocr, _ := newTestConsumer(t, testConfig())
	ocr.err = errors.New("op=kv: redis: connection refused")
	pushJob(t, mr, "doc_jobs", map[string]any{"job_id": "j-12", "filename": "scan.pdf"})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	n, err := mr.Get(attemptsKey("j-12"))
	require.NoError(t, err)
	require.Equal(t, "1", n)

	// the counter is cleared once the job reaches COMPLETED
	ocr.err = nil
	_, err = c.PollOnce(context.Background())
	require.NoError(t, err)
	require.False(t, mr.Exists(attemptsKey("j-12")))
}

func TestNewClient(t *testing.T) {
	cli, err := NewClient("redis://localhost:6379/0")
	require.NoError(t, err)
	require.NotNil(t, cli)
	_ = cli.Close()

	_, err = NewClient("http://not-redis")
	require.Error(t, err)
}
