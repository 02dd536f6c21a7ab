// Package redisstatus implements the job status store on Redis hashes with
// guarded state transitions.
package redisstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
	obsctx "github.com/fairyhunter13/doc-transcribe-worker/internal/observability"
	"github.com/fairyhunter13/doc-transcribe-worker/pkg/retryx"
)

// StatusTTL bounds how long a job status hash outlives its last write.
const StatusTTL = 24 * time.Hour

// Store reads and writes job_status:<id> hashes.
type Store struct {
	rdb      redis.UniversalClient
	kvPolicy retryx.Policy
}

// New builds a Store using the given KV retry policy for cancel probes.
func New(rdb redis.UniversalClient, kvPolicy retryx.Policy) *Store {
	return &Store{rdb: rdb, kvPolicy: kvPolicy}
}

// Update writes fields to the job's status hash after checking the
// transition guard. Every write refreshes the 24h TTL and, when a status
// field is present, stamps updated_at and contract_version. It returns
// false without writing when the guard rejects the transition.
func (s *Store) Update(ctx context.Context, jobID string, fields map[string]string, opCtx string) (bool, error) {
	key := domain.StatusKey(jobID)
	target := ""
	if v, ok := fields["status"]; ok {
		target = v
	}

	current, err := s.rdb.HGet(ctx, key, "status").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("op=redisstatus.Update key=%s: %w: %v", key, domain.ErrKVUnavailable, err)
	}

	if !domain.IsAllowedTransition(current, target) {
		obsctx.LoggerFromContext(ctx).Warn("status_transition_blocked",
			slog.String("job_id", jobID),
			slog.String("current", domain.NormalizeStatus(current)),
			slog.String("target", domain.NormalizeStatus(target)),
			slog.String("op_ctx", opCtx))
		return false, nil
	}

	write := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		write[k] = v
	}
	if target != "" {
		write["status"] = domain.NormalizeStatus(target)
		write["updated_at"] = time.Now().UTC().Format(time.RFC3339)
		write["contract_version"] = domain.ContractVersion
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, write)
	pipe.Expire(ctx, key, StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("op=redisstatus.Update key=%s: %w: %v", key, domain.ErrKVUnavailable, err)
	}
	return true, nil
}

// Get returns the full status hash for a job. A missing key yields an
// empty map, not an error.
func (s *Store) Get(ctx context.Context, jobID string) (map[string]string, error) {
	out, err := s.rdb.HGetAll(ctx, domain.StatusKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstatus.Get job_id=%s: %w: %v", jobID, domain.ErrKVUnavailable, err)
	}
	return out, nil
}

// IsCancelled probes the job's cancel_requested flag and status under the
// KV retry policy. The control plane only ever sets cancel_requested; the
// CANCELLED status is written by the worker, so both fields must count.
// Probe failure is fail-open: the job keeps running rather than being
// killed by a flaky status read.
func (s *Store) IsCancelled(ctx context.Context, jobID string) bool {
	key := domain.StatusKey(jobID)
	vals, err := retryx.Do(ctx, "cancel_probe", key, s.kvPolicy, nil, func() ([]interface{}, error) {
		return s.rdb.HMGet(ctx, key, "cancel_requested", "status").Result()
	})
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("cancel_probe_failed",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		return false
	}
	var flag, status string
	if len(vals) == 2 {
		flag, _ = vals[0].(string)
		status, _ = vals[1].(string)
	}
	return flag == "1" || domain.NormalizeStatus(status) == domain.StatusCancelled
}

// EnsureNotCancelled returns ErrJobCancelled when the job has been
// cancelled, for use at pipeline checkpoints.
func (s *Store) EnsureNotCancelled(ctx context.Context, jobID string) error {
	if s.IsCancelled(ctx, jobID) {
		return fmt.Errorf("job_id=%s: %w", jobID, domain.ErrJobCancelled)
	}
	return nil
}

var _ domain.StatusStore = (*Store)(nil)
