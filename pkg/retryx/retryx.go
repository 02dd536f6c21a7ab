// Package retryx provides bounded exponential backoff with jitter for
// infrastructure calls (KV, blob). Pipelines and the worker loop use it
// through the two preconfigured policies.
package retryx

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. JitterRatio stretches each delay by up to
// delay*JitterRatio to avoid synchronized retries across workers; the
// stretch is one-sided, a jittered delay never undercuts the schedule.
type Policy struct {
	Name        string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
}

// DefaultKVPolicy matches the worker's Redis retry defaults.
func DefaultKVPolicy() Policy {
	return Policy{Name: "redis", MaxRetries: 2, BaseDelay: 150 * time.Millisecond, MaxDelay: 2 * time.Second, JitterRatio: 0.2}
}

// DefaultBlobPolicy matches the worker's GCS retry defaults.
func DefaultBlobPolicy() Policy {
	return Policy{Name: "gcs", MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, JitterRatio: 0.2}
}

// upwardJitter multiplies each delay by 1 + ratio*U(0,1). The built-in
// RandomizationFactor jitters both ways, which can land a delay under the
// capped exponential value.
type upwardJitter struct {
	backoff.BackOff
	ratio float64
}

func (j *upwardJitter) NextBackOff() time.Duration {
	d := j.BackOff.NextBackOff()
	if d == backoff.Stop || j.ratio <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + j.ratio*rand.Float64()))
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.BaseDelay
	expo.MaxInterval = p.MaxDelay
	expo.Multiplier = 2.0
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	var bo backoff.BackOff = &upwardJitter{BackOff: expo, ratio: p.JitterRatio}
	if p.MaxRetries >= 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// Do runs fn under the policy. Failures for which retryable returns false
// propagate immediately; retryable ones are re-attempted up to MaxRetries
// with capped, jittered exponential delays. Each rescheduled attempt is
// logged as retry_scheduled.
func Do[T any](ctx context.Context, operation, target string, p Policy, retryable func(error) bool, fn func() (T, error)) (T, error) {
	attempt := 0
	op := func() (T, error) {
		v, err := fn()
		if err != nil && retryable != nil && !retryable(err) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, delay time.Duration) {
		attempt++
		slog.Warn("retry_scheduled",
			slog.String("policy", p.Name),
			slog.String("operation", operation),
			slog.String("target", target),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", p.MaxRetries),
			slog.Duration("delay", delay),
			slog.Any("error", err))
	}
	return backoff.RetryNotifyWithData(op, p.backoff(ctx), notify)
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, operation, target string, p Policy, retryable func(error) bool, fn func() error) error {
	_, err := Do(ctx, operation, target, p, retryable, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
