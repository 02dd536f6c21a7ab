package domain

import (
	"math"
	"time"
)

// RecoveryAction is the policy outcome for a failed job.
type RecoveryAction string

// Recovery actions.
const (
	ActionRetryWithBackoff RecoveryAction = "retry_with_backoff"
	ActionFailFastDLQ      RecoveryAction = "fail_fast_dlq"
)

// RecoveryReason groups error codes into retry-budget classes.
type RecoveryReason string

// Recovery reasons.
const (
	ReasonTransientInfra RecoveryReason = "TRANSIENT_INFRA"
	ReasonInputMedia     RecoveryReason = "INPUT_MEDIA"
	ReasonUnknownOrFatal RecoveryReason = "UNKNOWN_OR_FATAL"
)

// RetryBudgets holds the three configured retry budgets.
type RetryBudgets struct {
	Transient int
	Media     int
	Default   int
}

// RecoveryDecision is the deterministic output of the recovery policy.
type RecoveryDecision struct {
	Action       RecoveryAction
	Reason       RecoveryReason
	NextAttempt  int
	MaxAttempts  int
	RetryAllowed bool
}

// ClassifyRecoveryReason maps an error code to its budget class.
func ClassifyRecoveryReason(errorCode string) RecoveryReason {
	switch NormalizeStatus(errorCode) {
	case CodeInfraRedis, CodeInfraGCS, CodeRateLimit:
		return ReasonTransientInfra
	case CodeMediaDecode, CodeInputNotFound:
		return ReasonInputMedia
	}
	return ReasonUnknownOrFatal
}

// DecideRecovery computes the retry-or-DLQ decision for a failure. `attempts`
// counts prior failed executions. The decision is monotone in attempts: once
// retry is denied for a code, it stays denied for higher attempt counts.
func DecideRecovery(errorCode string, attempts int, budgets RetryBudgets) RecoveryDecision {
	reason := ClassifyRecoveryReason(errorCode)

	var budget int
	switch reason {
	case ReasonTransientInfra:
		budget = budgets.Transient
	case ReasonInputMedia:
		budget = budgets.Media
	default:
		budget = budgets.Default
	}
	if budget < 0 {
		budget = 0
	}

	if attempts < 0 {
		attempts = 0
	}
	retryAllowed := attempts < budget
	nextAttempt := attempts
	action := ActionFailFastDLQ
	if retryAllowed {
		nextAttempt = attempts + 1
		action = ActionRetryWithBackoff
	}

	return RecoveryDecision{
		Action:       action,
		Reason:       reason,
		NextAttempt:  nextAttempt,
		MaxAttempts:  budget,
		RetryAllowed: retryAllowed,
	}
}

// RetryBackoffDelay returns the user-visible requeue delay for the given
// attempt number: min(5s, 0.5s * 2^(n-1)). No jitter; infrastructure-level
// retries apply jitter separately.
func RetryBackoffDelay(nextAttempt int) time.Duration {
	if nextAttempt < 1 {
		nextAttempt = 1
	}
	sec := 0.5 * math.Pow(2, float64(nextAttempt-1))
	if sec > 5.0 {
		sec = 5.0
	}
	return time.Duration(sec * float64(time.Second))
}
