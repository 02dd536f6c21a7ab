// Package domain defines the job model, status state machine, error taxonomy
// and recovery policy shared by every adapter and pipeline in the worker.
package domain

import "strings"

// Job status values as written to the status record.
const (
	StatusQueued          = "QUEUED"
	StatusProcessing      = "PROCESSING"
	StatusCompleted       = "COMPLETED"
	StatusFailed          = "FAILED"
	StatusCancelled       = "CANCELLED"
	StatusWaitingApproval = "WAITING_APPROVAL"
	StatusApproved        = "APPROVED"
)

// ContractVersion is stamped on every status write that mutates `status`.
const ContractVersion = "v1"

// StatusKeyPrefix prefixes the per-job status hash key.
const StatusKeyPrefix = "job_status:"

// StatusKey returns the KV key holding the status record for a job.
func StatusKey(jobID string) string { return StatusKeyPrefix + jobID }

// allowedTransitions maps a normalized current status to the set of statuses
// it may move to. The empty-string row covers an unset record. Terminal
// states permit only self-transitions.
var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusQueued:     true,
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusQueued: {
		StatusQueued:     true,
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusCompleted: {StatusCompleted: true},
	StatusFailed:    {StatusFailed: true},
	StatusCancelled: {StatusCancelled: true},
}

// NormalizeStatus trims and upper-cases a status string. An empty or
// all-whitespace value normalizes to "".
func NormalizeStatus(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// IsAllowedTransition reports whether a status record currently at `current`
// may be written with `target`. An empty target is always allowed: the write
// carries no status mutation. Unknown current statuses (for example
// WAITING_APPROVAL set by the control plane) behave like an unset record.
func IsAllowedTransition(current, target string) bool {
	targetN := NormalizeStatus(target)
	if targetN == "" {
		return true
	}
	currentN := NormalizeStatus(current)
	allowed, ok := allowedTransitions[currentN]
	if !ok {
		allowed = allowedTransitions[""]
	}
	return allowed[targetN]
}

// IsTerminalStatus reports whether a status permits no further transitions
// other than to itself.
func IsTerminalStatus(s string) bool {
	switch NormalizeStatus(s) {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
