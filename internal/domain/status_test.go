package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsAllowedTransition_TerminalStickiness(t *testing.T) {
	require.False(t, IsAllowedTransition("COMPLETED", "PROCESSING"))
	require.True(t, IsAllowedTransition("COMPLETED", "COMPLETED"))
	require.False(t, IsAllowedTransition("FAILED", "QUEUED"))
	require.False(t, IsAllowedTransition("CANCELLED", "PROCESSING"))
	require.True(t, IsAllowedTransition("FAILED", "FAILED"))
}

func TestIsAllowedTransition_EmptyTargetAlwaysAllowed(t *testing.T) {
	require.True(t, IsAllowedTransition("QUEUED", ""))
	require.True(t, IsAllowedTransition("COMPLETED", ""))
	require.True(t, IsAllowedTransition("", "  "))
}

func TestIsAllowedTransition_Normalization(t *testing.T) {
	require.True(t, IsAllowedTransition("queued", " processing "))
	require.False(t, IsAllowedTransition(" completed", "failed"))
}

func TestIsAllowedTransition_UnsetAllowsAll(t *testing.T) {
	for _, target := range []string{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
		require.True(t, IsAllowedTransition("", target), target)
	}
}

func TestIsAllowedTransition_UnknownCurrentBehavesLikeUnset(t *testing.T) {
	// Control-plane statuses are not rows in the matrix.
	require.True(t, IsAllowedTransition(StatusWaitingApproval, StatusCompleted))
	require.True(t, IsAllowedTransition(StatusApproved, StatusFailed))
}

func TestIsAllowedTransition_ProcessingCannotRequeue(t *testing.T) {
	require.False(t, IsAllowedTransition(StatusProcessing, StatusQueued))
	require.True(t, IsAllowedTransition(StatusProcessing, StatusCancelled))
}

// Any write sequence accepted by the guard must be a path through the
// transition graph with terminal states absorbing.
func TestTransitionGraph_PathProperty(t *testing.T) {
	seqs := [][]string{
		{StatusQueued, StatusProcessing, StatusCompleted, StatusCompleted},
		{StatusQueued, StatusProcessing, StatusFailed},
		{StatusProcessing, StatusCancelled, StatusCancelled},
	}
	for _, seq := range seqs {
		current := ""
		for _, target := range seq {
			require.True(t, IsAllowedTransition(current, target), "%s -> %s", current, target)
			current = target
		}
		if IsTerminalStatus(current) {
			for _, other := range []string{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
				if other == current {
					continue
				}
				require.False(t, IsAllowedTransition(current, other), "%s -> %s", current, other)
			}
		}
	}
}

func TestIsTerminalStatus(t *testing.T) {
	require.True(t, IsTerminalStatus("completed"))
	require.True(t, IsTerminalStatus("FAILED"))
	require.True(t, IsTerminalStatus(" CANCELLED "))
	require.False(t, IsTerminalStatus(StatusProcessing))
	require.False(t, IsTerminalStatus(""))
}

func TestStatusKey(t *testing.T) {
	require.Equal(t, "job_status:j-1", StatusKey("j-1"))
}
