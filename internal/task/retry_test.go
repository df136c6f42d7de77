package task

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordFailureChargesRetry(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(3)
	tsk := Task{ID: "10.1/x", Rule: "siteA"}

	require.True(t, policy.RecordFailure(&tsk, "first reason"))
	require.Equal(t, 1, tsk.RetryCount)
	require.Equal(t, "first reason", tsk.LastError)
	require.Equal(t, StatusPending, tsk.Status)

	require.True(t, policy.RecordFailure(&tsk, "second reason"))
	require.Equal(t, 2, tsk.RetryCount)
	require.Equal(t, "second reason", tsk.LastError)
}

func TestRecordFailureTerminalizesAtCeiling(t *testing.T) {
	t.Parallel()

	const maxRetries = 3
	policy := NewRetryPolicy(maxRetries)
	tsk := Task{ID: "10.1/x", Rule: "siteA"}

	// N retryable failures are charged; the (N+1)-th terminalizes with
	// the final failure's reason preserved.
	for i := 0; i < maxRetries; i++ {
		require.True(t, policy.RecordFailure(&tsk, fmt.Sprintf("failure %d", i)))
	}
	require.Equal(t, maxRetries, tsk.RetryCount)

	require.False(t, policy.RecordFailure(&tsk, "final failure"))
	require.Equal(t, StatusFailed, tsk.Status)
	require.Equal(t, "Max retries exceeded. Last Error: final failure", tsk.FailReason)
	require.NotZero(t, tsk.UpdateTime)
	require.Equal(t, maxRetries, tsk.RetryCount)
}

func TestRetryCountMonotonic(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(2)
	tsk := Task{ID: "10.1/x"}

	prev := tsk.RetryCount
	for i := 0; i < 5; i++ {
		policy.RecordFailure(&tsk, "reason")
		require.GreaterOrEqual(t, tsk.RetryCount, prev)
		prev = tsk.RetryCount
	}
	// Once terminal, the count never moves again.
	require.Equal(t, 2, tsk.RetryCount)
	require.Equal(t, StatusFailed, tsk.Status)
}

func TestRecordOutcomeSuccessClearsFailure(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(3)
	tsk := Task{
		ID:         "10.1/x",
		FailReason: "stale reason",
		LastError:  "stale error",
		RetryCount: 2,
	}
	policy.RecordOutcome(&tsk, true, "")
	require.Equal(t, StatusSucceeded, tsk.Status)
	require.Empty(t, tsk.FailReason)
	require.NotZero(t, tsk.UpdateTime)
	// The success path does not charge the retry budget.
	require.Equal(t, 2, tsk.RetryCount)
}

func TestRecordOutcomeFailureOverwritesReason(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(3)
	tsk := Task{ID: "10.1/x", FailReason: "old reason"}
	policy.RecordOutcome(&tsk, false, "Missing Validator Config: siteB")
	require.Equal(t, StatusFailed, tsk.Status)
	require.Equal(t, "Missing Validator Config: siteB", tsk.FailReason)
}

func TestZeroMaxRetriesFallsBack(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(0)
	require.Equal(t, DefaultMaxRetries, policy.MaxRetries)
}
