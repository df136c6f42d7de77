package task

import "time"

// DefaultMaxRetries matches the historical task retry ceiling.
const DefaultMaxRetries = 3

// RetryPolicy applies the bounded-retry state machine to task outcomes.
// It mutates tasks only; persisting the store afterwards is the
// caller's responsibility, so a durable write always precedes the next
// navigation.
type RetryPolicy struct {
	MaxRetries int
	now        func() time.Time
}

// NewRetryPolicy builds a policy with the given ceiling, falling back
// to the default when max is not positive.
func NewRetryPolicy(max int) RetryPolicy {
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return RetryPolicy{MaxRetries: max, now: time.Now}
}

// RecordFailure charges one retryable failure against the task. It
// returns true when the caller may re-attempt the same task; once the
// retry budget is spent the task transitions to terminal failure with
// the final reason preserved, and false is returned.
func (p RetryPolicy) RecordFailure(t *Task, reason string) bool {
	if t.RetryCount >= p.maxRetries() {
		t.Status = StatusFailed
		t.FailReason = "Max retries exceeded. Last Error: " + reason
		t.UpdateTime = p.nowMilli()
		return false
	}
	t.RetryCount++
	t.LastError = reason
	return true
}

// RecordOutcome marks the task terminal. On success any prior failure
// reason is cleared; on failure the reason overwrites whatever was
// there, so the record always reflects the most recent cause.
func (p RetryPolicy) RecordOutcome(t *Task, success bool, reason string) {
	if success {
		t.Status = StatusSucceeded
		t.FailReason = ""
	} else {
		t.Status = StatusFailed
		t.FailReason = reason
	}
	t.UpdateTime = p.nowMilli()
}

func (p RetryPolicy) maxRetries() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

func (p RetryPolicy) nowMilli() int64 {
	if p.now == nil {
		return time.Now().UnixMilli()
	}
	return p.now().UnixMilli()
}
