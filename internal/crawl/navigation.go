package crawl

import "time"

// NavAction says where the crawl goes after an attempt ends.
type NavAction int

// Navigation actions.
const (
	// NavNext advances to the next pending task.
	NavNext NavAction = iota
	// NavRetrySame re-attempts the same task after a short delay.
	NavRetrySame
	// NavReloadLong backs off for an environmental problem without
	// charging the task's retry budget.
	NavReloadLong
	// NavIdle waits for new work; the store had no pending tasks.
	NavIdle
)

// String returns a readable action name.
func (a NavAction) String() string {
	switch a {
	case NavRetrySame:
		return "retry_same"
	case NavReloadLong:
		return "reload_long"
	case NavIdle:
		return "idle"
	default:
		return "next"
	}
}

// Decision is the navigation outcome of one attempt: what to do next,
// how long to wait first, and why.
type Decision struct {
	Action NavAction
	Wait   time.Duration
	Reason string
}
