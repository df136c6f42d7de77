// Package crawl orchestrates the per-task state machine: select,
// probe, validate, archive, upload, record, advance. Every attempt is a
// fresh bootstrap from the durable store, so a process restart between
// tasks loses nothing.
package crawl

import "fmt"

// Failure reasons persisted on task records. Operators distinguish
// failure classes purely from these texts, so they stay stable.
const (
	ReasonContentMismatch = "Page text content does not include DOI"
	ReasonChallenge       = "Cloudflare/Captcha Challenge blocked"
)

// missingRuleReason records an absent validation rule, a terminal
// failure distinguishable from a validation mismatch in later audits.
func missingRuleReason(ruleName string) string {
	return "Missing Validator Config: " + ruleName
}

// forcedAbortReason tags watchdog and unsupported-content aborts.
func forcedAbortReason(reason string) string {
	return "[Force Abort] " + reason
}

// unsupportedContentReason records a non-page document, which no number
// of retries can change.
func unsupportedContentReason(contentType string) string {
	return forcedAbortReason("Unsupported Content-Type: " + contentType)
}

// exceptionReason wraps an unexpected archiver or upload error.
func exceptionReason(err error) string {
	return fmt.Sprintf("Exception: %v", err)
}
