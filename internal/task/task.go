// Package task defines the crawl task model and its durable store.
package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task. It replaces the legacy
// downloaded/validated boolean pair: Pending means neither flag is set,
// Succeeded means both are true, Failed means validated is false.
type Status int

// Status values. Only Pending tasks are eligible for selection.
const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
)

// String returns a readable status name.
func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Stage names recorded in the timepoint map. Values are elapsed
// milliseconds between consecutive stages of one attempt, except
// StagePrepareStart which anchors the attempt with an absolute epoch.
const (
	StagePrepareStart       = "prepareStart"
	StageTaskLoaded         = "taskLoaded"
	StageTaskReported       = "taskReported"
	StagePresignIndex       = "presignIndex"
	StagePresignSinglefile  = "presignSinglefile"
	StageSingleFileSuccess  = "singleFileSuccess"
	StageIndexFileUploaded  = "indexFileUploaded"
	StageSingleFileUploaded = "singleFileUploaded"
	StageValidateFailed     = "validateFailed"
)

const timepointPrefix = "timePoint_"

// Task is one unit of crawl work: a single document to fetch, validate
// and archive. The JSON form matches the exported task files of the
// browser-based crawler, so existing queues import unchanged.
type Task struct {
	// ID is the document identifier, usually a DOI URL.
	ID string
	// Rule names the validation rule for the target site.
	Rule string
	Status     Status
	RetryCount int
	// LastError holds the reason of the most recent retryable failure.
	LastError string
	// FailReason holds the most recent terminal failure cause. It is
	// overwritten on each failure and cleared on success.
	FailReason string
	// Blocked marks a challenge interstitial encountered on the page.
	Blocked bool
	// UpdateTime is the last outcome change, in milliseconds since epoch.
	UpdateTime int64
	// Timepoints records per-stage latencies, keyed by stage name.
	Timepoints map[string]int64
}

// Terminal reports whether the task may never be re-selected.
func (t *Task) Terminal() bool {
	return t.Status != StatusPending
}

// DOI returns the bare lowercase identifier, with any resolver prefix
// stripped.
func (t *Task) DOI() string {
	doi := strings.TrimPrefix(t.ID, "https://doi.org/")
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	return strings.ToLower(doi)
}

// URL returns the navigable location of the document.
func (t *Task) URL() string {
	if strings.HasPrefix(t.ID, "http://") || strings.HasPrefix(t.ID, "https://") {
		return t.ID
	}
	return "https://doi.org/" + t.ID
}

// SetTimepoint stores a stage latency value.
func (t *Task) SetTimepoint(stage string, value int64) {
	if t.Timepoints == nil {
		t.Timepoints = make(map[string]int64)
	}
	t.Timepoints[stage] = value
}

type taskJSON struct {
	DOI             string `json:"doi"`
	Validator       string `json:"validator"`
	Downloaded      bool   `json:"downloaded"`
	Validated       *bool  `json:"validated,omitempty"`
	RetryTimes      int    `json:"retryTimes,omitempty"`
	LastError       string `json:"lastError,omitempty"`
	FailReason      string `json:"failReason,omitempty"`
	CloudflareBlock bool   `json:"cloudflareBlock,omitempty"`
	UpdateTime      int64  `json:"updateTime,omitempty"`
}

// MarshalJSON emits the legacy wire form: downloaded plus a tri-state
// validated flag (absent while pending), with timepoints flattened into
// timePoint_<stage> keys.
func (t Task) MarshalJSON() ([]byte, error) {
	aux := taskJSON{
		DOI:             t.ID,
		Validator:       t.Rule,
		Downloaded:      t.Status == StatusSucceeded,
		RetryTimes:      t.RetryCount,
		LastError:       t.LastError,
		FailReason:      t.FailReason,
		CloudflareBlock: t.Blocked,
		UpdateTime:      t.UpdateTime,
	}
	switch t.Status {
	case StatusSucceeded:
		v := true
		aux.Validated = &v
	case StatusFailed:
		v := false
		aux.Validated = &v
	}

	base, err := json.Marshal(aux)
	if err != nil {
		return nil, fmt.Errorf("marshal task %q: %w", t.ID, err)
	}
	if len(t.Timepoints) == 0 {
		return base, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, fmt.Errorf("reshape task %q: %w", t.ID, err)
	}
	for stage, v := range t.Timepoints {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal timepoint %q: %w", stage, err)
		}
		fields[timepointPrefix+stage] = raw
	}
	return json.Marshal(fields)
}

// UnmarshalJSON accepts the legacy wire form, deriving Status from the
// downloaded/validated pair.
func (t *Task) UnmarshalJSON(data []byte) error {
	var aux taskJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("unmarshal task: %w", err)
	}
	t.ID = aux.DOI
	t.Rule = aux.Validator
	t.RetryCount = aux.RetryTimes
	t.LastError = aux.LastError
	t.FailReason = aux.FailReason
	t.Blocked = aux.CloudflareBlock
	t.UpdateTime = aux.UpdateTime

	switch {
	case aux.Downloaded:
		t.Status = StatusSucceeded
	case aux.Validated == nil:
		t.Status = StatusPending
	case *aux.Validated:
		t.Status = StatusSucceeded
	default:
		t.Status = StatusFailed
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("unmarshal task fields: %w", err)
	}
	t.Timepoints = nil
	for key, raw := range fields {
		if !strings.HasPrefix(key, timepointPrefix) {
			continue
		}
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		t.SetTimepoint(strings.TrimPrefix(key, timepointPrefix), v)
	}
	return nil
}

// Stopwatch accumulates stage latencies for a single attempt. It
// replaces the old process-global cursor: each attempt owns one and it
// dies with the attempt.
type Stopwatch struct {
	now  func() time.Time
	last time.Time
}

// NewStopwatch starts a stopwatch at the current time.
func NewStopwatch() *Stopwatch {
	return newStopwatch(time.Now)
}

func newStopwatch(now func() time.Time) *Stopwatch {
	return &Stopwatch{now: now, last: now()}
}

// Mark records the elapsed time since the previous mark on the task and
// advances the cursor. StagePrepareStart records the absolute instant
// instead, anchoring the attempt.
func (s *Stopwatch) Mark(t *Task, stage string) {
	n := s.now()
	if stage == StagePrepareStart {
		t.SetTimepoint(stage, n.UnixMilli())
	} else {
		t.SetTimepoint(stage, n.Sub(s.last).Milliseconds())
	}
	s.last = n
}
