package task

import (
	"encoding/json"
	"fmt"
)

// FailedExport is the compact record emitted for failed-task exports.
type FailedExport struct {
	DOI        string `json:"doi"`
	Validator  string `json:"validator"`
	FailReason string `json:"failReason"`
	RetryTimes int    `json:"retryTimes"`
}

// Import parses an externally produced task list. Every entry must
// carry a doi and a validator name; anything else is rejected so a bad
// upload never replaces a working queue.
func Import(data []byte) ([]Task, error) {
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse task list: %w", err)
	}
	for i := range tasks {
		if tasks[i].ID == "" || tasks[i].Rule == "" {
			return nil, fmt.Errorf("task %d: doi and validator are required", i)
		}
	}
	return tasks, nil
}

// ExportAll renders the whole queue in the interchange form Import
// accepts, so a queue can be moved between stores or crawler instances.
func ExportAll(tasks []Task) ([]byte, error) {
	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tasks: %w", err)
	}
	return data, nil
}

// ExportFailed renders the failed subset of the queue, keeping the
// recorded reason with each entry.
func ExportFailed(tasks []Task) ([]byte, error) {
	out := make([]FailedExport, 0)
	for i := range tasks {
		t := &tasks[i]
		if t.Status != StatusFailed && t.FailReason == "" {
			continue
		}
		reason := t.FailReason
		if reason == "" {
			reason = "Unknown Failure"
		}
		out = append(out, FailedExport{
			DOI:        t.ID,
			Validator:  t.Rule,
			FailReason: reason,
			RetryTimes: t.RetryCount,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode failed tasks: %w", err)
	}
	return data, nil
}
