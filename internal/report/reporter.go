// Package report delivers best-effort progress telemetry to an
// external collector. Delivery failures are logged and counted, never
// surfaced to the caller: losing a report must not affect any task.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ikkem-lin/papercrawl/internal/metrics"
	"github.com/ikkem-lin/papercrawl/internal/task"
)

// DefaultCollectorURL receives reports when no collector is configured.
const DefaultCollectorURL = "https://crawler-hit.deno.dev/api/update"

// Payload is the collector's wire format.
type Payload struct {
	Account         string `json:"account"`
	InvalidateCount int    `json:"invalidate_count"`
	DoneCount       int    `json:"done_count"`
	QueueCount      int    `json:"queue_count"`
	Tip             string `json:"tip"`
}

// Sink delivers one payload to a collector backend.
type Sink interface {
	Deliver(ctx context.Context, p Payload) error
}

// BuildPayload summarizes the task set: terminal counts plus a
// human-readable line with the last completion time and 24h throughput.
func BuildPayload(account string, tasks []task.Task, now time.Time) Payload {
	pending, done, failed := task.CountByState(tasks)

	var lastDone int64
	var last24h int
	cutoff := now.Add(-24 * time.Hour).UnixMilli()
	for _, t := range tasks {
		if t.Status != task.StatusSucceeded {
			continue
		}
		if t.UpdateTime > lastDone {
			lastDone = t.UpdateTime
		}
		if t.UpdateTime > cutoff {
			last24h++
		}
	}

	lastDoneText := "never"
	if lastDone > 0 {
		lastDoneText = time.UnixMilli(lastDone).Format(time.RFC3339)
	}
	return Payload{
		Account:         account,
		InvalidateCount: failed,
		DoneCount:       done,
		QueueCount:      pending,
		Tip:             fmt.Sprintf("Last download time: %s Speed: %d / last 24h", lastDoneText, last24h),
	}
}

// Reporter sends payloads through a sink, swallowing errors.
type Reporter struct {
	sink   Sink
	logger *zap.Logger
}

// NewReporter wires a Reporter to a sink.
func NewReporter(sink Sink, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Reporter{sink: sink, logger: logger}
}

// Report delivers the payload. It never returns an error; failures are
// logged and counted.
func (r *Reporter) Report(ctx context.Context, p Payload) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Deliver(ctx, p); err != nil {
		r.logger.Warn("report delivery failed", zap.Error(err))
		metrics.ObserveReportDelivery("failure")
		return
	}
	metrics.ObserveReportDelivery("success")
}

// HTTPSink POSTs payloads as JSON to a collector URL.
type HTTPSink struct {
	url   string
	httpc *http.Client
}

// NewHTTPSink builds a sink for the collector URL, defaulting both the
// URL and a bounded request timeout.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if url == "" {
		url = DefaultCollectorURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSink{
		url:   url,
		httpc: &http.Client{Timeout: timeout},
	}
}

// Deliver sends one payload.
func (s *HTTPSink) Deliver(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("post report: status %d", resp.StatusCode)
	}
	return nil
}
