package crawl

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ikkem-lin/papercrawl/internal/metrics"
	"github.com/ikkem-lin/papercrawl/internal/presign"
	"github.com/ikkem-lin/papercrawl/internal/rules"
	"github.com/ikkem-lin/papercrawl/internal/task"
	"github.com/ikkem-lin/papercrawl/internal/upload"
)

// attempt runs the state machine for one task. Every exit path writes
// its reason to the task and persists before returning, so the next
// bootstrap sees the outcome no matter what happens after.
func (r *Runner) attempt(ctx context.Context, current *task.Task, sw *task.Stopwatch, persist func()) Decision {
	probe, err := r.fetcher.Fetch(ctx, current.URL())
	if err != nil {
		return r.chargeRetry(ctx, current, exceptionReason(err), persist)
	}

	if unsupportedContent(probe.ContentType, probe.FinalURL) {
		reason := unsupportedContentReason(probe.ContentType)
		r.retry.RecordOutcome(current, false, reason)
		persist()
		metrics.ObserveTaskResult("aborted")
		r.logger.Warn("unsupported content", zap.String("doi", current.DOI()), zap.String("content_type", probe.ContentType))
		return Decision{Action: NavNext, Wait: r.cfg.TaskInterval, Reason: reason}
	}

	if probeDoc, err := rules.ParseDocument(string(probe.Body)); err == nil {
		if probeDoc.Find("#challenge-form").Length() > 0 {
			current.Blocked = true
			r.retry.RecordOutcome(current, false, ReasonChallenge)
			persist()
			metrics.ObserveTaskResult("blocked")
			r.logger.Warn("challenge interstitial", zap.String("doi", current.DOI()))
			return Decision{Action: NavNext, Wait: r.cfg.ChallengeWait, Reason: ReasonChallenge}
		}
	}

	rule, ok := r.rules.Lookup(current.Rule)
	if !ok {
		reason := missingRuleReason(current.Rule)
		r.retry.RecordOutcome(current, false, reason)
		persist()
		metrics.ObserveTaskResult("failed")
		r.logger.Error("rule missing", zap.String("doi", current.DOI()), zap.String("rule", current.Rule))
		return Decision{Action: NavNext, Wait: r.cfg.TaskInterval, Reason: reason}
	}

	plan, err := r.uploader.Prepare(ctx, current, sw)
	if err != nil {
		var exists *upload.AlreadyExistsError
		switch {
		case errors.As(err, &exists):
			// Archived by an earlier run or another crawler. Terminal,
			// but not charged as a failure of this run.
			r.retry.RecordOutcome(current, false, exists.Reason)
			persist()
			metrics.ObserveTaskResult("skipped")
			r.logger.Info("archive exists", zap.String("doi", current.DOI()), zap.String("reason", exists.Reason))
			return Decision{Action: NavNext, Wait: r.cfg.TaskInterval, Reason: exists.Reason}
		case errors.Is(err, presign.ErrGatewayRejected), errors.Is(err, presign.ErrGatewayUnavailable):
			// Environmental; the task keeps its retry budget.
			persist()
			r.logger.Error("presign gateway trouble", zap.String("doi", current.DOI()), zap.Error(err))
			return Decision{Action: NavReloadLong, Wait: r.cfg.LongErrorReloadWait, Reason: err.Error()}
		default:
			return r.chargeRetry(ctx, current, exceptionReason(err), persist)
		}
	}

	page, err := r.archiver.Capture(ctx, current.URL())
	if err != nil {
		return r.chargeRetry(ctx, current, exceptionReason(err), persist)
	}
	sw.Mark(current, task.StageSingleFileSuccess)

	if !strings.Contains(strings.ToLower(page.Text), current.DOI()) {
		decision := r.chargeRetry(ctx, current, ReasonContentMismatch, persist)
		if decision.Action == NavRetrySame {
			decision.Wait = r.cfg.QuickSleepWait
		}
		return decision
	}

	doc, err := rules.ParseDocument(page.CaptureHTML)
	if err != nil {
		return r.chargeRetry(ctx, current, exceptionReason(err), persist)
	}
	if ok, result := rule.Validate(doc); !ok {
		sw.Mark(current, task.StageValidateFailed)
		r.logger.Warn("validation mismatch",
			zap.String("doi", current.DOI()),
			zap.String("detail", result.Detail()),
		)
		return r.chargeRetry(ctx, current, result.Detail(), persist)
	}

	if err := r.uploader.Run(ctx, current, sw, plan, page.IndexHTML, page.CaptureHTML); err != nil {
		return r.chargeRetry(ctx, current, exceptionReason(err), persist)
	}

	r.retry.RecordOutcome(current, true, "")
	persist()
	metrics.ObserveTaskResult("succeeded")
	r.logger.Info("task archived", zap.String("doi", current.DOI()), zap.String("title", page.Title))
	return Decision{Action: NavNext, Wait: r.cfg.TaskInterval, Reason: "task archived"}
}

// chargeRetry runs a retryable failure through the retry policy and
// translates the verdict into a navigation decision. A cancelled attempt
// context means the watchdog ended the attempt; the runner records the
// forced abort itself, so no retry charge applies here.
func (r *Runner) chargeRetry(ctx context.Context, t *task.Task, reason string, persist func()) Decision {
	if ctx.Err() != nil {
		return Decision{Action: NavNext, Wait: r.cfg.TaskInterval, Reason: reason}
	}
	if r.retry.RecordFailure(t, reason) {
		persist()
		metrics.ObserveTaskResult("retried")
		r.logger.Warn("task retry",
			zap.String("doi", t.DOI()),
			zap.Int("retry_count", t.RetryCount),
			zap.String("reason", reason),
		)
		return Decision{Action: NavRetrySame, Wait: r.cfg.ErrorReloadWait, Reason: reason}
	}
	persist()
	metrics.ObserveTaskResult("failed")
	r.logger.Error("task failed terminally",
		zap.String("doi", t.DOI()),
		zap.String("reason", t.FailReason),
	)
	return Decision{Action: NavNext, Wait: r.cfg.TaskInterval, Reason: t.FailReason}
}

// unsupportedContent flags documents the capture pipeline cannot
// process: PDFs and structured data served in place of a page.
func unsupportedContent(contentType, finalURL string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "pdf") || strings.Contains(ct, "xml") || strings.Contains(ct, "json") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(finalURL), ".pdf")
}
