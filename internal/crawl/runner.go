package crawl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ikkem-lin/papercrawl/internal/archive"
	"github.com/ikkem-lin/papercrawl/internal/fetch"
	"github.com/ikkem-lin/papercrawl/internal/metrics"
	"github.com/ikkem-lin/papercrawl/internal/report"
	"github.com/ikkem-lin/papercrawl/internal/rules"
	"github.com/ikkem-lin/papercrawl/internal/task"
	"github.com/ikkem-lin/papercrawl/internal/upload"
)

// Default pacing, matching the long-running deployments this replaces.
const (
	DefaultWatchdogTimeout = 60 * time.Second
	DefaultTaskInterval    = 10 * time.Second
	DefaultNoTaskWait      = 90 * time.Second
	DefaultErrorReload     = 10 * time.Second
	DefaultLongErrorReload = 60 * time.Second
	DefaultChallengeWait   = 20 * time.Second
	DefaultQuickSleep      = 5 * time.Second
)

// Config tunes the runner's pacing and retry budget.
type Config struct {
	MaxRetries          int
	WatchdogTimeout     time.Duration
	TaskInterval        time.Duration
	NoTaskWait          time.Duration
	ErrorReloadWait     time.Duration
	LongErrorReloadWait time.Duration
	ChallengeWait       time.Duration
	QuickSleepWait      time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = task.DefaultMaxRetries
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if c.TaskInterval <= 0 {
		c.TaskInterval = DefaultTaskInterval
	}
	if c.NoTaskWait <= 0 {
		c.NoTaskWait = DefaultNoTaskWait
	}
	if c.ErrorReloadWait <= 0 {
		c.ErrorReloadWait = DefaultErrorReload
	}
	if c.LongErrorReloadWait <= 0 {
		c.LongErrorReloadWait = DefaultLongErrorReload
	}
	if c.ChallengeWait <= 0 {
		c.ChallengeWait = DefaultChallengeWait
	}
	if c.QuickSleepWait <= 0 {
		c.QuickSleepWait = DefaultQuickSleep
	}
}

// Fetcher probes a page before the expensive capture step.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Result, error)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Store    task.Store
	Rules    rules.Set
	Fetcher  Fetcher
	Archiver archive.Archiver
	Uploader *upload.Coordinator
	Reporter *report.Reporter
	ClientID string
	Logger   *zap.Logger
}

// Runner drives the crawl, one task attempt per cycle.
type Runner struct {
	cfg      Config
	store    task.Store
	rules    rules.Set
	fetcher  Fetcher
	archiver archive.Archiver
	uploader *upload.Coordinator
	reporter *report.Reporter
	retry    task.RetryPolicy
	clientID string
	logger   *zap.Logger
}

// NewRunner wires a Runner.
func NewRunner(cfg Config, deps Deps) *Runner {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Runner{
		cfg:      cfg,
		store:    deps.Store,
		rules:    deps.Rules,
		fetcher:  deps.Fetcher,
		archiver: deps.Archiver,
		uploader: deps.Uploader,
		reporter: deps.Reporter,
		retry:    task.NewRetryPolicy(cfg.MaxRetries),
		clientID: deps.ClientID,
		logger:   logger,
	}
}

// Run cycles RunOnce until the context ends, sleeping between cycles
// per each attempt's navigation decision.
func (r *Runner) Run(ctx context.Context) error {
	for {
		decision := r.RunOnce(ctx)
		r.logger.Info("cycle finished",
			zap.Stringer("action", decision.Action),
			zap.Duration("wait", decision.Wait),
			zap.String("reason", decision.Reason),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(decision.Wait):
		}
	}
}

// RunOnce is one full bootstrap: reload the store, select a task, run
// the attempt under a watchdog, persist the outcome. It deliberately
// carries nothing over from the previous cycle, so killing and
// restarting the process between cycles changes nothing.
func (r *Runner) RunOnce(ctx context.Context) Decision {
	sw := task.NewStopwatch()

	tasks, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Error("load task store failed", zap.Error(err))
		return Decision{Action: NavReloadLong, Wait: r.cfg.LongErrorReloadWait, Reason: "task store unavailable"}
	}

	current, upcoming := task.SelectNext(tasks)
	if current == nil {
		return Decision{Action: NavIdle, Wait: r.cfg.NoTaskWait, Reason: "no tasks waiting"}
	}
	pending, done, failed := task.CountByState(tasks)
	r.logger.Info("task selected",
		zap.String("doi", current.DOI()),
		zap.String("rule", current.Rule),
		zap.Int("retry_count", current.RetryCount),
		zap.Int("pending", pending),
		zap.Int("done", done),
		zap.Int("failed", failed),
	)
	if upcoming != nil {
		r.logger.Debug("next in queue", zap.String("doi", upcoming.DOI()))
	}

	sw.Mark(current, task.StagePrepareStart)
	sw.Mark(current, task.StageTaskLoaded)

	// persist uses the outer context: the attempt context may already
	// be cancelled by the watchdog when the final save runs.
	persist := func() {
		if err := r.store.Save(ctx, tasks); err != nil {
			r.logger.Error("save task store failed", zap.Error(err))
		}
	}

	if r.reporter != nil {
		r.reporter.Report(ctx, report.BuildPayload(r.clientID, tasks, time.Now()))
		sw.Mark(current, task.StageTaskReported)
	}
	persist()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := ArmWatchdog(r.cfg.WatchdogTimeout, cancel)
	decision := r.attempt(attemptCtx, current, sw, persist)
	w.Stop()

	if w.Fired() {
		// The attempt unwound via context cancellation; the forced
		// abort mutation is applied here, on the runner goroutine.
		reason := forcedAbortReason(fmt.Sprintf("Script Execution Timeout (%.0fs limit)", r.cfg.WatchdogTimeout.Seconds()))
		r.retry.RecordOutcome(current, false, reason)
		persist()
		metrics.ObserveTaskResult("aborted")
		r.logger.Error("watchdog fired", zap.String("doi", current.DOI()))
		decision = Decision{Action: NavNext, Wait: r.cfg.TaskInterval, Reason: reason}
	}

	r.observeStages(current)
	return decision
}

func (r *Runner) observeStages(t *task.Task) {
	for stage, v := range t.Timepoints {
		if stage == task.StagePrepareStart {
			continue
		}
		metrics.ObserveStage(stage, time.Duration(v)*time.Millisecond)
	}
}
