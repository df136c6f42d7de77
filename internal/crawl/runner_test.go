package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ikkem-lin/papercrawl/internal/archive"
	"github.com/ikkem-lin/papercrawl/internal/fetch"
	"github.com/ikkem-lin/papercrawl/internal/presign"
	"github.com/ikkem-lin/papercrawl/internal/rules"
	"github.com/ikkem-lin/papercrawl/internal/task"
	"github.com/ikkem-lin/papercrawl/internal/upload"
)

// memStore is an in-memory task.Store recording save ordering.
type memStore struct {
	mu    sync.Mutex
	tasks []task.Task
	saves int
}

func (s *memStore) Load(_ context.Context) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, len(s.tasks))
	copy(out, s.tasks)
	return out, nil
}

func (s *memStore) Save(_ context.Context, tasks []task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make([]task.Task, len(tasks))
	copy(s.tasks, tasks)
	s.saves++
	return nil
}

func (s *memStore) get(id string) task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return t
		}
	}
	return task.Task{}
}

type fakeFetcher struct {
	result fetch.Result
	err    error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (fetch.Result, error) {
	return f.result, f.err
}

// fakeArchiver returns canned pages, one per call, repeating the last.
type fakeArchiver struct {
	mu    sync.Mutex
	pages []archive.PageData
	calls int
	block bool
}

func (a *fakeArchiver) Capture(ctx context.Context, _ string) (archive.PageData, error) {
	if a.block {
		<-ctx.Done()
		return archive.PageData{}, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	if i >= len(a.pages) {
		i = len(a.pages) - 1
	}
	a.calls++
	return a.pages[i], nil
}

type fakePresigner struct {
	urls map[string]string
	err  error
}

func (f *fakePresigner) PresignPut(_ context.Context, _, fileName string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.urls[fileName], nil
}

func okUploadServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fastConfig() Config {
	return Config{
		MaxRetries:          3,
		WatchdogTimeout:     5 * time.Second,
		TaskInterval:        time.Millisecond,
		NoTaskWait:          time.Millisecond,
		ErrorReloadWait:     time.Millisecond,
		LongErrorReloadWait: time.Millisecond,
		ChallengeWait:       time.Millisecond,
		QuickSleepWait:      time.Millisecond,
	}
}

func siteARules() rules.Set {
	return rules.Set{"siteA": {
		AbstractSelectors:  []string{".abstract"},
		ParagraphSelectors: []string{"p"},
	}}
}

const goodCapture = `<html><head><title>Paper</title></head><body><div class="abstract">x</div><p>10.1/ab_cd text</p></body></html>`

func newRunner(cfg Config, store *memStore, fetcher Fetcher, archiver archive.Archiver, presigner upload.Presigner) *Runner {
	return NewRunner(cfg, Deps{
		Store:    store,
		Rules:    siteARules(),
		Fetcher:  fetcher,
		Archiver: archiver,
		Uploader: upload.NewCoordinator(presigner, zap.NewNop()),
		ClientID: "test-client",
		Logger:   zap.NewNop(),
	})
}

func TestRunOnceSuccessPath(t *testing.T) {
	t.Parallel()

	srv := okUploadServer(t)
	store := &memStore{tasks: []task.Task{{ID: "10.1/ab_cd", Rule: "siteA"}}}
	archiver := &fakeArchiver{pages: []archive.PageData{{
		Title:       "Paper",
		Text:        "some body with 10.1/ab_cd inside",
		IndexHTML:   goodCapture,
		CaptureHTML: goodCapture,
	}}}
	presigner := &fakePresigner{urls: map[string]string{
		upload.IndexArtifact:   srv.URL + "/index",
		upload.CaptureArtifact: srv.URL + "/capture",
	}}
	r := newRunner(fastConfig(), store, &fakeFetcher{result: fetch.Result{StatusCode: 200, ContentType: "text/html", Body: []byte("<html></html>")}}, archiver, presigner)

	decision := r.RunOnce(context.Background())
	require.Equal(t, NavNext, decision.Action)

	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusSucceeded, got.Status)
	require.Empty(t, got.FailReason)
	require.Zero(t, got.RetryCount)
	require.Contains(t, got.Timepoints, task.StageSingleFileUploaded)
	require.Contains(t, got.Timepoints, task.StageIndexFileUploaded)
}

func TestRunOnceMissingRuleIsTerminalWithoutRetry(t *testing.T) {
	t.Parallel()

	store := &memStore{tasks: []task.Task{
		{ID: "10.1/ab_cd", Rule: "siteB"},
		{ID: "10.1/next", Rule: "siteA"},
	}}
	r := newRunner(fastConfig(), store, &fakeFetcher{result: fetch.Result{StatusCode: 200, ContentType: "text/html"}}, &fakeArchiver{pages: []archive.PageData{{}}}, &fakePresigner{})

	decision := r.RunOnce(context.Background())
	require.Equal(t, NavNext, decision.Action)

	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusFailed, got.Status)
	require.Contains(t, got.FailReason, "Missing Validator")
	require.Zero(t, got.RetryCount)

	// The selector advances past the terminal record.
	current, _ := task.SelectNext(store.tasks)
	require.NotNil(t, current)
	require.Equal(t, "10.1/next", current.ID)
}

func TestRunOnceContentMismatchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	srv := okUploadServer(t)
	store := &memStore{tasks: []task.Task{{ID: "10.1/ab_cd", Rule: "siteA"}}}
	// Two captures miss the identifier, the third has it.
	badPage := archive.PageData{Text: "unrelated page", IndexHTML: goodCapture, CaptureHTML: goodCapture}
	goodPage := archive.PageData{Text: "here is 10.1/ab_cd", IndexHTML: goodCapture, CaptureHTML: goodCapture}
	archiver := &fakeArchiver{pages: []archive.PageData{badPage, badPage, goodPage}}
	presigner := &fakePresigner{urls: map[string]string{
		upload.IndexArtifact:   srv.URL + "/index",
		upload.CaptureArtifact: srv.URL + "/capture",
	}}
	r := newRunner(fastConfig(), store, &fakeFetcher{result: fetch.Result{StatusCode: 200, ContentType: "text/html"}}, archiver, presigner)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		decision := r.RunOnce(ctx)
		require.Equal(t, NavRetrySame, decision.Action)
		require.Equal(t, ReasonContentMismatch, decision.Reason)
	}
	decision := r.RunOnce(ctx)
	require.Equal(t, NavNext, decision.Action)

	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusSucceeded, got.Status)
	require.Equal(t, 2, got.RetryCount)
	require.Empty(t, got.FailReason)
}

func TestRunOnceRetriesExhaustTerminally(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxRetries = 2
	store := &memStore{tasks: []task.Task{{ID: "10.1/ab_cd", Rule: "siteA"}}}
	badPage := archive.PageData{Text: "unrelated", IndexHTML: goodCapture, CaptureHTML: goodCapture}
	srv := okUploadServer(t)
	presigner := &fakePresigner{urls: map[string]string{
		upload.IndexArtifact:   srv.URL + "/index",
		upload.CaptureArtifact: srv.URL + "/capture",
	}}
	r := newRunner(cfg, store, &fakeFetcher{result: fetch.Result{StatusCode: 200, ContentType: "text/html"}}, &fakeArchiver{pages: []archive.PageData{badPage}}, presigner)

	ctx := context.Background()
	require.Equal(t, NavRetrySame, r.RunOnce(ctx).Action)
	require.Equal(t, NavRetrySame, r.RunOnce(ctx).Action)
	// Third failure exceeds the budget of 2 and terminalizes.
	require.Equal(t, NavNext, r.RunOnce(ctx).Action)

	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, 2, got.RetryCount)
	require.Equal(t, "Max retries exceeded. Last Error: "+ReasonContentMismatch, got.FailReason)

	// Terminal records are never mutated again.
	require.Equal(t, NavIdle, r.RunOnce(ctx).Action)
	require.Equal(t, got, store.get("10.1/ab_cd"))
}

func TestRunOnceUnsupportedContentForcesAbort(t *testing.T) {
	t.Parallel()

	store := &memStore{tasks: []task.Task{{ID: "10.1/ab_cd", Rule: "siteA"}}}
	fetcher := &fakeFetcher{result: fetch.Result{StatusCode: 200, ContentType: "application/pdf"}}
	r := newRunner(fastConfig(), store, fetcher, &fakeArchiver{pages: []archive.PageData{{}}}, &fakePresigner{})

	decision := r.RunOnce(context.Background())
	require.Equal(t, NavNext, decision.Action)

	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, "[Force Abort] Unsupported Content-Type: application/pdf", got.FailReason)
	require.Zero(t, got.RetryCount)
}

func TestRunOnceChallengeBlocks(t *testing.T) {
	t.Parallel()

	store := &memStore{tasks: []task.Task{{ID: "10.1/ab_cd", Rule: "siteA"}}}
	fetcher := &fakeFetcher{result: fetch.Result{
		StatusCode:  403,
		ContentType: "text/html",
		Body:        []byte(`<html><body><form id="challenge-form"></form></body></html>`),
	}}
	r := newRunner(fastConfig(), store, fetcher, &fakeArchiver{pages: []archive.PageData{{}}}, &fakePresigner{})

	decision := r.RunOnce(context.Background())
	require.Equal(t, NavNext, decision.Action)

	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, ReasonChallenge, got.FailReason)
	require.True(t, got.Blocked)
}

func TestRunOnceArchiveExistsIsSkip(t *testing.T) {
	t.Parallel()

	store := &memStore{tasks: []task.Task{{ID: "10.1/ab_cd", Rule: "siteA"}}}
	// Every name conflicts, current and legacy.
	presigner := &fakePresigner{urls: map[string]string{}}
	r := newRunner(fastConfig(), store, &fakeFetcher{result: fetch.Result{StatusCode: 200, ContentType: "text/html"}}, &fakeArchiver{pages: []archive.PageData{{}}}, presigner)

	decision := r.RunOnce(context.Background())
	require.Equal(t, NavNext, decision.Action)

	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusFailed, got.Status)
	require.Contains(t, got.FailReason, "File already exists on server")
	require.Zero(t, got.RetryCount)
}

func TestRunOnceGatewayDownIsNotCharged(t *testing.T) {
	t.Parallel()

	store := &memStore{tasks: []task.Task{{ID: "10.1/ab_cd", Rule: "siteA"}}}
	presigner := &fakePresigner{err: fmt.Errorf("%w: dial refused", presign.ErrGatewayUnavailable)}
	r := newRunner(fastConfig(), store, &fakeFetcher{result: fetch.Result{StatusCode: 200, ContentType: "text/html"}}, &fakeArchiver{pages: []archive.PageData{{}}}, presigner)

	decision := r.RunOnce(context.Background())
	require.Equal(t, NavReloadLong, decision.Action)

	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusPending, got.Status)
	require.Zero(t, got.RetryCount)
}

func TestRunOnceWatchdogForcesAbort(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.WatchdogTimeout = 50 * time.Millisecond
	store := &memStore{tasks: []task.Task{{ID: "10.1/ab_cd", Rule: "siteA"}}}
	srv := okUploadServer(t)
	presigner := &fakePresigner{urls: map[string]string{
		upload.IndexArtifact:   srv.URL + "/index",
		upload.CaptureArtifact: srv.URL + "/capture",
	}}
	archiver := &fakeArchiver{block: true}
	r := newRunner(cfg, store, &fakeFetcher{result: fetch.Result{StatusCode: 200, ContentType: "text/html"}}, archiver, presigner)

	decision := r.RunOnce(context.Background())
	require.Equal(t, NavNext, decision.Action)
	require.True(t, strings.HasPrefix(decision.Reason, "[Force Abort]"))

	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusFailed, got.Status)
	require.Contains(t, got.FailReason, "[Force Abort] Script Execution Timeout")
	// The cancelled attempt must not also charge a retry.
	require.Zero(t, got.RetryCount)
	require.Empty(t, got.LastError)
}

func TestRunOnceWatchdogCancelledOnNormalExit(t *testing.T) {
	t.Parallel()

	srv := okUploadServer(t)
	store := &memStore{tasks: []task.Task{{ID: "10.1/ab_cd", Rule: "siteA"}}}
	archiver := &fakeArchiver{pages: []archive.PageData{{
		Text:        "10.1/ab_cd",
		IndexHTML:   goodCapture,
		CaptureHTML: goodCapture,
	}}}
	presigner := &fakePresigner{urls: map[string]string{
		upload.IndexArtifact:   srv.URL + "/index",
		upload.CaptureArtifact: srv.URL + "/capture",
	}}
	r := newRunner(fastConfig(), store, &fakeFetcher{result: fetch.Result{StatusCode: 200, ContentType: "text/html"}}, archiver, presigner)

	require.Equal(t, NavNext, r.RunOnce(context.Background()).Action)

	// Long after the attempt, the watchdog must not have rewritten the
	// outcome.
	time.Sleep(20 * time.Millisecond)
	got := store.get("10.1/ab_cd")
	require.Equal(t, task.StatusSucceeded, got.Status)
	require.Empty(t, got.FailReason)
}

func TestRunOnceIdleWhenQueueEmpty(t *testing.T) {
	t.Parallel()

	store := &memStore{tasks: []task.Task{{ID: "10.1/done", Rule: "siteA", Status: task.StatusSucceeded}}}
	r := newRunner(fastConfig(), store, &fakeFetcher{}, &fakeArchiver{pages: []archive.PageData{{}}}, &fakePresigner{})

	decision := r.RunOnce(context.Background())
	require.Equal(t, NavIdle, decision.Action)
	// Terminal success is never re-selected or touched.
	require.Equal(t, task.StatusSucceeded, store.get("10.1/done").Status)
}
