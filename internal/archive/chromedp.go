package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config tunes the headless browser archiver.
type Config struct {
	UserAgent string
	// SettleWait is how long the page is given after load before the
	// capture is taken, so late-arriving content makes it in.
	SettleWait     time.Duration
	CaptureTimeout time.Duration
}

// ChromeArchiver captures pages with headless Chrome via chromedp. One
// browser process is shared; each capture gets its own tab.
type ChromeArchiver struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	settleWait      time.Duration
	timeout         time.Duration
	userAgent       string
}

// NewChromeArchiver starts the browser and verifies it is usable.
func NewChromeArchiver(cfg Config, logger *zap.Logger) (*ChromeArchiver, error) {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &ChromeArchiver{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		settleWait:      cfg.SettleWait,
		timeout:         cfg.CaptureTimeout,
		userAgent:       cfg.UserAgent,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (a *ChromeArchiver) Close() error {
	if a == nil {
		return nil
	}
	a.browserCancel()
	a.allocatorCancel()
	return nil
}

// Capture loads the page in a fresh tab, waits for it to settle, then
// extracts title, text and the full DOM snapshot. The index
// representation is derived from the capture.
func (a *ChromeArchiver) Capture(ctx context.Context, rawURL string) (PageData, error) {
	tabCtx, cancelTab := chromedp.NewContext(a.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, a.timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	var (
		title string
		text  string
		html  string
	)
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(a.userAgent),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if a.settleWait > 0 {
		tasks = append(tasks, chromedp.Sleep(a.settleWait))
	}
	tasks = append(tasks,
		chromedp.Title(&title),
		chromedp.Text("body", &text, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return PageData{}, fmt.Errorf("chromedp run: %w", err)
	}

	index, err := buildIndex(html)
	if err != nil {
		return PageData{}, fmt.Errorf("build index: %w", err)
	}

	a.logger.Debug("page captured",
		zap.String("url", rawURL),
		zap.Int("capture_bytes", len(html)),
		zap.Int("index_bytes", len(index)),
	)
	return PageData{
		Title:       title,
		Text:        text,
		IndexHTML:   index,
		CaptureHTML: html,
	}, nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
