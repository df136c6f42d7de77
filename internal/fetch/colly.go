// Package fetch retrieves the raw document before rendering, so cheap
// checks (status, content type, challenge pages) run without paying for
// a browser session.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Result is the outcome of one probe request.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
	FinalURL    string
}

// Config tunes the probe collector.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	RatePerDomain  int
}

// CollyFetcher probes target pages with a shared Colly collector.
type CollyFetcher struct {
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewCollyFetcher constructs a configured probe fetcher.
func NewCollyFetcher(cfg Config, logger *zap.Logger) (*CollyFetcher, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []colly.CollectorOption{
		colly.Async(true),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	if cfg.RatePerDomain > 0 {
		delay := time.Second / time.Duration(cfg.RatePerDomain)
		if err := base.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: 1,
			Delay:       delay,
		}); err != nil {
			return nil, err
		}
	}

	return &CollyFetcher{baseCollector: base, logger: logger}, nil
}

// Fetch probes one URL. Non-2xx statuses are returned in the Result,
// not as errors, since the attempt logic decides what they mean.
func (f *CollyFetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	collector := f.baseCollector.Clone()
	resultCh := make(chan probeResult, 1)
	var once sync.Once
	send := func(res probeResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		res := Result{
			StatusCode: r.StatusCode,
			FinalURL:   r.Request.URL.String(),
			Body:       append([]byte{}, r.Body...),
		}
		if r.Headers != nil {
			res.ContentType = r.Headers.Get("Content-Type")
		}
		send(probeResult{result: res})
	})

	collector.OnError(func(r *colly.Response, err error) {
		// Colly surfaces error statuses here; keep the body so
		// challenge pages can still be inspected.
		if r != nil && r.StatusCode > 0 {
			res := Result{
				StatusCode: r.StatusCode,
				FinalURL:   rawURL,
				Body:       append([]byte{}, r.Body...),
			}
			if r.Headers != nil {
				res.ContentType = r.Headers.Get("Content-Type")
			}
			if r.Request != nil && r.Request.URL != nil {
				res.FinalURL = r.Request.URL.String()
			}
			send(probeResult{result: res})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(probeResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return Result{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		return res.result, res.err
	default:
		return Result{}, errors.New("probe produced no result")
	}
}

type probeResult struct {
	result Result
	err    error
}
