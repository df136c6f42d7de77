// Package presign is the crawler-side client of the presign gateway.
// It walks an ordered endpoint list so a self-hosted gateway can take
// priority over the public fallbacks.
package presign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// DefaultEndpoints are tried, in order, after any preferred server.
var DefaultEndpoints = []string{
	"http://localhost:8000",
	"https://electrolyte-brain-minio.deno.dev",
}

// preferPattern accepts absolute http(s) origins for the preferred
// server setting; anything else is silently ignored.
var preferPattern = regexp.MustCompile(`^(https?)://([^\s/?.#]+\.?)+$`)

var (
	// ErrGatewayUnavailable means every endpoint failed at the transport
	// level. The caller should treat the attempt as retryable.
	ErrGatewayUnavailable = errors.New("presign gateway unavailable")
	// ErrGatewayRejected means a gateway answered but refused the
	// request with a retryable error (reload true).
	ErrGatewayRejected = errors.New("presign gateway rejected request")
)

// Config identifies this crawler to the gateway.
type Config struct {
	Account      string
	Password     string
	PreferServer string
	Endpoints    []string
	Timeout      time.Duration
}

// Client requests presigned upload URLs from the first responsive
// gateway endpoint.
type Client struct {
	endpoints []string
	httpc     *http.Client
	account   string
	password  string
	logger    *zap.Logger
}

// NewClient builds the endpoint order: the preferred server first, when
// it looks like a valid origin, then the configured or default list.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := cfg.Endpoints
	if len(base) == 0 {
		base = DefaultEndpoints
	}
	var endpoints []string
	if cfg.PreferServer != "" && preferPattern.MatchString(cfg.PreferServer) {
		endpoints = append(endpoints, cfg.PreferServer)
	}
	endpoints = append(endpoints, base...)
	return &Client{
		endpoints: endpoints,
		httpc:     &http.Client{Timeout: timeout},
		account:   cfg.Account,
		password:  cfg.Password,
		logger:    logger,
	}
}

type gatewayResponse struct {
	URL    string `json:"url"`
	Error  string `json:"error"`
	Reload bool   `json:"reload"`
}

// PresignPut asks the gateway chain for a PUT URL. An empty URL with a
// nil error means the object already exists and must not be written
// again. ErrGatewayRejected carries the gateway's retryable refusal;
// ErrGatewayUnavailable means no endpoint could be reached at all.
func (c *Client) PresignPut(ctx context.Context, doi, fileName string) (string, error) {
	var lastErr error
	for _, endpoint := range c.endpoints {
		u, err := c.requestOne(ctx, endpoint, doi, fileName)
		if err != nil {
			if errors.Is(err, ErrGatewayRejected) {
				return "", err
			}
			c.logger.Warn("presign endpoint failed",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		return u, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, lastErr)
}

func (c *Client) requestOne(ctx context.Context, endpoint, doi, fileName string) (string, error) {
	q := url.Values{}
	q.Set("doi", doi)
	q.Set("file_name", fileName)
	q.Set("account", c.account)
	q.Set("pass", c.password)
	reqURL := endpoint + "/api/presignedPutObject?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("request gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway status %d", resp.StatusCode)
	}

	var gw gatewayResponse
	if err := json.Unmarshal(body, &gw); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if gw.Error != "" {
		if gw.Reload {
			return "", fmt.Errorf("%w: %s", ErrGatewayRejected, gw.Error)
		}
		// Non-retryable refusal: the object (or a conflicting name)
		// already exists. Signaled as an empty URL, not an error.
		c.logger.Info("presign declined",
			zap.String("doi", doi),
			zap.String("file_name", fileName),
			zap.String("reason", gw.Error),
		)
		return "", nil
	}
	if gw.URL == "" {
		return "", nil
	}
	return gw.URL, nil
}
