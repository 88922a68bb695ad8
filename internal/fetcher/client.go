package fetcher

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// Config controls one polite client instance.
type Config struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	OverallTimeout time.Duration

	MaxRetries     int
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration

	UserAgents []string
	// BlockMarkers are substrings whose presence in a 200 body counts as a
	// soft block.
	BlockMarkers []string
	// BlockStatuses lists HTTP statuses treated as a hard block. The
	// scraped adapter uses {403, 429, 503}; the registry adapter excludes
	// 429 and handles rate limiting itself.
	BlockStatuses []int

	// RandomPages are legitimate same-host paths fetched as camouflage
	// traffic. RandomPageInterval successes arm one camouflage request
	// fired with probability PRandomPage.
	RandomPages        []string
	RandomPageInterval int
	PRandomPage        float64

	MaxBodySize int64
}

// Result is a successful fetch.
type Result struct {
	Body         []byte
	StatusCode   int
	ResponseTime time.Duration
}

// Observer receives the outcome of every request for audit logging.
type Observer func(url string, statusCode int, responseTime time.Duration, err error)

// Client executes HTTP requests under the politeness contract: per-host
// pacing with jitter, user-agent rotation, camouflage traffic, block
// detection with cool-down, and bounded retry for transport errors only.
type Client struct {
	cfg      Config
	http     *http.Client
	pacer    *hostPacer
	retry    RetryPolicy
	logger   arbor.ILogger
	observer Observer
}

const fourxxWindow = 60 * time.Second

// New creates a polite client.
func New(cfg Config, logger arbor.ILogger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = 120 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 20 << 20
	}
	if len(cfg.BlockStatuses) == 0 {
		cfg.BlockStatuses = []int{http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable}
	}
	if cfg.RandomPageInterval <= 0 {
		cfg.RandomPageInterval = 25
	}

	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.RequestTimeout},
		pacer: newHostPacer(cfg.MinDelay, cfg.MaxDelay),
		retry: RetryPolicy{
			MaxAttempts:    cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			BackoffFactor:  cfg.BackoffFactor,
		},
		logger: logger,
	}
}

// SetObserver installs the audit callback. Must be called before use.
func (c *Client) SetObserver(obs Observer) {
	c.observer = obs
}

// Get fetches url with the politeness contract applied.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Result, error) {
	return c.do(ctx, http.MethodGet, url, headers, nil)
}

// Post sends body to url with the politeness contract applied.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body []byte) (*Result, error) {
	return c.do(ctx, http.MethodPost, url, headers, body)
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OverallTimeout)
	defer cancel()

	host := extractHost(url)
	if err := c.pacer.wait(ctx, host); err != nil {
		return nil, err
	}

	var lastErr error
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := c.doOnce(ctx, method, url, headers, body)
		if c.observer != nil {
			status := 0
			var dur time.Duration
			if res != nil {
				status = res.StatusCode
				dur = res.ResponseTime
			}
			c.observer(url, status, dur, err)
		}

		if err == nil {
			if n := c.pacer.recordSuccess(host); n%c.cfg.RandomPageInterval == 0 {
				c.maybeCamouflage(ctx, url)
			}
			return res, nil
		}

		// Only transport-level trouble loops here; application outcomes
		// surface immediately.
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt < maxAttempts-1 {
			backoff := c.retry.Backoff(attempt)
			c.logger.Debug().Str("url", url).Int("attempt", attempt+1).Str("backoff", backoff.String()).Err(err).Msg("Retrying after backoff")
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, models.WrapKind(models.ErrFatal, "invalid request for %s: %v", url, err)
	}

	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.WrapKind(models.ErrTransient, "request to %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodySize))
	if err != nil {
		return nil, models.WrapKind(models.ErrTransient, "reading body from %s: %v", url, err)
	}

	result := &Result{Body: bodyBytes, StatusCode: resp.StatusCode, ResponseTime: elapsed}
	return c.classify(url, result)
}

// classify maps an HTTP response into exactly one outcome kind.
func (c *Client) classify(url string, res *Result) (*Result, error) {
	host := extractHost(url)
	status := res.StatusCode

	for _, blocked := range c.cfg.BlockStatuses {
		if status == blocked {
			if status == http.StatusTooManyRequests {
				return nil, models.WrapKind(models.ErrBlocked, "status 429 from %s", host)
			}
			return nil, models.WrapKind(models.ErrBlocked, "status %d from %s", status, host)
		}
	}

	switch {
	case status == http.StatusNotFound:
		return nil, models.WrapKind(models.ErrNotFound, "%s", url)
	case status == http.StatusTooManyRequests:
		return nil, models.WrapKind(models.ErrRateLimited, "status 429 from %s", host)
	case status >= 500:
		return nil, models.WrapKind(models.ErrTransient, "status %d from %s", status, host)
	case status >= 400:
		// A burst of hard 4xx responses against one host is a block in
		// disguise.
		if c.pacer.record4xx(host, fourxxWindow) {
			return nil, models.WrapKind(models.ErrBlocked, "three 4xx responses from %s within %s (last %d)", host, fourxxWindow, status)
		}
		return nil, models.WrapKind(models.ErrTransient, "status %d from %s", status, host)
	}

	for _, marker := range c.cfg.BlockMarkers {
		if marker != "" && bytes.Contains(res.Body, []byte(marker)) {
			return nil, models.WrapKind(models.ErrBlocked, "block marker %q in body from %s", marker, host)
		}
	}

	return res, nil
}

// maybeCamouflage fires one fire-and-forget GET against a random
// legitimate page on the same host and discards the body.
func (c *Client) maybeCamouflage(ctx context.Context, lastURL string) {
	if len(c.cfg.RandomPages) == 0 || rand.Float64() >= c.cfg.PRandomPage {
		return
	}

	host := extractHost(lastURL)
	page := c.cfg.RandomPages[rand.Intn(len(c.cfg.RandomPages))]
	camoURL := page
	if strings.HasPrefix(page, "/") {
		camoURL = "https://" + host + page
	}

	if err := c.pacer.wait(ctx, host); err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, camoURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", c.userAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, c.cfg.MaxBodySize))
	resp.Body.Close()
	c.logger.Debug().Str("url", camoURL).Msg("Camouflage page fetched")
}

func (c *Client) userAgent() string {
	if len(c.cfg.UserAgents) == 0 {
		return "Mozilla/5.0 (compatible; orgflow/1.0)"
	}
	return c.cfg.UserAgents[rand.Intn(len(c.cfg.UserAgents))]
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if models.ClassifyError(err) == models.KindTransient {
		return true
	}
	return isTransportError(err) && models.ClassifyError(err) != models.KindCancelled
}

// ReadingPause sleeps a human-scale interval between page visits.
func ReadingPause(ctx context.Context, min, max time.Duration) error {
	if max < min {
		max = min
	}
	d := min + time.Duration(rand.Float64()*float64(max-min))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
