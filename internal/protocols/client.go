package protocols

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrTransient marks failures worth retrying: network errors, timeouts and
// 5xx responses.
var ErrTransient = errors.New("transient network error")

// ClientConfig tunes outbound calls to one provider.
type ClientConfig struct {
	Timeout       time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	RatePerSecond float64
	Burst         int
	UserAgent     string
}

// Client wraps http.Client with per-provider throttling and bounded retry
// with exponential backoff.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	cfg     ClientConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client. A nil hc gets a fresh http.Client with
// cfg.Timeout.
func NewClient(cfg ClientConfig, hc *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

// UserAgent configured for this provider.
func (c *Client) UserAgent() string {
	return c.cfg.UserAgent
}

// Do sends the request produced by build, retrying transient failures. The
// builder is invoked once per attempt so request bodies are fresh. Non-5xx
// responses are returned to the caller unchanged.
func (c *Client) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		if c.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", c.cfg.UserAgent)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
			}
			lastErr = fmt.Errorf("%w: %v", ErrTransient, err)
			continue
		}
		if resp.StatusCode >= 500 {
			drain(resp)
			lastErr = fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseBackoff << uint(attempt-1)
	if d > c.cfg.MaxBackoff || d <= 0 {
		d = c.cfg.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReadBody reads at most limit bytes and closes the body.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// Drain discards a response the caller will not read.
func Drain(resp *http.Response) {
	if resp != nil {
		drain(resp)
	}
}
