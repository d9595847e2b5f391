// Package eastmoney talks to the research report list API and detail pages.
package eastmoney

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/renderinc/research-reports/internal/config"
	"github.com/renderinc/research-reports/internal/retry"
)

const maxBodyBytes = 8 << 20

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Options configures a Client.
type Options struct {
	ListBaseURL    string
	DetailBaseURL  string
	UserAgent      string
	PageSize       int
	MaxPages       int
	RequestTimeout time.Duration
	RequestRPS     float64
	RetryBaseDelay time.Duration
	DetailRetryGap time.Duration
	// DetailConcurrency caps simultaneous detail page fetches.
	DetailConcurrency int
	// HTTPClient overrides the default client built from RequestTimeout.
	HTTPClient *http.Client
}

// OptionsFromConfig maps the upstream and sync config sections to Options.
func OptionsFromConfig(up config.UpstreamConfig, sync config.SyncConfig) Options {
	return Options{
		ListBaseURL:       up.ListBaseURL,
		DetailBaseURL:     up.DetailBaseURL,
		UserAgent:         up.UserAgent,
		PageSize:          up.PageSize,
		MaxPages:          up.MaxPages,
		RequestTimeout:    up.RequestTimeout,
		RequestRPS:        up.RequestRPS,
		RetryBaseDelay:    up.RetryBaseDelay,
		DetailRetryGap:    up.DetailRetryGap,
		DetailConcurrency: sync.Concurrency,
	}
}

// Client fetches report lists and detail pages.
type Client struct {
	listBase    *url.URL
	detailBase  *url.URL
	userAgent   string
	pageSize    int
	maxPages    int
	httpClient  *http.Client
	limiter     *rate.Limiter
	detailSlots *semaphore.Weighted
	listRetry   retry.Policy
	detailRetry retry.Policy
}

// NewClient creates a new upstream client.
func NewClient(opts Options) (*Client, error) {
	listBase, err := url.Parse(opts.ListBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse list base url: %w", err)
	}
	detailBase, err := url.Parse(opts.DetailBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse detail base url: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestRPS > 0 {
		burst := int(opts.RequestRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestRPS), burst)
	}

	slots := opts.DetailConcurrency
	if slots < 1 {
		slots = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = 40
	}
	maxPages := opts.MaxPages
	if maxPages < 1 {
		maxPages = 200
	}

	return &Client{
		listBase:    listBase,
		detailBase:  detailBase,
		userAgent:   opts.UserAgent,
		pageSize:    pageSize,
		maxPages:    maxPages,
		httpClient:  httpClient,
		limiter:     limiter,
		detailSlots: semaphore.NewWeighted(int64(slots)),
		listRetry: retry.Policy{
			Attempts:    3,
			BaseDelay:   opts.RetryBaseDelay,
			Exponential: true,
			Jitter:      opts.RetryBaseDelay / 4,
		},
		detailRetry: retry.Policy{
			Attempts:  3,
			BaseDelay: opts.DetailRetryGap,
		},
	}, nil
}

// get performs one paced GET. Transport failures, truncated bodies, 429 and
// 5xx responses come back marked transient.
func (c *Client) get(ctx context.Context, rawURL, referer string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		serr := &StatusError{URL: rawURL, Code: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retry.Transient(serr)
		}
		return nil, serr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("read response: %w", err))
	}
	return body, nil
}
