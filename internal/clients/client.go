// Package clients implements the upstream HTTP clients (C3) for sources T,
// M and C: authenticated pagination, 429/5xx backoff, and a per-client
// token-bucket rate ceiling. The retry shape is grounded on the teacher's
// notion_http_client.go and mountsync.HTTPClient.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// UpdatedItem is the minimal descriptor the poller needs from a page of
// results: enough to build a create_or_update envelope (spec.md §4.5 step 5).
type UpdatedItem struct {
	ExternalID string
	UpdatedAt  time.Time
	CreatedAt  time.Time
}

// UpstreamClient is the pagination half of C3's contract.
type UpstreamClient interface {
	ListUpdatedSince(ctx context.Context, since time.Time, cursor string) (items []UpdatedItem, nextCursor string, exhausted bool, err error)
}

// RetryConfig matches spec.md §4.3: base 1s, cap 60s, jitter, max 5 retries.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	return c
}

// baseClient is embedded by TaskClient/MailClient/DocClient: shared auth
// header injection, retry/backoff, and a rate limiter enforcing the
// "global per-client request rate ceiling" of spec.md §4.3.
type baseClient struct {
	baseURL     string
	httpClient  *http.Client
	retry       RetryConfig
	limiter     *rate.Limiter
	authHeaders func(req *http.Request)
}

func newBaseClient(baseURL string, requestsPerSecond float64, authHeaders func(req *http.Request)) baseClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Limit(5) // conservative default per §4.3
		requestsPerSecond = 5
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return baseClient{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second}, // per-request timeout, §5
		retry:       RetryConfig{}.withDefaults(),
		limiter:     rate.NewLimiter(limit, burst),
		authHeaders: authHeaders,
	}
}

// doJSON performs one logical call with the full retry/classification
// policy of spec.md §4.3: 429/5xx are transient and retried with backoff
// honoring Retry-After; other 4xx are permanent; 404 is surfaced as a
// GoneError so C6 can turn it into a deletion.
func (c *baseClient) doJSON(ctx context.Context, method, path string, query map[string]string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		values := make([]string, 0, len(query))
		for k, v := range query {
			values = append(values, k+"="+v)
		}
		u += "?" + strings.Join(values, "&")
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return &syncmodel.TransientError{Op: path, Err: err}
		}
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return err
		}
		if c.authHeaders != nil {
			c.authHeaders(req)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.retry.MaxRetries {
				if waitErr := sleepContext(ctx, c.backoffDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &syncmodel.TransientError{Op: path, Err: err}
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil || len(body) == 0 {
				return nil
			}
			return json.Unmarshal(body, out)
		case resp.StatusCode == http.StatusNotFound:
			return &syncmodel.GoneError{ExternalID: path}
		case resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599):
			lastErr = fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
			if attempt < c.retry.MaxRetries {
				if waitErr := sleepContext(ctx, c.backoffDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &syncmodel.TransientError{Op: path, Err: lastErr}
		default:
			return &syncmodel.PermanentError{Op: path, Err: fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))}
		}
	}
	return &syncmodel.TransientError{Op: path, Err: lastErr}
}

func (c *baseClient) backoffDelay(attempt int, retryAfterHeader string) time.Duration {
	if d := parseRetryAfter(retryAfterHeader); d > 0 {
		if d > c.retry.MaxDelay {
			return c.retry.MaxDelay
		}
		return d
	}
	delay := c.retry.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.retry.MaxDelay {
			return c.retry.MaxDelay
		}
	}
	if delay > c.retry.MaxDelay {
		delay = c.retry.MaxDelay
	}
	// jitter: scaled into [delay/2, delay) by jitterFraction
	return time.Duration(float64(delay) * jitterFraction())
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
