package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// retryable reports whether a response status is worth another attempt.
func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// doWithRetry executes an idempotent request with exponential backoff and
// jitter on network failures, 5xx and 429. The last response is returned
// as-is so the caller can decode the service's error message.
func (c *Client) doWithRetry(ctx context.Context, op string, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * c.retryBase
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			c.logger.Warn("retrying request", "op", op, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Warn("request failed, will retry", "op", op, "err", err)
				continue
			}
			return nil, err
		}

		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			drain(resp)
			c.logger.Warn("server error, will retry", "op", op, "status", resp.StatusCode)
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}

	return nil, lastErr
}
