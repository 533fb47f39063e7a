// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient provides a shared retrying HTTP client.
//
// Retry policy:
//   - 429: exponential backoff from the base delay, doubling per
//     attempt with +/-25% jitter, honoring Retry-After when present.
//   - 5xx: same backoff, up to the configured retry budget.
//   - Other 4xx: never retried; surfaced as *RequestError.
//   - Network errors and timeouts: one retry, then *TransportError.
//
// The client is safe for concurrent use; the underlying http.Client
// owns the connection pool.
package httpclient

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	// transportRetries bounds retries of connection-level failures.
	transportRetries = 1
)

// Client wraps http.Client with status-aware retry.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	sleep      func(time.Duration)
	jitter     func() float64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithMaxRetries sets the 429/5xx retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the first backoff interval.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// withSleep replaces the sleep function, for tests.
func withSleep(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a retrying client. The default transport uses a 5s
// connect timeout and a 30s overall request timeout.
func New(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		sleep:      time.Sleep,
		jitter:     rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request with retry. On success the caller owns the
// response body. Failures are typed: *RequestError for non-retryable
// 4xx, *RetryableError when the retry budget is exhausted, and
// *TransportError for connection-level failures.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var transportAttempts int

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, &TransportError{Err: err}
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if transportAttempts < transportRetries {
				transportAttempts++
				c.sleep(c.backoff(attempt, 0))
				continue
			}
			return nil, &TransportError{Err: err}
		}

		if resp.StatusCode < 400 {
			return resp, nil
		}

		if !retryable(resp.StatusCode) {
			defer resp.Body.Close()
			return nil, NewRequestError(resp)
		}

		if attempt >= c.maxRetries {
			defer resp.Body.Close()
			return nil, &RetryableError{
				StatusCode: resp.StatusCode,
				Attempts:   attempt + 1,
			}
		}

		retryAfter := parseRetryAfter(resp.Header)
		resp.Body.Close()
		c.sleep(c.backoff(attempt, retryAfter))
	}
}

// retryable reports whether a status code is worth retrying.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// backoff computes the delay before the next attempt. A server-advertised
// Retry-After is a floor: jitter never shortens the delay below it.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	base := c.baseDelay << uint(attempt)
	// +/-25% jitter
	d := time.Duration(float64(base) * (0.75 + 0.5*c.jitter()))
	if d < retryAfter {
		d = retryAfter
	}
	return d
}

// parseRetryAfter reads the Retry-After header as delay seconds or an
// HTTP date. Returns 0 when absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
