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

package httpclient

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient records sleeps instead of sleeping and pins jitter to its
// lower edge, the worst case for honoring Retry-After.
func testClient(t *testing.T, opts ...Option) (*Client, *[]time.Duration) {
	t.Helper()
	var sleeps []time.Duration
	opts = append(opts, withSleep(func(d time.Duration) { sleeps = append(sleeps, d) }))
	c := New(opts...)
	c.jitter = func() float64 { return 0 }
	return c, &sleeps
}

func newGetRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestRetriesOn429ThenSucceeds(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	c, sleeps := testClient(t, WithBaseDelay(10*time.Millisecond))
	resp, err := c.Do(newGetRequest(t, server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, requests)
	require.Len(t, *sleeps, 1)
}

func TestRetryAfterIsAFloorOnTheDelay(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// With jitter at its lower edge the exponential delay alone would
	// be 750ms; the advertised Retry-After must still win.
	c, sleeps := testClient(t)
	resp, err := c.Do(newGetRequest(t, server.URL))
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, *sleeps, 1)
	assert.GreaterOrEqual(t, (*sleeps)[0], 2*time.Second)
}

func TestRetryBudgetExhaustedOn5xx(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c, sleeps := testClient(t, WithMaxRetries(2), WithBaseDelay(time.Millisecond))
	_, err := c.Do(newGetRequest(t, server.URL))

	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, http.StatusBadGateway, retryErr.StatusCode)
	assert.Equal(t, 3, retryErr.Attempts)
	assert.Equal(t, 3, requests)
	assert.Len(t, *sleeps, 2)
}

func TestOther4xxNeverRetried(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"bad search expression"}`)
	}))
	defer server.Close()

	c, sleeps := testClient(t)
	_, err := c.Do(newGetRequest(t, server.URL))

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	assert.Contains(t, reqErr.Body, "bad search expression")
	assert.False(t, reqErr.NotFound())
	assert.Equal(t, 1, requests)
	assert.Empty(t, *sleeps)
}

func TestNotFoundSurfacesAsRequestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, _ := testClient(t)
	_, err := c.Do(newGetRequest(t, server.URL))

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, reqErr.NotFound())
}

func TestRetryReplaysRequestBody(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, _ := testClient(t, WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"q":"pump"}`))
	require.NoError(t, err)
	require.NotNil(t, req.GetBody)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, `{"q":"pump"}`, bodies[1])
}

// flakyTransport fails a fixed number of round trips before delegating.
type flakyTransport struct {
	failures int
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	return f.next.RoundTrip(req)
}

func TestTransportErrorRetriedOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, _ := testClient(t,
		WithBaseDelay(time.Millisecond),
		WithHTTPClient(&http.Client{Transport: &flakyTransport{failures: 1, next: http.DefaultTransport}}))
	resp, err := c.Do(newGetRequest(t, server.URL))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransportErrorSurfacesAfterBudget(t *testing.T) {
	c, _ := testClient(t,
		WithBaseDelay(time.Millisecond),
		WithHTTPClient(&http.Client{Transport: &flakyTransport{failures: 2, next: http.DefaultTransport}}))
	_, err := c.Do(newGetRequest(t, "http://unreachable.invalid"))

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Contains(t, transportErr.Error(), "connection reset")
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"absent", "", 0},
		{"seconds", "3", 3 * time.Second},
		{"garbage", "soon", 0},
		{"negative", "-1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			assert.Equal(t, tt.want, parseRetryAfter(h))
		})
	}

	t.Run("http date", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", time.Now().Add(5*time.Second).UTC().Format(http.TimeFormat))
		d := parseRetryAfter(h)
		assert.Greater(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	})
}

func TestBackoffSchedule(t *testing.T) {
	c := New(WithBaseDelay(time.Second))

	c.jitter = func() float64 { return 0.5 } // no jitter
	assert.Equal(t, time.Second, c.backoff(0, 0))
	assert.Equal(t, 2*time.Second, c.backoff(1, 0))
	assert.Equal(t, 4*time.Second, c.backoff(2, 0))

	// Retry-After floors the jittered delay, in both directions.
	c.jitter = func() float64 { return 0 }
	assert.Equal(t, 3*time.Second, c.backoff(0, 3*time.Second))
	c.jitter = func() float64 { return 0.999 }
	assert.Greater(t, c.backoff(2, 3*time.Second), 3*time.Second)
}
