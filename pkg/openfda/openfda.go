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

// Package openfda is a typed client for the openFDA device datasets.
//
// All seven device endpoints share the same query surface: a filter
// expression (search), an aggregation field (count), limit and skip.
// Responses carry a meta block with the dataset's last_updated date
// and the result window. A 404 means "no matching records", not an
// error.
package openfda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/medwatch-ai/fdagent/pkg/config"
	"github.com/medwatch-ai/fdagent/pkg/httpclient"
)

// Endpoint names a device dataset resource.
type Endpoint string

const (
	EndpointClassification Endpoint = "classification"
	Endpoint510K           Endpoint = "510k"
	EndpointPMA            Endpoint = "pma"
	EndpointEnforcement    Endpoint = "enforcement"
	EndpointEvent          Endpoint = "event"
	EndpointUDI            Endpoint = "udi"
	EndpointRegistration   Endpoint = "registrationlisting"
)

// Endpoints lists every device dataset resource.
var Endpoints = []Endpoint{
	EndpointClassification,
	Endpoint510K,
	EndpointPMA,
	EndpointEnforcement,
	EndpointEvent,
	EndpointUDI,
	EndpointRegistration,
}

// MaxLimit is the endpoint maximum for a single page.
const MaxLimit = 1000

// Meta is the response metadata block.
type Meta struct {
	// LastUpdated is the dataset freshness date (YYYY-MM-DD).
	LastUpdated string `json:"last_updated"`
	Total       int    `json:"total"`
	Skip        int    `json:"skip"`
	Limit       int    `json:"limit"`
}

// Response is the normalized search result.
type Response struct {
	Meta    Meta
	Results []map[string]any
}

// TermCount is one bucket of an aggregation query.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// rawResponse mirrors the openFDA JSON envelope.
type rawResponse struct {
	Meta struct {
		LastUpdated string `json:"last_updated"`
		Results     struct {
			Skip  int `json:"skip"`
			Limit int `json:"limit"`
			Total int `json:"total"`
		} `json:"results"`
	} `json:"meta"`
	Results json.RawMessage `json:"results"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client issues rate-limited requests against the openFDA device API.
// Safe for concurrent use.
type Client struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
}

// NewClient builds a client from configuration. With an API key the
// limiter allows 240 requests/minute, without one 40/minute.
func NewClient(cfg config.OpenFDAConfig) *Client {
	perMinute := 40.0
	if cfg.APIKey != "" {
		perMinute = 240.0
	}
	return &Client{
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 10),
	}
}

// Search runs a filter query. limit is capped at MaxLimit; zero means
// the endpoint default. A 404 yields an empty Response.
func (c *Client) Search(ctx context.Context, ep Endpoint, search string, limit, skip int) (*Response, error) {
	if limit > MaxLimit {
		limit = MaxLimit
	}
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}

	raw, err := c.get(ctx, ep, q)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return &Response{}, nil
	}

	var results []map[string]any
	if len(raw.Results) > 0 {
		if err := json.Unmarshal(raw.Results, &results); err != nil {
			return nil, fmt.Errorf("failed to decode %s results: %w", ep, err)
		}
	}
	return &Response{
		Meta: Meta{
			LastUpdated: raw.Meta.LastUpdated,
			Total:       raw.Meta.Results.Total,
			Skip:        raw.Meta.Results.Skip,
			Limit:       raw.Meta.Results.Limit,
		},
		Results: results,
	}, nil
}

// Count runs an aggregation query over a field and returns term
// buckets. An empty bucket list is a valid result and is never retried.
func (c *Client) Count(ctx context.Context, ep Endpoint, field, search string, limit int) ([]TermCount, Meta, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = 100
	}
	q := url.Values{}
	q.Set("count", field)
	q.Set("limit", strconv.Itoa(limit))
	if search != "" {
		q.Set("search", search)
	}

	raw, err := c.get(ctx, ep, q)
	if err != nil {
		return nil, Meta{}, err
	}
	if raw == nil {
		return nil, Meta{}, nil
	}

	var terms []TermCount
	if len(raw.Results) > 0 {
		if err := json.Unmarshal(raw.Results, &terms); err != nil {
			return nil, Meta{}, fmt.Errorf("failed to decode %s count results: %w", ep, err)
		}
	}
	meta := Meta{LastUpdated: raw.Meta.LastUpdated}
	return terms, meta, nil
}

// Paginate fetches successive pages until the result set is exhausted
// or cap records have been collected. cap is a hard stop.
func (c *Client) Paginate(ctx context.Context, ep Endpoint, search string, cap int) (*Response, error) {
	if cap <= 0 || cap > MaxLimit {
		cap = MaxLimit
	}
	pageSize := 100
	if pageSize > cap {
		pageSize = cap
	}

	out := &Response{}
	skip := 0
	for len(out.Results) < cap {
		remaining := cap - len(out.Results)
		limit := pageSize
		if limit > remaining {
			limit = remaining
		}
		page, err := c.Search(ctx, ep, search, limit, skip)
		if err != nil {
			return nil, err
		}
		if out.Meta.LastUpdated == "" {
			out.Meta = page.Meta
		}
		if len(page.Results) == 0 {
			break
		}
		out.Results = append(out.Results, page.Results...)
		skip += len(page.Results)
		if skip >= page.Meta.Total {
			break
		}
	}
	out.Meta.Limit = cap
	out.Meta.Skip = 0
	return out, nil
}

// get performs one request. Returns (nil, nil) on 404.
func (c *Client) get(ctx context.Context, ep Endpoint, q url.Values) (*rawResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}

	u := fmt.Sprintf("%s/%s.json?%s", c.baseURL, ep, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var reqErr *httpclient.RequestError
		if errors.As(err, &reqErr) && reqErr.NotFound() {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &httpclient.TransportError{Err: err}
	}

	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", ep, err)
	}
	if raw.Error != nil {
		return nil, fmt.Errorf("%s query failed: %s: %s", ep, raw.Error.Code, raw.Error.Message)
	}
	return &raw, nil
}
