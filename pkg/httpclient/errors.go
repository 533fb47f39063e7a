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
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of an error response body is retained.
const maxErrorBody = 4096

// RequestError is a non-retryable 4xx response (other than 429).
// Body holds the beginning of the response payload for diagnostics.
type RequestError struct {
	StatusCode int
	Body       string
}

// NewRequestError captures status and a bounded body prefix.
// The response body is consumed but not closed.
func NewRequestError(resp *http.Response) *RequestError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &RequestError{StatusCode: resp.StatusCode, Body: string(body)}
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// NotFound reports whether the request failed with 404. openFDA uses
// 404 for empty result sets, which callers treat as success.
func (e *RequestError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// RetryableError indicates the 429/5xx retry budget was exhausted.
type RetryableError struct {
	StatusCode int
	Attempts   int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("gave up after %d attempts, last status %d", e.Attempts, e.StatusCode)
}

// TransportError is a connection-level failure (DNS, refused, timeout)
// that survived the single transport retry.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
