// Copyright 2025 Tom Barlow
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

// Package client is the HTTP client for the crucibled API, used by the
// CLI. Regular calls go through the retrying client from pkg/httpclient;
// event streaming uses a dedicated connection without a total timeout.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/crucible-dev/crucible/internal/service"
	"github.com/crucible-dev/crucible/pkg/execution"
	"github.com/crucible-dev/crucible/pkg/httpclient"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return asAPIError(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if e, ok := err.(*APIError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Client talks to one crucibled instance.
type Client struct {
	baseURL string
	token   string
	user    string
	http    *http.Client

	// stream has no total timeout so watch connections can live for
	// the length of an execution.
	stream *http.Client
}

// Options configures a Client.
type Options struct {
	// Token is sent as a bearer credential when non-empty.
	Token string

	// User is sent as X-User-ID. Only honored by daemons with auth
	// disabled (development setups).
	User string
}

// New creates a client for the daemon at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "crucible-cli/1.0"
	hc, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: baseURL,
		token:   opts.Token,
		user:    opts.User,
		http:    hc,
		stream:  &http.Client{Transport: hc.Transport},
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	return req, nil
}

// do executes the request and decodes the JSON response into out when
// out is non-nil. Non-2xx responses become *APIError.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error     string `json:"error"`
		ErrorType string `json:"error_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Type = body.ErrorType
		apiErr.Message = body.Error
	}
	return apiErr
}

// StartTestCase submits a test case execution.
func (c *Client) StartTestCase(ctx context.Context, req service.StartCaseRequest) (*execution.Trace, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/executions/test-case", nil, req)
	if err != nil {
		return nil, err
	}
	var trace execution.Trace
	if err := c.do(httpReq, &trace); err != nil {
		return nil, err
	}
	return &trace, nil
}

// StartTestSuite submits a test suite execution.
func (c *Client) StartTestSuite(ctx context.Context, req service.StartSuiteRequest) (*execution.Trace, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/executions/test-suite", nil, req)
	if err != nil {
		return nil, err
	}
	var trace execution.Trace
	if err := c.do(httpReq, &trace); err != nil {
		return nil, err
	}
	return &trace, nil
}

// GetExecution fetches one execution at the requested projection levels.
func (c *Client) GetExecution(ctx context.Context, executionID, includeFields, includeSteps string) (map[string]any, error) {
	q := url.Values{}
	if includeFields != "" {
		q.Set("include_fields", includeFields)
	}
	if includeSteps != "" {
		q.Set("include_steps", includeSteps)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID), q, nil)
	if err != nil {
		return nil, err
	}
	var view map[string]any
	if err := c.do(req, &view); err != nil {
		return nil, err
	}
	return view, nil
}

// ListExecutions queries the caller's executions.
func (c *Client) ListExecutions(ctx context.Context, query url.Values) (*service.ListResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/executions", query, nil)
	if err != nil {
		return nil, err
	}
	var result service.ListResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateStatus requests a status transition.
func (c *Client) UpdateStatus(ctx context.Context, executionID string, req service.UpdateStatusRequest) (*execution.Trace, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPatch, "/executions/"+url.PathEscape(executionID)+"/status", nil, req)
	if err != nil {
		return nil, err
	}
	var trace execution.Trace
	if err := c.do(httpReq, &trace); err != nil {
		return nil, err
	}
	return &trace, nil
}

// Cancel moves an execution to CANCELLED.
func (c *Client) Cancel(ctx context.Context, executionID, reason string) (*execution.Trace, error) {
	return c.UpdateStatus(ctx, executionID, service.UpdateStatusRequest{
		NewStatus: string(execution.StatusCancelled),
		Reason:    reason,
	})
}

// Progress fetches the lightweight progress view.
func (c *Client) Progress(ctx context.Context, executionID string) (*execution.Progress, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID)+"/progress", nil, nil)
	if err != nil {
		return nil, err
	}
	var progress execution.Progress
	if err := c.do(req, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// Report fetches a rendered report and its content type.
func (c *Client) Report(ctx context.Context, executionID, format string, includeDetails bool) ([]byte, string, error) {
	q := url.Values{}
	if format != "" {
		q.Set("format", format)
	}
	if includeDetails {
		q.Set("include_details", "true")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID)+"/report", q, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", decodeAPIError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// QueueStatus fetches queue state and depth.
func (c *Client) QueueStatus(ctx context.Context) (*execution.QueueStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/queue/status", nil, nil)
	if err != nil {
		return nil, err
	}
	var status execution.QueueStatus
	if err := c.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PauseQueue stops dequeuing; queued items stay put.
func (c *Client) PauseQueue(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/executions/queue/pause", nil, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// ResumeQueue restarts dequeuing.
func (c *Client) ResumeQueue(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/executions/queue/resume", nil, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Analytics fetches the aggregate report for the trailing window.
func (c *Client) Analytics(ctx context.Context, timeRangeHours int) (*service.AnalyticsReport, error) {
	q := url.Values{}
	if timeRangeHours > 0 {
		q.Set("time_range_hours", fmt.Sprint(timeRangeHours))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/analytics", q, nil)
	if err != nil {
		return nil, err
	}
	var report service.AnalyticsReport
	if err := c.do(req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Trends fetches per-day outcome counts.
func (c *Client) Trends(ctx context.Context, days int) (*service.TrendReport, error) {
	q := url.Values{}
	if days > 0 {
		q.Set("days", fmt.Sprint(days))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/trends", q, nil)
	if err != nil {
		return nil, err
	}
	var report service.TrendReport
	if err := c.do(req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Statistics fetches lifetime counts for the caller.
func (c *Client) Statistics(ctx context.Context) (*service.StatisticsReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/statistics", nil, nil)
	if err != nil {
		return nil, err
	}
	var report service.StatisticsReport
	if err := c.do(req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// SystemHealth fetches component health.
func (c *Client) SystemHealth(ctx context.Context) (*execution.SystemHealth, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/system/health", nil, nil)
	if err != nil {
		return nil, err
	}
	var health execution.SystemHealth
	if err := c.do(req, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Version fetches the daemon build info.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/version", nil, nil)
	if err != nil {
		return nil, err
	}
	var info map[string]string
	if err := c.do(req, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Watch subscribes to the execution's event stream and invokes fn for
// each event until the stream closes or ctx is cancelled. Heartbeat
// comments are skipped.
func (c *Client) Watch(ctx context.Context, executionID string, fn func(execution.StateChangeEvent)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID)+"/events", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev execution.StateChangeEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		fn(ev)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
