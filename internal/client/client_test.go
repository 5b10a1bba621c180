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

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-dev/crucible/internal/service"
	"github.com/crucible-dev/crucible/pkg/execution"
)

func newClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c, err := New(ts.URL, Options{Token: "tok", User: "alice"})
	require.NoError(t, err)
	return c
}

func TestStartTestCaseSendsAuth(t *testing.T) {
	var gotAuth, gotUser string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/executions/test-case", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotUser = r.Header.Get("X-User-ID")

		var req service.StartCaseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tc-1", req.TestCaseID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(execution.Trace{ExecutionID: "abc", Status: execution.StatusQueued})
	}))

	trace, err := c.StartTestCase(context.Background(), service.StartCaseRequest{TestCaseID: "tc-1"})
	require.NoError(t, err)
	assert.Equal(t, "abc", trace.ExecutionID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "alice", gotUser)
}

func TestErrorResponseDecoded(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":      "execution not found",
			"error_type": "not_found",
		})
	}))

	_, err := c.GetExecution(context.Background(), "missing", "", "")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "execution not found")
}

func TestListPassesQuery(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "RUNNING", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("page_size"))
		_ = json.NewEncoder(w).Encode(service.ListResult{Total: 1, Page: 1, PageSize: 5})
	}))

	result, err := c.ListExecutions(context.Background(), map[string][]string{
		"status":    {"RUNNING"},
		"page_size": {"5"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestReportReturnsContentType(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "html", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html></html>")
	}))

	body, contentType, err := c.Report(context.Background(), "abc", "html", false)
	require.NoError(t, err)
	assert.Contains(t, contentType, "text/html")
	assert.Contains(t, string(body), "<html>")
}

func TestWatchParsesEvents(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": heartbeat\n\n")
		flusher.Flush()
		ev := execution.StateChangeEvent{EventType: "status_changed", ExecutionID: "abc"}
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: status_changed\ndata: %s\n\n", data)
		flusher.Flush()
	}))

	var events []execution.StateChangeEvent
	err := c.Watch(context.Background(), "abc", func(ev execution.StateChangeEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "abc", events[0].ExecutionID)
}

func TestCancelUsesStatusEndpoint(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "PATCH", r.Method)
		var req service.UpdateStatusRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "CANCELLED", req.NewStatus)
		assert.Equal(t, "done with it", req.Reason)
		_ = json.NewEncoder(w).Encode(execution.Trace{ExecutionID: "abc", Status: execution.StatusCancelled})
	}))

	trace, err := c.Cancel(context.Background(), "abc", "done with it")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, trace.Status)
}

func TestNewRejectsEmptyURL(t *testing.T) {
	_, err := New("", Options{})
	require.Error(t, err)
}
