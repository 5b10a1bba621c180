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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/service"
	"github.com/crucible-dev/crucible/pkg/execution"
)

func (s *Server) handleStartTestCase(w http.ResponseWriter, r *http.Request) {
	if !s.admitSubmission(w) {
		return
	}
	var req service.StartCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	trace, err := s.service.StartTestCase(r.Context(), UserID(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trace)
}

func (s *Server) handleStartTestSuite(w http.ResponseWriter, r *http.Request) {
	if !s.admitSubmission(w) {
		return
	}
	var req service.StartSuiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	trace, err := s.service.StartTestSuite(r.Context(), UserID(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trace)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	traceInc, err := service.ParseTraceInclusion(r.URL.Query().Get("include_fields"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	stepInc, err := service.ParseStepInclusion(r.URL.Query().Get("include_steps"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	view, err := s.service.Get(r.Context(), r.PathValue("id"), traceInc, stepInc)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ListRequest{
		Type:          q.Get("execution_type"),
		TestCaseID:    q.Get("test_case_id"),
		TestSuiteID:   q.Get("test_suite_id"),
		SortBy:        q.Get("sort_by"),
		SortDesc:      q.Get("sort_order") != "asc",
		IncludeFields: q.Get("include_fields"),
		IncludeSteps:  q.Get("include_steps"),
	}
	if statuses, ok := q["status"]; ok {
		req.Statuses = statuses
	}
	if tags, ok := q["tags"]; ok {
		req.Tags = tags
	}

	var err error
	if req.Page, err = pageParam(q.Get("page")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "page must be a positive integer")
		return
	}
	if req.PageSize, err = pageParam(q.Get("page_size")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "page_size must be a positive integer")
		return
	}

	result, err := s.service.List(r.Context(), UserID(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	trace, err := s.service.UpdateStatus(r.Context(), UserID(r), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.service.GetProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	includeDetails := r.URL.Query().Get("include_details") == "true"
	body, contentType, err := s.service.GetReport(r.Context(), r.PathValue("id"), r.URL.Query().Get("format"), includeDetails)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("failed to write report body", log.Error(err))
	}
}

// handleEvents streams state and progress events for one execution as
// server-sent events until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")

	// Existence check up front so unknown ids fail with 404 instead of
	// an empty stream.
	if _, err := s.service.GetProgress(r.Context(), executionID); err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	events, cancel := s.service.Watch(executionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event", log.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.QueueStatus(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	if err := s.service.PauseQueue(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(execution.QueuePaused)})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ResumeQueue(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(execution.QueueActive)})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r.URL.Query().Get("time_range_hours"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "time_range_hours must be an integer")
		return
	}
	report, err := s.service.Analytics(r.Context(), UserID(r), hours)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("days"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "days must be an integer")
		return
	}
	report, err := s.service.Trends(r.Context(), UserID(r), days)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Statistics(r.Context(), UserID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.service.SystemHealth(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Liveness(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":       "crucibled",
		"version":    s.cfg.Build.Version,
		"commit":     s.cfg.Build.Commit,
		"build_date": s.cfg.Build.BuildDate,
	})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// pageParam parses a 1-based pagination parameter. An omitted parameter
// comes back as zero and the service fills in its default; an explicit
// zero or negative value is rejected here, since downstream a zero is
// indistinguishable from an omission.
func pageParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("out of range: %d", n)
	}
	return n, nil
}
