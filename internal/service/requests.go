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

package service

import (
	"strings"
	"time"

	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// StartCaseRequest is the body of POST /executions/test-case.
type StartCaseRequest struct {
	TestCaseID string            `json:"test_case_id"`
	Context    execution.Context `json:"execution_context"`
	Config     execution.Config  `json:"execution_config"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	Priority   int               `json:"priority,omitempty"`
}

// Validate checks the request fields. Trace-level invariants (tag cap,
// config ranges) are re-checked by Trace.Validate before insert.
func (r StartCaseRequest) Validate() error {
	if strings.TrimSpace(r.TestCaseID) == "" {
		return &errors.ValidationError{Field: "test_case_id", Message: "required"}
	}
	if r.Priority != 0 && (r.Priority < execution.MinTracePriority || r.Priority > execution.MaxTracePriority) {
		return &errors.ValidationError{Field: "priority", Value: r.Priority, Message: "must be between 1 and 10"}
	}
	return r.Config.Validate()
}

func (r StartCaseRequest) apply(t *execution.Trace) {
	t.Context = r.Context
	t.Config = r.Config
	t.Tags = r.Tags
	t.Metadata = r.Metadata
	if r.Priority != 0 {
		t.Priority = r.Priority
	}
}

// StartSuiteRequest is the body of POST /executions/test-suite.
type StartSuiteRequest struct {
	TestSuiteID string            `json:"test_suite_id"`
	Context     execution.Context `json:"execution_context"`
	Config      execution.Config  `json:"execution_config"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Priority    int               `json:"priority,omitempty"`

	ParallelExecution bool `json:"parallel_execution,omitempty"`
	MaxParallelCases  int  `json:"max_parallel_cases,omitempty"`
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`
}

// Validate checks the request fields.
func (r StartSuiteRequest) Validate() error {
	if strings.TrimSpace(r.TestSuiteID) == "" {
		return &errors.ValidationError{Field: "test_suite_id", Message: "required"}
	}
	if r.Priority != 0 && (r.Priority < execution.MinTracePriority || r.Priority > execution.MaxTracePriority) {
		return &errors.ValidationError{Field: "priority", Value: r.Priority, Message: "must be between 1 and 10"}
	}
	if r.MaxParallelCases < 0 {
		return &errors.ValidationError{Field: "max_parallel_cases", Value: r.MaxParallelCases, Message: "must not be negative"}
	}
	return r.Config.Validate()
}

func (r StartSuiteRequest) apply(t *execution.Trace) {
	t.Context = r.Context
	t.Config = r.Config
	t.Config.ParallelExecution = r.ParallelExecution
	if r.MaxParallelCases > 0 {
		t.Config.MaxParallelCases = r.MaxParallelCases
	}
	t.Config.ContinueOnFailure = r.ContinueOnFailure
	t.Tags = r.Tags
	t.Metadata = r.Metadata
	if r.Priority != 0 {
		t.Priority = r.Priority
	}
}

// UpdateStatusRequest is the body of PATCH /executions/{id}/status.
type UpdateStatusRequest struct {
	NewStatus string         `json:"new_status"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ListRequest carries the query parameters of GET /executions.
type ListRequest struct {
	Statuses    []string
	Type        string
	TestCaseID  string
	TestSuiteID string
	Tags        []string

	TriggeredAfter  *time.Time
	TriggeredBefore *time.Time

	Page     int
	PageSize int

	SortBy   string
	SortDesc bool

	IncludeFields string
	IncludeSteps  string

	traceInclusion TraceInclusion
	stepInclusion  StepInclusion
}

// ListResult is the paged response of a list call.
type ListResult struct {
	Executions []map[string]any `json:"executions"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
}

// filter validates the request and converts it to a store filter scoped
// to the calling user.
func (r *ListRequest) filter(userID string) (store.TraceFilter, error) {
	var f store.TraceFilter

	if r.Page < 0 {
		return f, &errors.ValidationError{Field: "page", Value: r.Page, Message: "must be at least 1"}
	}
	f.Page = r.Page
	if f.Page == 0 {
		f.Page = 1
	}

	switch {
	case r.PageSize < 0 || r.PageSize > MaxPageSize:
		return f, &errors.ValidationError{Field: "page_size", Value: r.PageSize, Message: "must be between 1 and 100"}
	case r.PageSize == 0:
		f.PageSize = DefaultPageSize
	default:
		f.PageSize = r.PageSize
	}

	for _, raw := range r.Statuses {
		status, err := execution.ParseStatus(raw)
		if err != nil {
			return f, &errors.ValidationError{Field: "status", Value: raw, Message: "unknown status"}
		}
		f.Statuses = append(f.Statuses, status)
	}
	if r.Type != "" {
		execType, err := execution.ParseType(r.Type)
		if err != nil {
			return f, &errors.ValidationError{Field: "execution_type", Value: r.Type, Message: "unknown execution type"}
		}
		f.Type = execType
	}

	f.TriggeredBy = userID
	f.TestCaseID = r.TestCaseID
	f.TestSuiteID = r.TestSuiteID
	f.Tags = r.Tags
	f.TriggeredAfter = r.TriggeredAfter
	f.TriggeredBefore = r.TriggeredBefore

	if r.SortBy != "" {
		sortBy := store.SortField(r.SortBy)
		if !sortBy.Valid() {
			return f, &errors.ValidationError{Field: "sort_by", Value: r.SortBy, Message: "unknown sort field"}
		}
		f.SortBy = sortBy
	} else {
		f.SortBy = store.SortTriggeredAt
		r.SortDesc = true
	}
	f.SortDesc = r.SortDesc

	var err error
	if r.traceInclusion, err = ParseTraceInclusion(r.IncludeFields); err != nil {
		return f, err
	}
	if r.stepInclusion, err = ParseStepInclusion(r.IncludeSteps); err != nil {
		return f, err
	}
	return f, nil
}
