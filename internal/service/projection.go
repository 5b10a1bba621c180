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

	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// TraceInclusion selects how much of a trace a read returns.
type TraceInclusion int

const (
	TraceCore TraceInclusion = iota + 1
	TraceSummary
	TraceDetailed
	TraceFull
)

// StepInclusion selects how much of each step a read returns.
type StepInclusion int

const (
	StepBasic StepInclusion = iota + 1
	StepStandard
	StepDetailed
	StepFull
)

func (t TraceInclusion) atLeast(min TraceInclusion) bool { return t >= min }

// ParseTraceInclusion maps the include_fields query value. Empty selects
// SUMMARY.
func ParseTraceInclusion(s string) (TraceInclusion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "core":
		return TraceCore, nil
	case "", "summary":
		return TraceSummary, nil
	case "detailed":
		return TraceDetailed, nil
	case "full":
		return TraceFull, nil
	}
	return 0, &errors.ValidationError{Field: "include_fields", Value: s, Message: "must be core, summary, detailed, or full"}
}

// ParseStepInclusion maps the include_steps query value. Empty selects
// STANDARD.
func ParseStepInclusion(s string) (StepInclusion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return StepBasic, nil
	case "", "standard":
		return StepStandard, nil
	case "detailed":
		return StepDetailed, nil
	case "full":
		return StepFull, nil
	}
	return 0, &errors.ValidationError{Field: "include_steps", Value: s, Message: "must be basic, standard, detailed, or full"}
}

// ProjectTrace builds the field-included view of a trace. Keys mirror the
// trace's JSON tags so projected and whole documents read the same.
func ProjectTrace(t *execution.Trace, inc TraceInclusion, stepInc StepInclusion) map[string]any {
	view := map[string]any{
		"execution_id":   t.ExecutionID,
		"status":         t.Status,
		"execution_type": t.ExecutionType,
		"triggered_by":   t.TriggeredBy,
		"triggered_at":   t.TriggeredAt,
	}
	if inc < TraceSummary {
		return view
	}

	if t.TestCaseID != "" {
		view["test_case_id"] = t.TestCaseID
	}
	if t.TestSuiteID != "" {
		view["test_suite_id"] = t.TestSuiteID
	}
	if t.ParentExecutionID != "" {
		view["parent_execution_id"] = t.ParentExecutionID
	}
	if t.StartedAt != nil {
		view["started_at"] = t.StartedAt
	}
	if t.CompletedAt != nil {
		view["completed_at"] = t.CompletedAt
	}
	view["last_state_change"] = t.LastStateChange
	view["total_duration_ms"] = t.TotalDurationMS
	view["statistics"] = t.Statistics
	if inc < TraceDetailed {
		return view
	}

	view["execution_context"] = t.Context
	view["execution_config"] = t.Config
	view["priority"] = t.Priority
	if len(t.Tags) > 0 {
		view["tags"] = t.Tags
	}
	view["is_partitioned"] = t.IsPartitioned
	view["embedded_steps"] = projectSteps(t.EmbeddedSteps, stepInc)
	if inc < TraceFull {
		return view
	}

	view["state_history"] = t.RecentHistory
	if len(t.ExecutionLog) > 0 {
		view["execution_log"] = t.ExecutionLog
	}
	if len(t.DebugData) > 0 {
		view["debug_data"] = t.DebugData
	}
	if len(t.Metadata) > 0 {
		view["metadata"] = t.Metadata
	}
	return view
}

// ProjectStep builds the field-included view of one step result.
func ProjectStep(s *execution.StepResult, inc StepInclusion) map[string]any {
	view := map[string]any{
		"step_id":    s.StepID,
		"step_name":  s.StepName,
		"step_order": s.StepOrder,
		"status":     s.Status,
	}
	if inc < StepStandard {
		return view
	}

	if s.StartedAt != nil {
		view["started_at"] = s.StartedAt
	}
	if s.CompletedAt != nil {
		view["completed_at"] = s.CompletedAt
	}
	view["duration_ms"] = s.DurationMS
	if len(s.InputData) > 0 {
		view["input_data"] = s.InputData
	}
	if len(s.OutputData) > 0 {
		view["output_data"] = s.OutputData
	}
	if len(s.ExpectedResult) > 0 {
		view["expected_result"] = s.ExpectedResult
	}
	if len(s.ActualResult) > 0 {
		view["actual_result"] = s.ActualResult
	}
	if inc < StepDetailed {
		return view
	}

	// FULL is reserved; today it carries the same fields as DETAILED.
	if s.ErrorDetails != nil {
		view["error_details"] = s.ErrorDetails
	}
	if len(s.Warnings) > 0 {
		view["warnings"] = s.Warnings
	}
	view["retry_count"] = s.RetryCount
	view["max_retries"] = s.MaxRetries
	if len(s.Metadata) > 0 {
		view["metadata"] = s.Metadata
	}
	return view
}

func projectSteps(steps []execution.StepResult, inc StepInclusion) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for i := range steps {
		out = append(out, ProjectStep(&steps[i], inc))
	}
	return out
}
