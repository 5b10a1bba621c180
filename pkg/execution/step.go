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

package execution

import (
	"time"

	"github.com/crucible-dev/crucible/pkg/errors"
)

// StepResult is the per-step record, stored embedded on small traces or
// normalized in the step results collection on partitioned ones.
type StepResult struct {
	ExecutionID string `json:"execution_id,omitempty" bson:"execution_id,omitempty"`

	StepID    string     `json:"step_id" bson:"step_id"`
	StepName  string     `json:"step_name" bson:"step_name"`
	StepOrder int        `json:"step_order" bson:"step_order"`
	Status    StepStatus `json:"status" bson:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty" bson:"duration_ms,omitempty"`

	InputData      map[string]any `json:"input_data,omitempty" bson:"input_data,omitempty"`
	OutputData     map[string]any `json:"output_data,omitempty" bson:"output_data,omitempty"`
	ExpectedResult map[string]any `json:"expected_result,omitempty" bson:"expected_result,omitempty"`
	ActualResult   map[string]any `json:"actual_result,omitempty" bson:"actual_result,omitempty"`

	ErrorDetails *StepErrorDetails `json:"error_details,omitempty" bson:"error_details,omitempty"`

	RetryCount int `json:"retry_count" bson:"retry_count"`
	MaxRetries int `json:"max_retries" bson:"max_retries"`

	Warnings []string       `json:"warnings,omitempty" bson:"warnings,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// StepErrorDetails carries the failure diagnostics of a step.
type StepErrorDetails struct {
	Type    string `json:"error_type" bson:"error_type"`
	Message string `json:"error_message" bson:"error_message"`
	Code    string `json:"error_code,omitempty" bson:"error_code,omitempty"`
	Stack   string `json:"stack_trace,omitempty" bson:"stack_trace,omitempty"`

	Context            map[string]any `json:"context,omitempty" bson:"context,omitempty"`
	RetryAttempted     bool           `json:"retry_attempted" bson:"retry_attempted"`
	RecoverySuggestion string         `json:"recovery_suggestion,omitempty" bson:"recovery_suggestion,omitempty"`
}

// Validate checks the step result invariants: a FAILED step carries error
// details, a terminal step carries a completion time, and completion never
// precedes start.
func (r *StepResult) Validate() error {
	if r.StepID == "" {
		return &errors.ValidationError{Field: "step_id", Message: "required"}
	}
	if r.StepOrder < 0 {
		return &errors.ValidationError{Field: "step_order", Value: r.StepOrder, Message: "must not be negative"}
	}
	if !r.Status.Valid() {
		return &errors.ValidationError{Field: "status", Value: string(r.Status), Message: "unknown step status"}
	}
	if r.Status == StepFailed && r.ErrorDetails == nil {
		return &errors.ValidationError{Field: "error_details", Message: "required for FAILED steps"}
	}
	if r.Status.IsTerminal() && r.CompletedAt == nil {
		return &errors.ValidationError{Field: "completed_at", Message: "required for terminal step statuses"}
	}
	if r.StartedAt != nil && r.CompletedAt != nil && r.CompletedAt.Before(*r.StartedAt) {
		return &errors.ValidationError{Field: "completed_at", Message: "must not precede started_at"}
	}
	if r.RetryCount < 0 || r.MaxRetries < 0 {
		return &errors.ValidationError{Field: "retry_count", Message: "retry counters must not be negative"}
	}
	return nil
}

// Finalize stamps the completion time and derives the duration when both
// endpoints are known.
func (r *StepResult) Finalize(status StepStatus, at time.Time) {
	r.Status = status
	r.CompletedAt = &at
	if r.StartedAt != nil {
		r.DurationMS = at.Sub(*r.StartedAt).Milliseconds()
	}
}

// Clone returns a deep copy of the step result.
func (r *StepResult) Clone() *StepResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.StartedAt != nil {
		v := *r.StartedAt
		out.StartedAt = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		out.CompletedAt = &v
	}
	out.InputData = cloneMap(r.InputData)
	out.OutputData = cloneMap(r.OutputData)
	out.ExpectedResult = cloneMap(r.ExpectedResult)
	out.ActualResult = cloneMap(r.ActualResult)
	out.Metadata = cloneMap(r.Metadata)
	if r.Warnings != nil {
		out.Warnings = append([]string(nil), r.Warnings...)
	}
	if r.ErrorDetails != nil {
		d := *r.ErrorDetails
		d.Context = cloneMap(r.ErrorDetails.Context)
		out.ErrorDetails = &d
	}
	return &out
}
