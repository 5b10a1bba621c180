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

const (
	// DefaultStepCountThreshold is the step count at which steps move from
	// embedded storage to the normalized step results collection.
	DefaultStepCountThreshold = 50

	// MaxTags caps the number of tags on a trace.
	MaxTags = 20

	// MaxInlineHistory is the number of most recent transitions kept inline
	// on the trace. The history collection is the system of record.
	MaxInlineHistory = 10

	// MinTracePriority is the highest urgency (dequeues first).
	MinTracePriority = 1
	// MaxTracePriority is the lowest urgency.
	MaxTracePriority = 10
	// DefaultTracePriority is the middle of the range.
	DefaultTracePriority = 5
)

// Trace is the root entity: the durable record of one attempt to run a
// test case or suite.
type Trace struct {
	ExecutionID       string `json:"execution_id" bson:"execution_id"`
	ParentExecutionID string `json:"parent_execution_id,omitempty" bson:"parent_execution_id,omitempty"`

	ExecutionType Type   `json:"execution_type" bson:"execution_type"`
	TestCaseID    string `json:"test_case_id,omitempty" bson:"test_case_id,omitempty"`
	TestSuiteID   string `json:"test_suite_id,omitempty" bson:"test_suite_id,omitempty"`

	Status          Status     `json:"status" bson:"status"`
	TriggeredBy     string     `json:"triggered_by" bson:"triggered_by"`
	TriggeredAt     time.Time  `json:"triggered_at" bson:"triggered_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	LastStateChange time.Time  `json:"last_state_change" bson:"last_state_change"`

	// Partitioning. Small runs embed their steps on the trace; large runs
	// store them normalized and leave EmbeddedSteps empty. The two forms
	// are mutually exclusive.
	IsPartitioned      bool         `json:"is_partitioned" bson:"is_partitioned"`
	StepCountThreshold int          `json:"step_count_threshold" bson:"step_count_threshold"`
	EstimatedStepCount int          `json:"estimated_step_count" bson:"estimated_step_count"`
	EmbeddedSteps      []StepResult `json:"embedded_steps,omitempty" bson:"embedded_steps,omitempty"`
	StepsCollection    string       `json:"step_results_collection,omitempty" bson:"step_results_collection,omitempty"`

	Context  Context        `json:"execution_context" bson:"execution_context"`
	Config   Config         `json:"execution_config" bson:"execution_config"`
	Tags     []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Priority int            `json:"priority" bson:"priority"`

	Statistics Statistics `json:"statistics" bson:"statistics"`

	// RecentHistory holds the last MaxInlineHistory transitions for quick
	// inspection; the history collection is authoritative.
	RecentHistory []StateChange  `json:"state_history,omitempty" bson:"state_history,omitempty"`
	ExecutionLog  []string       `json:"execution_log,omitempty" bson:"execution_log,omitempty"`
	DebugData     map[string]any `json:"debug_data,omitempty" bson:"debug_data,omitempty"`

	// TotalDurationMS is derived at terminal from CompletedAt - StartedAt.
	TotalDurationMS int64 `json:"total_duration_ms,omitempty" bson:"total_duration_ms,omitempty"`
}

// Context carries the environment an execution runs against.
type Context struct {
	Environment      string            `json:"environment,omitempty" bson:"environment,omitempty"`
	Browser          string            `json:"browser,omitempty" bson:"browser,omitempty"`
	BuildTag         string            `json:"build_tag,omitempty" bson:"build_tag,omitempty"`
	BaseURL          string            `json:"base_url,omitempty" bson:"base_url,omitempty"`
	CustomProperties map[string]string `json:"custom_properties,omitempty" bson:"custom_properties,omitempty"`
}

// Config carries per-execution timeouts, retry policy, and behaviour flags.
type Config struct {
	TimeoutMS     int64 `json:"timeout_ms,omitempty" bson:"timeout_ms,omitempty"`
	StepTimeoutMS int64 `json:"step_timeout_ms,omitempty" bson:"step_timeout_ms,omitempty"`

	RetryEnabled bool `json:"retry_enabled" bson:"retry_enabled"`
	MaxRetries   int  `json:"max_retries" bson:"max_retries"`

	FailFast bool `json:"fail_fast" bson:"fail_fast"`

	CaptureScreenshots bool `json:"capture_screenshots" bson:"capture_screenshots"`
	CaptureLogs        bool `json:"capture_logs" bson:"capture_logs"`

	// Suite-only settings.
	ParallelExecution bool `json:"parallel_execution" bson:"parallel_execution"`
	MaxParallelCases  int  `json:"max_parallel_cases,omitempty" bson:"max_parallel_cases,omitempty"`
	ContinueOnFailure bool `json:"continue_on_failure" bson:"continue_on_failure"`

	// Resource caps, enforced best-effort by the monitoring loop.
	MaxMemoryMB   int `json:"max_memory_mb,omitempty" bson:"max_memory_mb,omitempty"`
	MaxCPUPercent int `json:"max_cpu_percent,omitempty" bson:"max_cpu_percent,omitempty"`
}

// Validate checks the config invariants. A zero value is valid: zero
// timeouts mean "engine defaults".
func (c Config) Validate() error {
	if c.TimeoutMS < 0 {
		return &errors.ValidationError{Field: "timeout_ms", Value: c.TimeoutMS, Message: "must not be negative"}
	}
	if c.StepTimeoutMS < 0 {
		return &errors.ValidationError{Field: "step_timeout_ms", Value: c.StepTimeoutMS, Message: "must not be negative"}
	}
	if c.TimeoutMS > 0 && c.StepTimeoutMS > 0 && c.StepTimeoutMS >= c.TimeoutMS {
		return &errors.ValidationError{Field: "step_timeout_ms", Value: c.StepTimeoutMS, Message: "must be strictly less than timeout_ms"}
	}
	if c.MaxRetries < 0 {
		return &errors.ValidationError{Field: "max_retries", Value: c.MaxRetries, Message: "must not be negative"}
	}
	if c.MaxParallelCases < 0 {
		return &errors.ValidationError{Field: "max_parallel_cases", Value: c.MaxParallelCases, Message: "must not be negative"}
	}
	return nil
}

// Statistics summarizes step outcomes on a trace. Updated monotonically
// during a run and recomputed authoritatively at terminal.
type Statistics struct {
	TotalSteps     int `json:"total_steps" bson:"total_steps"`
	CompletedSteps int `json:"completed_steps" bson:"completed_steps"`
	PassedSteps    int `json:"passed_steps" bson:"passed_steps"`
	FailedSteps    int `json:"failed_steps" bson:"failed_steps"`
	SkippedSteps   int `json:"skipped_steps" bson:"skipped_steps"`

	ProgressPercent float64 `json:"progress_percent" bson:"progress_percent"`

	AverageStepDurationMS float64 `json:"average_step_duration_ms,omitempty" bson:"average_step_duration_ms,omitempty"`
	TotalDurationMS       int64   `json:"total_duration_ms,omitempty" bson:"total_duration_ms,omitempty"`

	SuccessRate float64 `json:"success_rate" bson:"success_rate"`
	ErrorRate   float64 `json:"error_rate" bson:"error_rate"`
	RetryRate   float64 `json:"retry_rate,omitempty" bson:"retry_rate,omitempty"`

	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty" bson:"resource_usage,omitempty"`
}

// ResourceUsage is sampled by the monitoring loop while the run is live.
type ResourceUsage struct {
	CPUPercent   float64 `json:"cpu_percent,omitempty" bson:"cpu_percent,omitempty"`
	MemoryMB     float64 `json:"memory_mb,omitempty" bson:"memory_mb,omitempty"`
	PeakMemoryMB float64 `json:"peak_memory_mb,omitempty" bson:"peak_memory_mb,omitempty"`
}

// Recalculate fills the derived fields from the raw counters: progress
// from completed/total and success rate from passed/completed.
func (s *Statistics) Recalculate() {
	if s.TotalSteps > 0 {
		s.ProgressPercent = float64(s.CompletedSteps) / float64(s.TotalSteps) * 100.0
	}
	if s.CompletedSteps > 0 {
		s.SuccessRate = float64(s.PassedSteps) / float64(s.CompletedSteps)
		s.ErrorRate = float64(s.FailedSteps) / float64(s.CompletedSteps)
	}
}

// StateChange is one audit record of a status transition.
type StateChange struct {
	ExecutionID string         `json:"execution_id,omitempty" bson:"execution_id,omitempty"`
	OldStatus   Status         `json:"old_status" bson:"old_status"`
	NewStatus   Status         `json:"new_status" bson:"new_status"`
	Timestamp   time.Time      `json:"timestamp" bson:"timestamp"`
	UserID      string         `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// NewTrace creates a trace in PENDING with a fresh execution ID and
// engine defaults.
func NewTrace(execType Type, triggeredBy string) *Trace {
	now := time.Now().UTC()
	return &Trace{
		ExecutionID:        NewID(),
		ExecutionType:      execType,
		Status:             StatusPending,
		TriggeredBy:        triggeredBy,
		TriggeredAt:        now,
		LastStateChange:    now,
		StepCountThreshold: DefaultStepCountThreshold,
		Priority:           DefaultTracePriority,
	}
}

// Validate checks structural invariants of the trace.
func (t *Trace) Validate() error {
	if !IsValidID(t.ExecutionID) {
		return &errors.ValidationError{Field: "execution_id", Value: t.ExecutionID, Message: "must be a 24-character hex string"}
	}
	if !t.ExecutionType.Valid() {
		return &errors.ValidationError{Field: "execution_type", Value: string(t.ExecutionType), Message: "unknown execution type"}
	}
	if !t.Status.Valid() {
		return &errors.ValidationError{Field: "status", Value: string(t.Status), Message: "unknown status"}
	}
	if t.TriggeredBy == "" {
		return &errors.ValidationError{Field: "triggered_by", Message: "required"}
	}
	switch t.ExecutionType {
	case TypeTestCase:
		if t.TestCaseID == "" {
			return &errors.ValidationError{Field: "test_case_id", Message: "required for test_case executions"}
		}
		if t.TestSuiteID != "" {
			return &errors.ValidationError{Field: "test_suite_id", Message: "must not be set for test_case executions"}
		}
	case TypeTestSuite:
		if t.TestSuiteID == "" {
			return &errors.ValidationError{Field: "test_suite_id", Message: "required for test_suite executions"}
		}
		if t.TestCaseID != "" {
			return &errors.ValidationError{Field: "test_case_id", Message: "must not be set for test_suite executions"}
		}
	}
	if t.Priority < MinTracePriority || t.Priority > MaxTracePriority {
		return &errors.ValidationError{Field: "priority", Value: t.Priority, Message: "must be between 1 and 10"}
	}
	if len(t.Tags) > MaxTags {
		return &errors.ValidationError{Field: "tags", Value: len(t.Tags), Message: "at most 20 tags"}
	}
	if t.IsPartitioned && len(t.EmbeddedSteps) > 0 {
		return &errors.ValidationError{Field: "embedded_steps", Message: "partitioned traces must not carry embedded steps"}
	}
	return t.Config.Validate()
}

// ApplyPartitioning decides the storage form from the estimated step count:
// estimated_step_count >= threshold partitions the steps into the
// normalized collection.
func (t *Trace) ApplyPartitioning(collection string) {
	threshold := t.StepCountThreshold
	if threshold <= 0 {
		threshold = DefaultStepCountThreshold
		t.StepCountThreshold = threshold
	}
	if t.EstimatedStepCount >= threshold {
		t.IsPartitioned = true
		t.StepsCollection = collection
		t.EmbeddedSteps = nil
	} else {
		t.IsPartitioned = false
		t.StepsCollection = ""
	}
}

// AppendHistory records a transition inline, keeping only the most recent
// MaxInlineHistory entries.
func (t *Trace) AppendHistory(change StateChange) {
	t.RecentHistory = append(t.RecentHistory, change)
	if len(t.RecentHistory) > MaxInlineHistory {
		t.RecentHistory = t.RecentHistory[len(t.RecentHistory)-MaxInlineHistory:]
	}
}

// Clone returns a deep copy of the trace. Used by in-memory stores and the
// event path so callers can never mutate shared state.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	out := *t

	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.EmbeddedSteps != nil {
		out.EmbeddedSteps = make([]StepResult, len(t.EmbeddedSteps))
		for i := range t.EmbeddedSteps {
			out.EmbeddedSteps[i] = *t.EmbeddedSteps[i].Clone()
		}
	}
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	out.Metadata = cloneMap(t.Metadata)
	out.DebugData = cloneMap(t.DebugData)
	if t.ExecutionLog != nil {
		out.ExecutionLog = append([]string(nil), t.ExecutionLog...)
	}
	if t.RecentHistory != nil {
		out.RecentHistory = make([]StateChange, len(t.RecentHistory))
		for i, h := range t.RecentHistory {
			h.Metadata = cloneMap(h.Metadata)
			out.RecentHistory[i] = h
		}
	}
	if t.Context.CustomProperties != nil {
		props := make(map[string]string, len(t.Context.CustomProperties))
		for k, v := range t.Context.CustomProperties {
			props[k] = v
		}
		out.Context.CustomProperties = props
	}
	if t.Statistics.ResourceUsage != nil {
		v := *t.Statistics.ResourceUsage
		out.Statistics.ResourceUsage = &v
	}
	return &out
}

// cloneMap shallow-copies a metadata map. Values are treated as immutable
// once attached to a trace.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
