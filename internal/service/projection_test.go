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
	"testing"
	"time"

	"github.com/crucible-dev/crucible/pkg/execution"
)

func sampleStep() *execution.StepResult {
	now := time.Now().UTC()
	return &execution.StepResult{
		StepID:     "s1",
		StepName:   "open cart",
		StepOrder:  1,
		Status:     execution.StepFailed,
		StartedAt:  &now,
		DurationMS: 120,
		InputData:  map[string]any{"url": "/cart"},
		ErrorDetails: &execution.StepErrorDetails{
			Type:    "AssertionError",
			Message: "cart was empty",
		},
		RetryCount: 1,
		MaxRetries: 3,
		Warnings:   []string{"slow response"},
	}
}

func TestProjectStepLevels(t *testing.T) {
	step := sampleStep()

	basic := ProjectStep(step, StepBasic)
	for _, key := range []string{"step_id", "step_name", "step_order", "status"} {
		if _, ok := basic[key]; !ok {
			t.Errorf("basic projection missing %q", key)
		}
	}
	if _, ok := basic["duration_ms"]; ok {
		t.Error("basic projection must not carry timing")
	}
	if _, ok := basic["error_details"]; ok {
		t.Error("basic projection must not carry error details")
	}

	standard := ProjectStep(step, StepStandard)
	if standard["duration_ms"] != int64(120) {
		t.Errorf("duration_ms = %v, want 120", standard["duration_ms"])
	}
	if _, ok := standard["input_data"]; !ok {
		t.Error("standard projection missing input_data")
	}
	if _, ok := standard["error_details"]; ok {
		t.Error("standard projection must not carry error details")
	}

	detailed := ProjectStep(step, StepDetailed)
	if _, ok := detailed["error_details"]; !ok {
		t.Error("detailed projection missing error_details")
	}
	if detailed["retry_count"] != 1 {
		t.Errorf("retry_count = %v, want 1", detailed["retry_count"])
	}

	full := ProjectStep(step, StepFull)
	if len(full) != len(detailed) {
		t.Errorf("full projection has %d keys, detailed %d; they should match", len(full), len(detailed))
	}
}

func TestProjectTraceCoreIsMinimal(t *testing.T) {
	trace := execution.NewTrace(execution.TypeTestCase, "alice")
	trace.TestCaseID = "tc-1"
	trace.EmbeddedSteps = []execution.StepResult{*sampleStep()}

	core := ProjectTrace(trace, TraceCore, StepBasic)
	if len(core) != 5 {
		t.Errorf("core projection has %d keys, want 5: %v", len(core), core)
	}

	detailed := ProjectTrace(trace, TraceDetailed, StepBasic)
	steps, ok := detailed["embedded_steps"].([]map[string]any)
	if !ok || len(steps) != 1 {
		t.Fatalf("detailed projection embedded_steps = %v", detailed["embedded_steps"])
	}
	if _, ok := steps[0]["error_details"]; ok {
		t.Error("step projection should honor the step inclusion level")
	}
}

func TestParseInclusions(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want TraceInclusion
	}{
		{"", TraceSummary},
		{"core", TraceCore},
		{"SUMMARY", TraceSummary},
		{"detailed", TraceDetailed},
		{"full", TraceFull},
	} {
		got, err := ParseTraceInclusion(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseTraceInclusion(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseTraceInclusion("everything"); err == nil {
		t.Error("ParseTraceInclusion should reject unknown values")
	}

	if got, err := ParseStepInclusion(""); err != nil || got != StepStandard {
		t.Errorf("ParseStepInclusion(\"\") = %v, %v; want standard", got, err)
	}
	if _, err := ParseStepInclusion("verbose"); err == nil {
		t.Error("ParseStepInclusion should reject unknown values")
	}
}
