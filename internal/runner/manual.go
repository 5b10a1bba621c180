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

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crucible-dev/crucible/pkg/execution"
)

// inputManualResult carries the tester's recorded outcome for a step:
// "passed", "failed", "skipped", or "blocked". Absent means passed.
const inputManualResult = "manual_result"

// inputManualNotes carries the tester's free-form notes.
const inputManualNotes = "manual_notes"

// ManualRunner records tester-reported outcomes. A failed step does not
// halt the session: later steps still run unless fail-fast is set.
type ManualRunner struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewManualRunner creates the manual runner.
func NewManualRunner(logger *slog.Logger) *ManualRunner {
	return &ManualRunner{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Type implements Runner.
func (r *ManualRunner) Type() string { return TypeManual }

// ExecuteTest implements Runner.
func (r *ManualRunner) ExecuteTest(ctx context.Context, tc *execution.TestCase, execCtx execution.Context, cfg execution.Config) ([]execution.StepResult, error) {
	results := make([]execution.StepResult, 0, len(tc.Steps))
	skipRemaining := false

	for order, step := range tc.Steps {
		if skipRemaining || ctx.Err() != nil {
			results = append(results, skippedStep(step, order, r.now()))
			continue
		}
		result := r.ExecuteStep(ctx, step, order, execCtx, cfg)
		results = append(results, result)

		// Manual sessions keep going after a failure by default.
		if result.Status == execution.StepFailed && cfg.FailFast {
			skipRemaining = true
		}
	}
	return results, nil
}

// ExecuteStep implements Runner.
func (r *ManualRunner) ExecuteStep(ctx context.Context, step execution.TestStep, order int, execCtx execution.Context, cfg execution.Config) execution.StepResult {
	started := r.now()
	result := execution.StepResult{
		StepID:         step.StepID,
		StepName:       step.Name,
		StepOrder:      order,
		Status:         execution.StepRunning,
		StartedAt:      &started,
		InputData:      step.InputData,
		ExpectedResult: step.ExpectedResult,
	}
	if notes, ok := step.InputData[inputManualNotes].(string); ok && notes != "" {
		result.Metadata = map[string]any{"tester_notes": notes}
	}

	outcome, _ := step.InputData[inputManualResult].(string)
	switch strings.ToLower(outcome) {
	case "", "passed", "pass":
		result.Finalize(execution.StepPassed, r.now())
	case "failed", "fail":
		result.ErrorDetails = &execution.StepErrorDetails{
			Type:    "ManualVerificationError",
			Message: fmt.Sprintf("tester reported step %s as failed", step.StepID),
		}
		result.Finalize(execution.StepFailed, r.now())
	case "skipped", "skip":
		result.Finalize(execution.StepSkipped, r.now())
	case "blocked":
		result.Finalize(execution.StepBlocked, r.now())
	default:
		result.ErrorDetails = &execution.StepErrorDetails{
			Type:    "ManualVerificationError",
			Message: fmt.Sprintf("unknown manual_result %q on step %s", outcome, step.StepID),
		}
		result.Finalize(execution.StepFailed, r.now())
	}
	return result
}

// ValidateTestCase implements Runner.
func (r *ManualRunner) ValidateTestCase(tc *execution.TestCase) ValidationResult {
	v := ValidationResult{Valid: true}
	validateCommon(tc, &v)
	for _, step := range tc.Steps {
		if outcome, ok := step.InputData[inputManualResult].(string); ok {
			switch strings.ToLower(outcome) {
			case "passed", "pass", "failed", "fail", "skipped", "skip", "blocked":
			default:
				v.addWarning(fmt.Sprintf("step %q has unknown manual_result %q", step.StepID, outcome))
			}
		}
	}
	return v
}
