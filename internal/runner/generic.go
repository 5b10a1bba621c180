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
	"time"

	"github.com/expr-lang/expr"
	"github.com/itchyny/gojq"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Step input keys steering the simulated driver. Steps describe their
// behaviour in input_data; real drivers are external collaborators.
const (
	// inputSimulateDelayMS makes the step take this long.
	inputSimulateDelayMS = "simulate_delay_ms"
	// inputSimulateError fails the step with this message.
	inputSimulateError = "simulate_error"
	// inputSimulateErrorType overrides the injected error's type.
	inputSimulateErrorType = "simulate_error_type"
	// inputSimulateOutput is the step's output data; absent, the step
	// echoes its input.
	inputSimulateOutput = "simulate_output"
)

// GenericRunner executes action/verify test cases. Every step runs its
// action; steps carrying an expected result (or a verify expression) are
// verified against their output.
type GenericRunner struct {
	logger   *slog.Logger
	verifier *verifier
	now      func() time.Time
}

// NewGenericRunner creates the generic runner.
func NewGenericRunner(logger *slog.Logger) *GenericRunner {
	return &GenericRunner{
		logger:   logger,
		verifier: newVerifier(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Type implements Runner.
func (r *GenericRunner) Type() string { return TypeGeneric }

// ExecuteTest implements Runner. Step failures stop the loop under
// fail-fast; remaining steps are recorded as SKIPPED.
func (r *GenericRunner) ExecuteTest(ctx context.Context, tc *execution.TestCase, execCtx execution.Context, cfg execution.Config) ([]execution.StepResult, error) {
	results := make([]execution.StepResult, 0, len(tc.Steps))
	skipRemaining := false

	for order, step := range tc.Steps {
		if skipRemaining || ctx.Err() != nil {
			results = append(results, skippedStep(step, order, r.now()))
			continue
		}

		result := r.ExecuteStep(ctx, step, order, execCtx, cfg)
		results = append(results, result)

		if result.Status == execution.StepFailed && cfg.FailFast {
			skipRemaining = true
		}
	}
	return results, nil
}

// ExecuteStep implements Runner. It honors the per-step timeout, retries
// failures up to the step's budget, and runs verification on success.
func (r *GenericRunner) ExecuteStep(ctx context.Context, step execution.TestStep, order int, execCtx execution.Context, cfg execution.Config) execution.StepResult {
	started := r.now()
	result := execution.StepResult{
		StepID:         step.StepID,
		StepName:       step.Name,
		StepOrder:      order,
		Status:         execution.StepRunning,
		StartedAt:      &started,
		InputData:      step.InputData,
		ExpectedResult: step.ExpectedResult,
		MaxRetries:     step.MaxRetries,
	}

	stepCtx := ctx
	if cfg.StepTimeoutMS > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.StepTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		errDetails := r.runStep(stepCtx, step, &result)
		if errDetails == nil {
			result.Finalize(execution.StepPassed, r.now())
			return result
		}

		if attempt < step.MaxRetries && stepCtx.Err() == nil {
			errDetails.RetryAttempted = true
			result.RetryCount = attempt + 1
			r.logger.Debug("retrying step",
				log.String(log.StepIDKey, step.StepID),
				log.Int("attempt", attempt+1))
			continue
		}

		result.ErrorDetails = errDetails
		result.Finalize(execution.StepFailed, r.now())
		return result
	}
}

// runStep performs the action and verification of one attempt. A nil
// return means the attempt passed.
func (r *GenericRunner) runStep(ctx context.Context, step execution.TestStep, result *execution.StepResult) *execution.StepErrorDetails {
	output, errDetails := runAction(ctx, step)
	result.OutputData = output
	if errDetails != nil {
		return errDetails
	}

	actual, err := r.verifier.extractActual(step.ActualPath, output)
	if err != nil {
		return &execution.StepErrorDetails{
			Type:    "VerificationError",
			Message: err.Error(),
			Context: map[string]any{"actual_path": step.ActualPath},
		}
	}
	result.ActualResult = asMap(actual)

	passed, mismatch, err := r.verifier.verify(step.VerifyExpr, step.ExpectedResult, actual, output)
	if err != nil {
		return &execution.StepErrorDetails{
			Type:    "VerificationError",
			Message: err.Error(),
			Context: map[string]any{"verify_expr": step.VerifyExpr},
		}
	}
	if !passed {
		return &execution.StepErrorDetails{
			Type:               "AssertionError",
			Message:            mismatch,
			Context:            map[string]any{"expected": step.ExpectedResult, "actual": actual},
			RecoverySuggestion: "inspect the step's output data against its expected result",
		}
	}
	return nil
}

// ValidateTestCase implements Runner.
func (r *GenericRunner) ValidateTestCase(tc *execution.TestCase) ValidationResult {
	v := ValidationResult{Valid: true}
	validateCommon(tc, &v)
	return v
}

// runAction executes the simulated driver for one step: optional delay,
// optional injected failure, output from input.
func runAction(ctx context.Context, step execution.TestStep) (map[string]any, *execution.StepErrorDetails) {
	if delay, ok := toFloat(step.InputData[inputSimulateDelayMS]); ok && delay > 0 {
		timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, &execution.StepErrorDetails{
				Type:               "TimeoutError",
				Message:            fmt.Sprintf("step %s exceeded its deadline", step.StepID),
				RecoverySuggestion: "raise step_timeout_ms or reduce the step's workload",
			}
		case <-timer.C:
		}
	}
	if ctx.Err() != nil {
		return nil, &execution.StepErrorDetails{
			Type:    "TimeoutError",
			Message: fmt.Sprintf("step %s exceeded its deadline", step.StepID),
		}
	}

	if msg, ok := step.InputData[inputSimulateError].(string); ok && msg != "" {
		errType := "StepExecutionError"
		if t, ok := step.InputData[inputSimulateErrorType].(string); ok && t != "" {
			errType = t
		}
		return nil, &execution.StepErrorDetails{
			Type:    errType,
			Message: msg,
			Context: map[string]any{"step_id": step.StepID},
		}
	}

	if out, ok := step.InputData[inputSimulateOutput].(map[string]any); ok {
		return out, nil
	}
	// Echo semantics: without a declared output the step reflects its
	// input back.
	return step.InputData, nil
}

func skippedStep(step execution.TestStep, order int, at time.Time) execution.StepResult {
	result := execution.StepResult{
		StepID:    step.StepID,
		StepName:  step.Name,
		StepOrder: order,
		InputData: step.InputData,
	}
	result.Finalize(execution.StepSkipped, at)
	return result
}

func asMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// validateCommon checks the structural rules shared by all runners.
func validateCommon(tc *execution.TestCase, v *ValidationResult) {
	if tc.ID == "" {
		v.addError("test case id is required")
	}
	if len(tc.Steps) == 0 {
		v.addError("test case has no steps")
	}
	seen := make(map[string]bool, len(tc.Steps))
	for i, step := range tc.Steps {
		if step.StepID == "" {
			v.addError(fmt.Sprintf("step %d has no step_id", i))
			continue
		}
		if seen[step.StepID] {
			v.addError(fmt.Sprintf("duplicate step_id %q", step.StepID))
		}
		seen[step.StepID] = true

		if step.ActualPath != "" {
			if _, err := gojq.Parse(step.ActualPath); err != nil {
				v.addError(fmt.Sprintf("step %q has an invalid actual_path: %v", step.StepID, err))
			}
		}
		if step.VerifyExpr != "" {
			if _, err := expr.Compile(step.VerifyExpr, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
				v.addError(fmt.Sprintf("step %q has an invalid verify_expr: %v", step.StepID, err))
			}
		}
	}
}
