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

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/results"
	"github.com/crucible-dev/crucible/internal/runner"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// runCase drives a single test case step by step. The orchestrator owns
// the loop so it can publish progress after every step and observe
// cancellation between steps; per-step timeouts, retries, and
// verification stay inside the runner.
func (o *Orchestrator) runCase(ctx context.Context, trace *execution.Trace) runOutcome {
	tc, err := o.catalog.LoadTestCase(ctx, trace.TestCaseID)
	if err != nil {
		o.logger.Error("failed to load test case",
			log.String(log.ExecutionIDKey, trace.ExecutionID),
			log.String("test_case_id", trace.TestCaseID),
			log.Error(err))
		return runOutcome{
			status:  execution.StatusFailed,
			message: fmt.Sprintf("failed to load test case %s: %v", trace.TestCaseID, err),
		}
	}

	r := o.runners.ForTestType(tc.TestType)
	if v := r.ValidateTestCase(tc); !v.Valid {
		return runOutcome{
			status:  execution.StatusFailed,
			message: "test case invalid: " + strings.Join(v.Errors, "; "),
		}
	}

	cfg := o.effectiveConfig(trace)
	trace.EstimatedStepCount = len(tc.Steps)
	trace.ApplyPartitioning(o.cfg.StepsCollection)

	var (
		steps        = make([]execution.StepResult, 0, len(tc.Steps))
		skipScenario bool
		userCancel   bool
		stopped      bool
	)

	for order, st := range tc.Steps {
		if stopped || ctx.Err() != nil {
			break
		}
		if o.cancelled(ctx, trace.ExecutionID) {
			userCancel = true
			break
		}

		// A scenario aborted under fail-fast skips its remaining steps;
		// the next scenario starts fresh at its given step.
		if skipScenario && !startsScenario(st) {
			steps = append(steps, skippedResult(trace.ExecutionID, st, order, o.now()))
			continue
		}
		skipScenario = false

		result := o.executeStep(ctx, r, st, order, trace.Context, cfg)
		result.ExecutionID = trace.ExecutionID
		steps = append(steps, result)

		o.metrics.RecordStep(ctx, trace.ExecutionType.String(), result.Status.String(),
			time.Duration(result.DurationMS)*time.Millisecond)

		stats := results.ComputeStatistics(steps)
		stats.TotalSteps = len(tc.Steps)
		stats.Recalculate()
		if err := o.state.UpdateProgress(ctx, trace.ExecutionID, stats, st.StepID); err != nil {
			o.logger.Debug("progress update failed",
				log.String(log.ExecutionIDKey, trace.ExecutionID), log.Error(err))
		}

		if result.Status == execution.StepFailed && cfg.FailFast {
			if r.Type() == runner.TypeBDD {
				skipScenario = true
			} else {
				stopped = true
			}
		}
	}

	outcome := runOutcome{steps: steps}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		outcome.status = execution.StatusTimeout
		outcome.message = "execution exceeded its configured timeout"
	case ctx.Err() != nil:
		outcome.err = ctx.Err()
	case userCancel:
		outcome.status = execution.StatusCancelled
		outcome.message = "cancelled by user"
	case anyFailed(steps):
		outcome.status = execution.StatusFailed
	default:
		outcome.status = execution.StatusPassed
	}
	return outcome
}

// executeStep shields the loop from a panicking runner: the panic becomes
// a synthesized FAILED step and the run continues under the normal
// failure policy.
func (o *Orchestrator) executeStep(ctx context.Context, r runner.Runner, st execution.TestStep, order int, execCtx execution.Context, cfg execution.Config) (result execution.StepResult) {
	started := o.now()
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("runner panicked",
				log.String(log.StepIDKey, st.StepID),
				log.String("panic", fmt.Sprint(rec)))
			result = execution.StepResult{
				StepID:    st.StepID,
				StepName:  st.Name,
				StepOrder: order,
				StartedAt: &started,
				InputData: st.InputData,
				ErrorDetails: &execution.StepErrorDetails{
					Type:    "RunnerError",
					Message: fmt.Sprintf("runner panic: %v", rec),
				},
			}
			result.Finalize(execution.StepFailed, o.now())
		}
	}()
	return r.ExecuteStep(ctx, st, order, execCtx, cfg)
}

// persistSteps writes the step results in the form the partitioning
// decision picked: embedded on the trace, or one row each in the step
// results collection.
func (o *Orchestrator) persistSteps(ctx context.Context, trace *execution.Trace, steps []execution.StepResult) error {
	if trace.IsPartitioned {
		for i := range steps {
			if err := o.store.SaveStepResult(ctx, &steps[i]); err != nil {
				return err
			}
		}
		return nil
	}
	return o.store.SaveEmbeddedSteps(ctx, trace.ExecutionID, steps)
}

func skippedResult(executionID string, st execution.TestStep, order int, at time.Time) execution.StepResult {
	result := execution.StepResult{
		ExecutionID: executionID,
		StepID:      st.StepID,
		StepName:    st.Name,
		StepOrder:   order,
		InputData:   st.InputData,
	}
	result.Finalize(execution.StepSkipped, at)
	return result
}

// startsScenario reports whether a step opens a new BDD scenario.
func startsScenario(st execution.TestStep) bool {
	return strings.EqualFold(st.StepType, "given")
}

func anyFailed(steps []execution.StepResult) bool {
	for _, s := range steps {
		if s.Status == execution.StepFailed {
			return true
		}
	}
	return false
}
