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
	"log/slog"
	"time"

	"github.com/crucible-dev/crucible/pkg/execution"
)

// BDD step types.
const (
	stepGiven = "given"
	stepWhen  = "when"
	stepThen  = "then"
)

// BDDRunner executes Gherkin-style cases. Steps are grouped into
// scenarios: each "given" after a "then" opens a new scenario. Under
// fail-fast a failure aborts the rest of its scenario; later scenarios
// still run.
type BDDRunner struct {
	logger  *slog.Logger
	generic *GenericRunner
	now     func() time.Time
}

// NewBDDRunner creates the BDD runner. Step execution and verification
// share the generic runner's machinery.
func NewBDDRunner(logger *slog.Logger) *BDDRunner {
	return &BDDRunner{
		logger:  logger,
		generic: NewGenericRunner(logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Type implements Runner.
func (r *BDDRunner) Type() string { return TypeBDD }

// scenario is one contiguous given/when/then group.
type scenario struct {
	steps  []execution.TestStep
	orders []int
}

// groupScenarios splits the case's steps into scenarios. A "given" step
// following a "then" starts a new scenario.
func groupScenarios(steps []execution.TestStep) []scenario {
	var scenarios []scenario
	current := scenario{}
	sawThen := false

	for i, step := range steps {
		if step.StepType == stepGiven && sawThen && len(current.steps) > 0 {
			scenarios = append(scenarios, current)
			current = scenario{}
			sawThen = false
		}
		current.steps = append(current.steps, step)
		current.orders = append(current.orders, i)
		if step.StepType == stepThen {
			sawThen = true
		}
	}
	if len(current.steps) > 0 {
		scenarios = append(scenarios, current)
	}
	return scenarios
}

// ExecuteTest implements Runner.
func (r *BDDRunner) ExecuteTest(ctx context.Context, tc *execution.TestCase, execCtx execution.Context, cfg execution.Config) ([]execution.StepResult, error) {
	results := make([]execution.StepResult, len(tc.Steps))

	for _, sc := range groupScenarios(tc.Steps) {
		abortScenario := false
		for i, step := range sc.steps {
			order := sc.orders[i]
			if abortScenario || ctx.Err() != nil {
				results[order] = skippedStep(step, order, r.now())
				continue
			}
			result := r.generic.ExecuteStep(ctx, step, order, execCtx, cfg)
			results[order] = result
			if result.Status == execution.StepFailed && cfg.FailFast {
				abortScenario = true
			}
		}
	}
	return results, nil
}

// ExecuteStep implements Runner.
func (r *BDDRunner) ExecuteStep(ctx context.Context, step execution.TestStep, order int, execCtx execution.Context, cfg execution.Config) execution.StepResult {
	return r.generic.ExecuteStep(ctx, step, order, execCtx, cfg)
}

// ValidateTestCase implements Runner. Beyond the common rules it warns
// when the case carries no given/when/then structure at all.
func (r *BDDRunner) ValidateTestCase(tc *execution.TestCase) ValidationResult {
	v := ValidationResult{Valid: true}
	validateCommon(tc, &v)

	var given, when, then bool
	for _, step := range tc.Steps {
		switch step.StepType {
		case stepGiven:
			given = true
		case stepWhen:
			when = true
		case stepThen:
			then = true
		}
	}
	if !given && !when && !then {
		v.addWarning("no given/when/then steps; case will run as a single scenario")
	} else if !then {
		v.addWarning("no then steps; scenarios have no observable assertions")
	}
	return v
}
