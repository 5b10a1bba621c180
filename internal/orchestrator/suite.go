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
	"sync"
	"sync/atomic"
	"time"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/results"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// runSuite executes a suite's child cases, each as its own full
// execution with its own trace, and folds every child outcome into one
// suite-level step. An empty suite passes by design.
func (o *Orchestrator) runSuite(ctx context.Context, trace *execution.Trace) runOutcome {
	suite, err := o.catalog.LoadTestSuite(ctx, trace.TestSuiteID)
	if err != nil {
		o.logger.Error("failed to load test suite",
			log.String(log.ExecutionIDKey, trace.ExecutionID),
			log.String("test_suite_id", trace.TestSuiteID),
			log.Error(err))
		return runOutcome{
			status:  execution.StatusFailed,
			message: fmt.Sprintf("failed to load test suite %s: %v", trace.TestSuiteID, err),
		}
	}

	if len(suite.TestCases) == 0 {
		return runOutcome{
			status:  execution.StatusPassed,
			message: "suite has no test cases",
		}
	}

	cfg := o.effectiveConfig(trace)
	trace.EstimatedStepCount = len(suite.TestCases)
	trace.ApplyPartitioning(o.cfg.StepsCollection)

	var outcome runOutcome
	if cfg.ParallelExecution {
		outcome = o.runChildrenParallel(ctx, trace, suite, cfg)
	} else {
		outcome = o.runChildrenSequential(ctx, trace, suite, cfg)
	}
	if outcome.err != nil || outcome.status != "" {
		return outcome
	}

	switch {
	case anyFailed(outcome.steps):
		outcome.status = execution.StatusFailed
	case anyChildCancelled(outcome.children):
		outcome.status = execution.StatusCancelled
	default:
		outcome.status = execution.StatusPassed
	}
	return outcome
}

func (o *Orchestrator) runChildrenSequential(ctx context.Context, trace *execution.Trace, suite *execution.TestSuite, cfg execution.Config) runOutcome {
	var outcome runOutcome
	stopped := false

	for order, ref := range suite.TestCases {
		if ctx.Err() != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return runOutcome{
					status:   execution.StatusTimeout,
					steps:    outcome.steps,
					children: outcome.children,
					message:  "suite exceeded its configured timeout",
				}
			}
			return runOutcome{err: ctx.Err()}
		}
		if o.cancelled(ctx, trace.ExecutionID) {
			return runOutcome{
				status:   execution.StatusCancelled,
				steps:    outcome.steps,
				children: outcome.children,
				message:  "cancelled by user",
			}
		}

		if stopped {
			outcome.steps = append(outcome.steps, skippedChildStep(trace.ExecutionID, ref.TestCaseID, order, o.now()))
			continue
		}

		child, step := o.runChild(ctx, trace, ref.TestCaseID, order)
		if child != nil {
			outcome.children = append(outcome.children, child)
		}
		outcome.steps = append(outcome.steps, step)
		o.updateSuiteProgress(ctx, trace, outcome.steps, len(suite.TestCases), ref.TestCaseID)

		if step.Status == execution.StepFailed && !cfg.ContinueOnFailure {
			stopped = true
		}
	}
	return outcome
}

func (o *Orchestrator) runChildrenParallel(ctx context.Context, trace *execution.Trace, suite *execution.TestSuite, cfg execution.Config) runOutcome {
	n := len(suite.TestCases)
	children := make([]*execution.Trace, n)
	steps := make([]execution.StepResult, n)

	sem := make(chan struct{}, cfg.MaxParallelCases)
	var wg sync.WaitGroup
	var failed atomic.Bool

	for order, ref := range suite.TestCases {
		// Stop admitting new children after a failure when the suite does
		// not continue on failure; children already started finish.
		if failed.Load() && !cfg.ContinueOnFailure {
			steps[order] = skippedChildStep(trace.ExecutionID, ref.TestCaseID, order, o.now())
			continue
		}

		wg.Add(1)
		go func(order int, caseID string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				steps[order] = skippedChildStep(trace.ExecutionID, caseID, order, o.now())
				return
			}
			defer func() { <-sem }()

			child, step := o.runChild(ctx, trace, caseID, order)
			children[order] = child
			steps[order] = step
			if step.Status == execution.StepFailed {
				failed.Store(true)
			}
		}(order, ref.TestCaseID)
	}
	wg.Wait()

	outcome := runOutcome{steps: steps}
	for _, child := range children {
		if child != nil {
			outcome.children = append(outcome.children, child)
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		outcome.status = execution.StatusTimeout
		outcome.message = "suite exceeded its configured timeout"
		return outcome
	}
	if ctx.Err() != nil {
		return runOutcome{err: ctx.Err()}
	}
	o.updateSuiteProgress(ctx, trace, steps, n, "")
	return outcome
}

// runChild creates and runs one child case execution through the normal
// orchestration path, so the child gets its own trace, state history,
// progress events, and processed result.
func (o *Orchestrator) runChild(ctx context.Context, parent *execution.Trace, caseID string, order int) (*execution.Trace, execution.StepResult) {
	child := execution.NewTrace(execution.TypeTestCase, parent.TriggeredBy)
	child.ParentExecutionID = parent.ExecutionID
	child.TestCaseID = caseID
	child.Context = parent.Context
	child.Config = parent.Config
	child.Tags = parent.Tags
	child.Priority = parent.Priority

	if err := o.store.InsertTrace(ctx, child); err != nil {
		o.logger.Error("failed to insert child trace",
			log.String(log.ExecutionIDKey, parent.ExecutionID),
			log.String("test_case_id", caseID),
			log.Error(err))
		return nil, failedChildStep(parent.ExecutionID, caseID, order, o.now(),
			fmt.Sprintf("failed to create child execution: %v", err))
	}
	if _, err := o.state.Transition(ctx, child.ExecutionID, execution.StatusQueued, "",
		map[string]any{"parent_execution_id": parent.ExecutionID}); err != nil {
		o.logger.Error("failed to queue child execution",
			log.String(log.ExecutionIDKey, child.ExecutionID), log.Error(err))
	}

	if _, err := o.Orchestrate(ctx, child.ExecutionID); err != nil {
		o.logger.Warn("child execution did not complete",
			log.String(log.ExecutionIDKey, child.ExecutionID),
			log.Error(err))
	}

	final, err := o.store.GetTrace(ctx, child.ExecutionID)
	if err != nil {
		final = child
	}
	return final, childStep(parent.ExecutionID, final, caseID, order, o.now())
}

// childStep folds a finished child execution into one suite-level step.
func childStep(suiteExecutionID string, child *execution.Trace, caseID string, order int, at time.Time) execution.StepResult {
	step := execution.StepResult{
		ExecutionID: suiteExecutionID,
		StepID:      caseID,
		StepName:    "test case " + caseID,
		StepOrder:   order,
		StartedAt:   child.StartedAt,
		Metadata:    map[string]any{"child_execution_id": child.ExecutionID},
	}

	var status execution.StepStatus
	switch child.Status {
	case execution.StatusPassed:
		status = execution.StepPassed
	case execution.StatusCancelled:
		status = execution.StepSkipped
	case execution.StatusFailed, execution.StatusAborted, execution.StatusTimeout:
		status = execution.StepFailed
		step.ErrorDetails = &execution.StepErrorDetails{
			Type:    "ChildExecutionError",
			Message: fmt.Sprintf("child execution %s ended %s", child.ExecutionID, child.Status),
		}
	default:
		status = execution.StepSkipped
	}

	completed := at
	if child.CompletedAt != nil {
		completed = *child.CompletedAt
	}
	step.Finalize(status, completed)
	step.DurationMS = child.TotalDurationMS
	return step
}

func skippedChildStep(suiteExecutionID, caseID string, order int, at time.Time) execution.StepResult {
	step := execution.StepResult{
		ExecutionID: suiteExecutionID,
		StepID:      caseID,
		StepName:    "test case " + caseID,
		StepOrder:   order,
	}
	step.Finalize(execution.StepSkipped, at)
	return step
}

func failedChildStep(suiteExecutionID, caseID string, order int, at time.Time, message string) execution.StepResult {
	step := execution.StepResult{
		ExecutionID: suiteExecutionID,
		StepID:      caseID,
		StepName:    "test case " + caseID,
		StepOrder:   order,
		ErrorDetails: &execution.StepErrorDetails{
			Type:    "ChildExecutionError",
			Message: message,
		},
	}
	step.Finalize(execution.StepFailed, at)
	return step
}

func (o *Orchestrator) updateSuiteProgress(ctx context.Context, trace *execution.Trace, steps []execution.StepResult, total int, current string) {
	stats := results.ComputeStatistics(steps)
	stats.TotalSteps = total
	stats.Recalculate()
	if err := o.state.UpdateProgress(ctx, trace.ExecutionID, stats, current); err != nil {
		o.logger.Debug("suite progress update failed",
			log.String(log.ExecutionIDKey, trace.ExecutionID), log.Error(err))
	}
}

func anyChildCancelled(children []*execution.Trace) bool {
	for _, c := range children {
		if c != nil && c.Status == execution.StatusCancelled {
			return true
		}
	}
	return false
}
