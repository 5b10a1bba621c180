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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-dev/crucible/internal/catalog"
	"github.com/crucible-dev/crucible/internal/results"
	"github.com/crucible-dev/crucible/internal/runner"
	"github.com/crucible-dev/crucible/internal/state"
	"github.com/crucible-dev/crucible/internal/store/memory"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

type harness struct {
	store  *memory.Store
	state  *state.Service
	loader *catalog.StaticLoader
	orch   *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	stateSvc := state.NewService(st, logger)
	t.Cleanup(stateSvc.Close)
	loader := catalog.NewStaticLoader()
	registry := runner.NewRegistry(logger)
	processor := results.NewProcessor(st, results.Thresholds{}, logger)

	orch := New(st, stateSvc, registry, loader, processor, nil, Config{
		DefaultTimeout:     time.Minute,
		DefaultStepTimeout: 10 * time.Second,
		MaxParallelCases:   3,
	}, logger)
	return &harness{store: st, state: stateSvc, loader: loader, orch: orch}
}

// queuedTrace inserts a trace and walks it to QUEUED, the state a worker
// claims it in. Mutators adjust the trace before insertion.
func (h *harness) queuedTrace(t *testing.T, execType execution.Type, mutate ...func(*execution.Trace)) *execution.Trace {
	t.Helper()
	ctx := context.Background()
	trace := execution.NewTrace(execType, "alice")
	if execType == execution.TypeTestSuite {
		trace.TestSuiteID = "suite-1"
	} else {
		trace.TestCaseID = "tc-1"
	}
	for _, m := range mutate {
		m(trace)
	}
	require.NoError(t, h.store.InsertTrace(ctx, trace))
	ok, err := h.state.Transition(ctx, trace.ExecutionID, execution.StatusQueued, "alice", nil)
	require.NoError(t, err)
	require.True(t, ok)
	trace.Status = execution.StatusQueued
	return trace
}

func passingCase(id string, stepCount int) *execution.TestCase {
	tc := &execution.TestCase{ID: id, Title: "case " + id}
	for i := 0; i < stepCount; i++ {
		tc.Steps = append(tc.Steps, execution.TestStep{
			StepID: id + "-s" + string(rune('1'+i)),
			Name:   "step",
		})
	}
	return tc
}

func TestOrchestrateCasePasses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.loader.AddTestCase(passingCase("tc-1", 3))
	trace := h.queuedTrace(t, execution.TypeTestCase)

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPassed, progress.Status)
	assert.Equal(t, 3, progress.Statistics.PassedSteps)
	assert.InDelta(t, 100.0, progress.Statistics.ProgressPercent, 0.001)

	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPassed, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.Len(t, final.EmbeddedSteps, 3)
	assert.False(t, final.IsPartitioned)

	// QUEUED -> RUNNING -> PASSED on record.
	history, err := h.state.GetStateHistory(ctx, trace.ExecutionID, 10)
	require.NoError(t, err)
	statuses := make([]execution.Status, 0, len(history))
	for _, c := range history {
		statuses = append(statuses, c.NewStatus)
	}
	assert.Contains(t, statuses, execution.StatusRunning)
	assert.Contains(t, statuses, execution.StatusPassed)

	result, err := h.store.GetResult(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Statistics.PassedSteps)
}

func TestOrchestrateFailFastSkipsRemaining(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tc := &execution.TestCase{
		ID:    "tc-1",
		Title: "failing",
		Steps: []execution.TestStep{
			{StepID: "ok", Name: "ok"},
			{StepID: "boom", Name: "boom", InputData: map[string]any{
				"simulate_error": "injected failure",
			}},
			{StepID: "never", Name: "never"},
		},
	}
	h.loader.AddTestCase(tc)
	trace := h.queuedTrace(t, execution.TypeTestCase, func(tr *execution.Trace) {
		tr.Config.FailFast = true
	})

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, progress.Status)
	assert.Equal(t, 3, progress.Statistics.TotalSteps)
	assert.Equal(t, 2, progress.Statistics.CompletedSteps)
	assert.Equal(t, 1, progress.Statistics.FailedSteps)

	// Only executed steps are recorded; the run stopped before the rest.
	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	require.Len(t, final.EmbeddedSteps, 2)
	assert.Equal(t, execution.StepPassed, final.EmbeddedSteps[0].Status)
	assert.Equal(t, execution.StepFailed, final.EmbeddedSteps[1].Status)
}

func TestOrchestrateRunTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tc := &execution.TestCase{
		ID:    "tc-1",
		Title: "slow",
		Steps: []execution.TestStep{
			{StepID: "slow", Name: "slow", InputData: map[string]any{
				"simulate_delay_ms": 500,
			}},
			{StepID: "after", Name: "after"},
		},
	}
	h.loader.AddTestCase(tc)
	trace := h.queuedTrace(t, execution.TypeTestCase, func(tr *execution.Trace) {
		tr.Config.TimeoutMS = 50
	})

	_, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))

	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusTimeout, final.Status)
}

func TestOrchestrateTerminalIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.loader.AddTestCase(passingCase("tc-1", 1))
	trace := h.queuedTrace(t, execution.TypeTestCase)

	_, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)

	// Second invocation observes the terminal trace and changes nothing.
	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPassed, progress.Status)
}

func TestOrchestrateRunningIsConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.loader.AddTestCase(passingCase("tc-1", 1))
	trace := h.queuedTrace(t, execution.TypeTestCase)
	ok, err := h.state.Transition(ctx, trace.ExecutionID, execution.StatusRunning, "", nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.orch.Orchestrate(ctx, trace.ExecutionID)
	assert.True(t, errors.IsConflict(err))
}

func TestOrchestrateMissingTestCaseFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	trace := h.queuedTrace(t, execution.TypeTestCase)

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, progress.Status)
	assert.Contains(t, progress.Message, "failed to load test case")

	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, final.Status)
}

// cancellingRunner cancels its own execution from inside the first step,
// like a user hitting cancel while the step runs.
type cancellingRunner struct {
	*runner.GenericRunner
	state       *state.Service
	executionID string
}

func (r *cancellingRunner) Type() string { return "cancelling" }

func (r *cancellingRunner) ExecuteStep(ctx context.Context, step execution.TestStep, order int, execCtx execution.Context, cfg execution.Config) execution.StepResult {
	result := r.GenericRunner.ExecuteStep(ctx, step, order, execCtx, cfg)
	if _, err := r.state.Transition(ctx, r.executionID, execution.StatusCancelled, "alice", nil); err != nil {
		panic(err)
	}
	return result
}

func TestOrchestrateCancellationStopsNewSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tc := passingCase("tc-1", 3)
	tc.TestType = "cancelling"
	h.loader.AddTestCase(tc)
	trace := h.queuedTrace(t, execution.TypeTestCase)

	registry := runner.NewRegistry(logger)
	registry.Register(&cancellingRunner{
		GenericRunner: runner.NewGenericRunner(logger),
		state:         h.state,
		executionID:   trace.ExecutionID,
	})
	h.orch.runners = registry

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, progress.Status)
	// The first step finished; no later step started.
	assert.Equal(t, 1, progress.Statistics.CompletedSteps)

	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, final.Status)
}

type panickingRunner struct {
	*runner.GenericRunner
}

func (r *panickingRunner) Type() string { return "panicking" }

func (r *panickingRunner) ExecuteStep(ctx context.Context, step execution.TestStep, order int, execCtx execution.Context, cfg execution.Config) execution.StepResult {
	panic("runner exploded")
}

func TestOrchestrateRunnerPanicBecomesFailedStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tc := passingCase("tc-1", 2)
	tc.TestType = "panicking"
	h.loader.AddTestCase(tc)
	trace := h.queuedTrace(t, execution.TypeTestCase)

	registry := runner.NewRegistry(logger)
	registry.Register(&panickingRunner{GenericRunner: runner.NewGenericRunner(logger)})
	h.orch.runners = registry

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, progress.Status)

	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, final.EmbeddedSteps)
	first := final.EmbeddedSteps[0]
	assert.Equal(t, execution.StepFailed, first.Status)
	require.NotNil(t, first.ErrorDetails)
	assert.Equal(t, "RunnerError", first.ErrorDetails.Type)
	assert.Contains(t, first.ErrorDetails.Message, "runner exploded")
}

func TestOrchestratePartitionsLargeRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tc := passingCase("tc-1", 4)
	h.loader.AddTestCase(tc)
	trace := h.queuedTrace(t, execution.TypeTestCase, func(tr *execution.Trace) {
		tr.StepCountThreshold = 3
	})

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPassed, progress.Status)

	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.True(t, final.IsPartitioned)
	assert.Empty(t, final.EmbeddedSteps)
	assert.Equal(t, DefaultStepsCollection, final.StepsCollection)

	steps, err := h.store.ListStepResults(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, steps, 4)
}
