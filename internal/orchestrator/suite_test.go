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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/execution"
)

func failingCase(id string) *execution.TestCase {
	return &execution.TestCase{
		ID:    id,
		Title: "failing case",
		Steps: []execution.TestStep{
			{StepID: id + "-s1", Name: "boom", InputData: map[string]any{
				"simulate_error": "injected failure",
			}},
		},
	}
}

func suiteOf(caseIDs ...string) *execution.TestSuite {
	suite := &execution.TestSuite{ID: "suite-1", Title: "suite"}
	for _, id := range caseIDs {
		suite.TestCases = append(suite.TestCases, execution.SuiteCaseRef{TestCaseID: id})
	}
	return suite
}

func (h *harness) childrenOf(t *testing.T, parentID string) []*execution.Trace {
	t.Helper()
	traces, _, err := h.store.ListTraces(context.Background(), store.TraceFilter{})
	require.NoError(t, err)
	var children []*execution.Trace
	for _, tr := range traces {
		if tr.ParentExecutionID == parentID {
			children = append(children, tr)
		}
	}
	return children
}

func TestSuiteSequentialAllPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.loader.AddTestCase(passingCase("tc-a", 2)).AddTestCase(passingCase("tc-b", 2))
	h.loader.AddTestSuite(suiteOf("tc-a", "tc-b"))
	trace := h.queuedTrace(t, execution.TypeTestSuite)

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPassed, progress.Status)

	children := h.childrenOf(t, trace.ExecutionID)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, execution.StatusPassed, child.Status)
		assert.Equal(t, "alice", child.TriggeredBy)
	}

	result, err := h.store.GetSuiteResult(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalCases)
	assert.Equal(t, 2, result.PassedCases)
	assert.InDelta(t, 1.0, result.SuccessRate, 0.001)
}

func TestSuiteSequentialStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.loader.AddTestCase(failingCase("tc-a")).AddTestCase(passingCase("tc-b", 1))
	h.loader.AddTestSuite(suiteOf("tc-a", "tc-b"))
	trace := h.queuedTrace(t, execution.TypeTestSuite)

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, progress.Status)

	// Second case never started.
	children := h.childrenOf(t, trace.ExecutionID)
	require.Len(t, children, 1)
	assert.Equal(t, "tc-a", children[0].TestCaseID)
	assert.Equal(t, execution.StatusFailed, children[0].Status)

	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	require.Len(t, final.EmbeddedSteps, 2)
	assert.Equal(t, execution.StepFailed, final.EmbeddedSteps[0].Status)
	assert.Equal(t, execution.StepSkipped, final.EmbeddedSteps[1].Status)
}

func TestSuiteContinueOnFailureRunsAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.loader.AddTestCase(failingCase("tc-a")).AddTestCase(passingCase("tc-b", 1))
	h.loader.AddTestSuite(suiteOf("tc-a", "tc-b"))
	trace := h.queuedTrace(t, execution.TypeTestSuite, func(tr *execution.Trace) {
		tr.Config.ContinueOnFailure = true
	})

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, progress.Status)

	children := h.childrenOf(t, trace.ExecutionID)
	assert.Len(t, children, 2)

	result, err := h.store.GetSuiteResult(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalCases)
	assert.Equal(t, 1, result.PassedCases)
	assert.Equal(t, 1, result.FailedCases)
}

func TestSuiteEmptyPasses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.loader.AddTestSuite(suiteOf())
	trace := h.queuedTrace(t, execution.TypeTestSuite)

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPassed, progress.Status)
	assert.Equal(t, 0, progress.Statistics.TotalSteps)

	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPassed, final.Status)
	assert.Empty(t, final.EmbeddedSteps)
}

func TestSuiteParallelContinueOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.loader.AddTestCase(passingCase("tc-a", 1)).
		AddTestCase(failingCase("tc-b")).
		AddTestCase(passingCase("tc-c", 1))
	h.loader.AddTestSuite(suiteOf("tc-a", "tc-b", "tc-c"))
	trace := h.queuedTrace(t, execution.TypeTestSuite, func(tr *execution.Trace) {
		tr.Config.ParallelExecution = true
		tr.Config.MaxParallelCases = 3
		tr.Config.ContinueOnFailure = true
	})

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, progress.Status)

	children := h.childrenOf(t, trace.ExecutionID)
	assert.Len(t, children, 3)

	result, err := h.store.GetSuiteResult(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalCases)
	assert.Equal(t, 2, result.PassedCases)
	assert.Equal(t, 1, result.FailedCases)
	assert.InDelta(t, 2.0/3.0, result.SuccessRate, 0.001)
}

func TestSuiteMissingCaseRecordsFailedChildStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.loader.AddTestCase(passingCase("tc-a", 1))
	h.loader.AddTestSuite(suiteOf("tc-a", "tc-missing"))
	trace := h.queuedTrace(t, execution.TypeTestSuite, func(tr *execution.Trace) {
		tr.Config.ContinueOnFailure = true
	})

	progress, err := h.orch.Orchestrate(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, progress.Status)

	final, err := h.store.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	require.Len(t, final.EmbeddedSteps, 2)
	missing := final.EmbeddedSteps[1]
	assert.Equal(t, execution.StepFailed, missing.Status)
	require.NotNil(t, missing.ErrorDetails)
	assert.Equal(t, "ChildExecutionError", missing.ErrorDetails.Type)
}
