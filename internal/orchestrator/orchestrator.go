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

// Package orchestrator drives executions end to end: it claims a trace,
// loads the test artifact, runs its steps through a runner, keeps
// statistics and progress current, and lands the trace in a terminal
// status before handing the raw step outcomes to the result processor.
//
// Orchestrate is idempotent with respect to transitions: re-invocation on
// a terminal trace is a no-op, on a running trace a conflict, never
// silent corruption.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/crucible-dev/crucible/internal/catalog"
	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/results"
	"github.com/crucible-dev/crucible/internal/runner"
	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/internal/tracing"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// DefaultStepsCollection is where partitioned runs store their steps.
const DefaultStepsCollection = "step_results"

// Store is the persistence surface the orchestrator needs.
type Store interface {
	store.TraceStore
	store.StepStore
}

// StateService applies status transitions and progress updates.
type StateService interface {
	Transition(ctx context.Context, executionID string, to execution.Status, userID string, metadata map[string]any) (bool, error)
	UpdateProgress(ctx context.Context, executionID string, stats execution.Statistics, currentStep string) error
}

// Config carries the engine defaults applied when a trace omits them.
type Config struct {
	// DefaultTimeout bounds a whole run when the trace config has no
	// timeout_ms.
	DefaultTimeout time.Duration

	// DefaultStepTimeout bounds one step when the trace config has no
	// step_timeout_ms.
	DefaultStepTimeout time.Duration

	// MaxParallelCases bounds suite parallelism when the trace config has
	// no max_parallel_cases.
	MaxParallelCases int

	// StepsCollection is where partitioned runs store their steps.
	StepsCollection string
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 5 * time.Minute
	}
	if c.MaxParallelCases <= 0 {
		c.MaxParallelCases = 5
	}
	if c.StepsCollection == "" {
		c.StepsCollection = DefaultStepsCollection
	}
}

// Orchestrator executes claimed traces.
type Orchestrator struct {
	store   Store
	state   StateService
	runners *runner.Registry
	catalog catalog.Loader
	results *results.Processor
	metrics *tracing.MetricsCollector
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an orchestrator. metrics may be nil.
func New(st Store, state StateService, registry *runner.Registry, loader catalog.Loader, processor *results.Processor, metrics *tracing.MetricsCollector, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:   st,
		state:   state,
		runners: registry,
		catalog: loader,
		results: processor,
		metrics: metrics,
		cfg:     cfg,
		logger:  log.WithComponent(logger, "orchestrator"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Orchestrate runs one execution to a terminal status and returns its
// final progress. A trace that is already terminal returns its current
// progress unchanged; a trace claimed by another worker returns a
// ConflictError. A run-level timeout leaves the trace in TIMEOUT and
// returns a TimeoutError so the queue layer can retry it.
func (o *Orchestrator) Orchestrate(ctx context.Context, executionID string) (*execution.Progress, error) {
	trace, err := o.store.GetTrace(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if trace.Status.IsTerminal() {
		o.logger.Debug("execution already terminal, nothing to do",
			log.String(log.ExecutionIDKey, executionID),
			log.String(log.StatusKey, trace.Status.String()))
		return progressOf(trace), nil
	}
	if trace.Status != execution.StatusPending && trace.Status != execution.StatusQueued {
		return nil, &errors.ConflictError{
			Resource: "execution",
			ID:       executionID,
			Reason:   "already " + trace.Status.String(),
		}
	}

	ok, err := o.state.Transition(ctx, executionID, execution.StatusRunning, "", nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errors.ConflictError{
			Resource: "execution",
			ID:       executionID,
			Reason:   "claimed concurrently",
		}
	}
	trace.Status = execution.StatusRunning
	o.metrics.RecordExecutionStart(executionID)

	timeout := o.runTimeout(trace)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.logger.Info("execution started",
		log.String(log.ExecutionIDKey, executionID),
		log.String(log.ExecutionTypeKey, trace.ExecutionType.String()),
		log.Duration(log.DurationKey, timeout.Milliseconds()))

	var outcome runOutcome
	if trace.ExecutionType == execution.TypeTestSuite {
		outcome = o.runSuite(runCtx, trace)
	} else {
		outcome = o.runCase(runCtx, trace)
	}
	return o.finish(ctx, trace, outcome)
}

// runOutcome is what a dispatch path reports back for finalization.
type runOutcome struct {
	status   execution.Status
	steps    []execution.StepResult
	children []*execution.Trace
	message  string
	err      error
}

// finish lands the trace in its final status, persists results, and
// builds the returned progress. Called with the parent context so result
// persistence survives a run-level deadline.
func (o *Orchestrator) finish(ctx context.Context, trace *execution.Trace, outcome runOutcome) (*execution.Progress, error) {
	executionID := trace.ExecutionID

	if outcome.err != nil && errors.Is(outcome.err, context.Canceled) {
		// Shutdown, not a verdict. Leave the trace RUNNING; the lease
		// sweep reclaims it.
		return nil, outcome.err
	}

	if len(outcome.steps) > 0 {
		if err := o.store.SetTracePartitioning(ctx, executionID, trace.IsPartitioned, trace.StepsCollection, trace.EstimatedStepCount); err != nil {
			o.logger.Error("failed to persist partitioning decision",
				log.String(log.ExecutionIDKey, executionID), log.Error(err))
		}
		if err := o.persistSteps(ctx, trace, outcome.steps); err != nil {
			o.logger.Error("failed to persist step results",
				log.String(log.ExecutionIDKey, executionID), log.Error(err))
		}
	}

	// A user cancellation has already moved the trace; transitioning again
	// would be illegal, not a failure.
	if current, err := o.store.GetTrace(ctx, executionID); err == nil && current.Status == outcome.status {
		trace = current
	} else {
		var meta map[string]any
		if outcome.message != "" {
			meta = map[string]any{"reason": outcome.message}
		}
		if _, err := o.state.Transition(ctx, executionID, outcome.status, "", meta); err != nil {
			o.logger.Error("final transition failed",
				log.String(log.ExecutionIDKey, executionID),
				log.String(log.StatusKey, outcome.status.String()),
				log.Error(err))
		}
	}

	if outcome.status == execution.StatusTimeout {
		return nil, &errors.TimeoutError{Operation: "execution", Duration: o.runTimeout(trace)}
	}

	// Reload for store-derived terminal fields (completed_at, duration).
	final, err := o.store.GetTrace(ctx, executionID)
	if err != nil {
		final = trace
		final.Status = outcome.status
	}

	if o.results != nil {
		if _, err := o.results.Process(ctx, final, outcome.steps); err != nil {
			o.logger.Error("result processing failed",
				log.String(log.ExecutionIDKey, executionID), log.Error(err))
		}
		if final.ExecutionType == execution.TypeTestSuite {
			if _, err := o.results.AggregateSuite(ctx, final, outcome.children); err != nil {
				o.logger.Error("suite aggregation failed",
					log.String(log.ExecutionIDKey, executionID), log.Error(err))
			}
		}
	}

	o.metrics.RecordExecutionComplete(ctx, executionID, final.ExecutionType.String(), final.Status.String(),
		time.Duration(final.TotalDurationMS)*time.Millisecond)
	o.logger.Info("execution finished",
		log.String(log.ExecutionIDKey, executionID),
		log.String(log.StatusKey, final.Status.String()),
		log.Duration(log.DurationKey, final.TotalDurationMS))

	progress := progressOf(final)
	if progress.Statistics.TotalSteps == 0 {
		progress.Statistics = results.ComputeStatistics(outcome.steps)
	}
	progress.Message = outcome.message
	return progress, nil
}

func (o *Orchestrator) runTimeout(trace *execution.Trace) time.Duration {
	if trace.Config.TimeoutMS > 0 {
		return time.Duration(trace.Config.TimeoutMS) * time.Millisecond
	}
	return o.cfg.DefaultTimeout
}

// effectiveConfig fills engine defaults into the trace's run config.
func (o *Orchestrator) effectiveConfig(trace *execution.Trace) execution.Config {
	cfg := trace.Config
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = o.cfg.DefaultTimeout.Milliseconds()
	}
	if cfg.StepTimeoutMS <= 0 {
		cfg.StepTimeoutMS = o.cfg.DefaultStepTimeout.Milliseconds()
	}
	if cfg.MaxParallelCases <= 0 {
		cfg.MaxParallelCases = o.cfg.MaxParallelCases
	}
	return cfg
}

// cancelled reports whether a user moved the trace to CANCELLED while the
// run is in flight. Polled between steps so the current step always
// finishes.
func (o *Orchestrator) cancelled(ctx context.Context, executionID string) bool {
	trace, err := o.store.GetTrace(ctx, executionID)
	if err != nil {
		return false
	}
	return trace.Status == execution.StatusCancelled
}

func progressOf(trace *execution.Trace) *execution.Progress {
	return &execution.Progress{
		ExecutionID: trace.ExecutionID,
		Status:      trace.Status,
		Statistics:  trace.Statistics,
	}
}
