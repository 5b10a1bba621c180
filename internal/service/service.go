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

// Package service is the API facade over the engine: it validates
// requests, starts executions (insert, enqueue, transition to QUEUED),
// projects traces for read paths, and fronts queue control and health.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/crucible-dev/crucible/internal/catalog"
	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/queue"
	"github.com/crucible-dev/crucible/internal/results"
	"github.com/crucible-dev/crucible/internal/state"
	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Pagination bounds for list requests.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Store is the persistence surface the service reads from. Writes go
// through the state service and the orchestrator.
type Store interface {
	store.TraceStore
	store.StepStore
	store.ResultStore
	Ping(ctx context.Context) error
}

// HealthChecker reports system health. Implemented by the monitor.
type HealthChecker interface {
	RunChecks(ctx context.Context) (execution.SystemHealth, error)
}

// Service is the execution facade consumed by the HTTP API and CLI.
type Service struct {
	store   Store
	state   *state.Service
	queue   *queue.Service
	catalog catalog.Loader
	health  HealthChecker
	logger  *slog.Logger
}

// New creates the service.
func New(st Store, stateSvc *state.Service, queueSvc *queue.Service, loader catalog.Loader, health HealthChecker, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		state:   stateSvc,
		queue:   queueSvc,
		catalog: loader,
		health:  health,
		logger:  log.WithComponent(logger, "service"),
	}
}

// StartTestCase validates the request, creates a PENDING trace, enqueues
// it, and transitions it to QUEUED.
func (s *Service) StartTestCase(ctx context.Context, userID string, req StartCaseRequest) (*execution.Trace, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tc, err := s.catalog.LoadTestCase(ctx, req.TestCaseID)
	if err != nil {
		return nil, err
	}

	trace := execution.NewTrace(execution.TypeTestCase, userID)
	trace.TestCaseID = tc.ID
	trace.EstimatedStepCount = len(tc.Steps)
	req.apply(trace)

	return s.start(ctx, userID, trace)
}

// StartTestSuite is the suite counterpart of StartTestCase.
func (s *Service) StartTestSuite(ctx context.Context, userID string, req StartSuiteRequest) (*execution.Trace, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ts, err := s.catalog.LoadTestSuite(ctx, req.TestSuiteID)
	if err != nil {
		return nil, err
	}

	trace := execution.NewTrace(execution.TypeTestSuite, userID)
	trace.TestSuiteID = ts.ID
	trace.EstimatedStepCount = len(ts.TestCases)
	req.apply(trace)

	return s.start(ctx, userID, trace)
}

func (s *Service) start(ctx context.Context, userID string, trace *execution.Trace) (*execution.Trace, error) {
	if err := trace.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.InsertTrace(ctx, trace); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"execution_id":   trace.ExecutionID,
		"execution_type": trace.ExecutionType.String(),
	}
	priority := execution.QueuePriorityFromTracePriority(trace.Priority)
	if err := s.queue.Enqueue(ctx, trace.ExecutionID, trace.ExecutionType, payload, priority, nil); err != nil {
		return nil, errors.Wrapf(err, "enqueue %s", trace.ExecutionID)
	}

	if _, err := s.state.Transition(ctx, trace.ExecutionID, execution.StatusQueued, userID, nil); err != nil {
		return nil, errors.Wrapf(err, "queue transition %s", trace.ExecutionID)
	}

	s.logger.Info("execution started",
		log.String(log.ExecutionIDKey, trace.ExecutionID),
		log.String(log.ExecutionTypeKey, trace.ExecutionType.String()),
		log.String("user_id", userID))

	return s.store.GetTrace(ctx, trace.ExecutionID)
}

// Get returns a projected view of one execution.
func (s *Service) Get(ctx context.Context, executionID string, traceInc TraceInclusion, stepInc StepInclusion) (map[string]any, error) {
	if !execution.IsValidID(executionID) {
		return nil, &errors.ValidationError{Field: "execution_id", Value: executionID, Message: "must be a 24-character hex string"}
	}

	trace, err := s.store.GetTrace(ctx, executionID)
	if err != nil {
		return nil, err
	}

	view := ProjectTrace(trace, traceInc, stepInc)
	if traceInc.atLeast(TraceDetailed) {
		if trace.IsPartitioned {
			steps, err := s.store.ListStepResults(ctx, executionID)
			if err != nil {
				return nil, err
			}
			view["embedded_steps"] = projectSteps(steps, stepInc)
		}
		if result, err := s.store.GetResult(ctx, executionID); err == nil {
			view["overall_result"] = result
		} else if !errors.IsNotFound(err) {
			return nil, err
		}
	}
	if traceInc == TraceFull {
		history, err := s.state.GetStateHistory(ctx, executionID, 0)
		if err != nil {
			return nil, err
		}
		view["state_history"] = history
	}
	return view, nil
}

// List returns projected executions for the calling user. Scoping is
// strict: only traces with triggered_by == userID are visible.
func (s *Service) List(ctx context.Context, userID string, req ListRequest) (*ListResult, error) {
	filter, err := req.filter(userID)
	if err != nil {
		return nil, err
	}

	traces, total, err := s.store.ListTraces(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(traces))
	for _, t := range traces {
		items = append(items, ProjectTrace(t, req.traceInclusion, req.stepInclusion))
	}
	return &ListResult{
		Executions: items,
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
	}, nil
}

// UpdateStatus applies a user-requested transition. Illegal transitions
// return a StateTransitionError, distinct from NotFoundError; a lost
// compare-and-set race returns a ConflictError.
func (s *Service) UpdateStatus(ctx context.Context, userID, executionID string, req UpdateStatusRequest) (*execution.Trace, error) {
	if !execution.IsValidID(executionID) {
		return nil, &errors.ValidationError{Field: "execution_id", Value: executionID, Message: "must be a 24-character hex string"}
	}
	status, err := execution.ParseStatus(req.NewStatus)
	if err != nil {
		return nil, &errors.ValidationError{Field: "new_status", Value: req.NewStatus, Message: "unknown status"}
	}

	metadata := req.Metadata
	if req.Reason != "" {
		if metadata == nil {
			metadata = make(map[string]any, 1)
		}
		metadata["reason"] = req.Reason
	}

	applied, err := s.state.Transition(ctx, executionID, status, userID, metadata)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, &errors.ConflictError{Resource: "execution", ID: executionID, Reason: "status changed concurrently"}
	}
	return s.store.GetTrace(ctx, executionID)
}

// GetProgress returns the live progress projection.
func (s *Service) GetProgress(ctx context.Context, executionID string) (*execution.Progress, error) {
	trace, err := s.store.GetTrace(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &execution.Progress{
		ExecutionID: trace.ExecutionID,
		Status:      trace.Status,
		Statistics:  trace.Statistics,
	}, nil
}

// GetReport renders an execution report. Results may be absent while the
// run is still live; the report then carries trace data only.
func (s *Service) GetReport(ctx context.Context, executionID, format string, includeDetails bool) ([]byte, string, error) {
	rf, err := results.ParseReportFormat(format)
	if err != nil {
		return nil, "", err
	}

	trace, err := s.store.GetTrace(ctx, executionID)
	if err != nil {
		return nil, "", err
	}

	report := results.Report{Trace: trace}
	if result, err := s.store.GetResult(ctx, executionID); err == nil {
		report.Result = result
	} else if !errors.IsNotFound(err) {
		return nil, "", err
	}

	if includeDetails {
		steps, err := s.executionSteps(ctx, trace)
		if err != nil {
			return nil, "", err
		}
		report.Steps = steps
	}

	body, err := results.Render(report, rf, includeDetails)
	if err != nil {
		return nil, "", err
	}
	return body, contentTypeFor(rf), nil
}

func contentTypeFor(rf results.ReportFormat) string {
	switch rf {
	case results.FormatHTML:
		return "text/html; charset=utf-8"
	case results.FormatCSV:
		return "text/csv"
	}
	return "application/json"
}

func (s *Service) executionSteps(ctx context.Context, trace *execution.Trace) ([]execution.StepResult, error) {
	if !trace.IsPartitioned {
		return trace.EmbeddedSteps, nil
	}
	return s.store.ListStepResults(ctx, trace.ExecutionID)
}

// QueueStatus reports queue metrics.
func (s *Service) QueueStatus(ctx context.Context) (*execution.QueueStatus, error) {
	return s.queue.GetQueueStatus(ctx)
}

// PauseQueue stops dequeuing; queued items wait.
func (s *Service) PauseQueue(ctx context.Context) error {
	return s.queue.Pause(ctx)
}

// ResumeQueue restarts dequeuing.
func (s *Service) ResumeQueue(ctx context.Context) error {
	return s.queue.Resume(ctx)
}

// SystemHealth runs a fresh round of health checks.
func (s *Service) SystemHealth(ctx context.Context) (execution.SystemHealth, error) {
	return s.health.RunChecks(ctx)
}

// Liveness is the cheap probe behind GET /health: the store must answer
// within a short deadline.
func (s *Service) Liveness(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		return &errors.ResourceError{Resource: "store", Reason: err.Error(), Temporary: true}
	}
	return nil
}

// Watch streams state events for one execution. The cancel function
// closes the channel.
func (s *Service) Watch(executionID string) (<-chan execution.StateChangeEvent, func()) {
	return s.state.Subscribe(executionID)
}
