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

// Package store defines the durable persistence interfaces of the engine.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on the
// slices they touch:
//
//   - TraceStore: execution traces, CAS status updates, progress writes
//   - StepStore: normalized step results for partitioned traces
//   - HistoryStore: the append-only state transition log (system of record)
//   - QueueStore: queue items, leases, dead letters, persisted queue state
//   - ResultStore: processed per-execution and suite results
//   - MetricStore / HealthStore / AlertStore: monitoring time series
//
// The Store interface composes all of these plus Ping and io.Closer for
// full-featured backends (sqlite, memory, mongo).
package store

import (
	"context"
	"io"
	"time"

	"github.com/crucible-dev/crucible/pkg/execution"
)

// SortField names a trace list sort key.
type SortField string

const (
	SortTriggeredAt SortField = "triggered_at"
	SortStartedAt   SortField = "started_at"
	SortCompletedAt SortField = "completed_at"
	SortStatus      SortField = "status"
	SortType        SortField = "execution_type"
	SortDuration    SortField = "total_duration_ms"
)

// Valid reports whether f is a known sort field.
func (f SortField) Valid() bool {
	switch f {
	case SortTriggeredAt, SortStartedAt, SortCompletedAt, SortStatus, SortType, SortDuration:
		return true
	}
	return false
}

// TraceFilter selects and pages traces. Zero-valued fields are ignored.
// Tags match with OR logic: a trace carrying any of the filter tags matches.
type TraceFilter struct {
	Statuses    []execution.Status
	Type        execution.Type
	TriggeredBy string
	TestCaseID  string
	TestSuiteID string
	Tags        []string

	TriggeredAfter  *time.Time
	TriggeredBefore *time.Time
	CompletedAfter  *time.Time
	CompletedBefore *time.Time

	// Page is 1-based; PageSize 0 means no paging.
	Page     int
	PageSize int

	SortBy   SortField
	SortDesc bool
}

// Matches reports whether the trace satisfies the filter's predicates
// (paging and sorting excluded). Shared by the memory backend and tests.
func (f TraceFilter) Matches(t *execution.Trace) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Type != "" && t.ExecutionType != f.Type {
		return false
	}
	if f.TriggeredBy != "" && t.TriggeredBy != f.TriggeredBy {
		return false
	}
	if f.TestCaseID != "" && t.TestCaseID != f.TestCaseID {
		return false
	}
	if f.TestSuiteID != "" && t.TestSuiteID != f.TestSuiteID {
		return false
	}
	if len(f.Tags) > 0 {
		ok := false
		for _, want := range f.Tags {
			for _, have := range t.Tags {
				if want == have {
					ok = true
					break
				}
			}
		}
		if !ok {
			return false
		}
	}
	if f.TriggeredAfter != nil && t.TriggeredAt.Before(*f.TriggeredAfter) {
		return false
	}
	if f.TriggeredBefore != nil && t.TriggeredAt.After(*f.TriggeredBefore) {
		return false
	}
	if f.CompletedAfter != nil && (t.CompletedAt == nil || t.CompletedAt.Before(*f.CompletedAfter)) {
		return false
	}
	if f.CompletedBefore != nil && (t.CompletedAt == nil || t.CompletedAt.After(*f.CompletedBefore)) {
		return false
	}
	return true
}

// TraceStore persists execution traces. Only the state service writes
// status and inline history; only the orchestrator writes statistics and
// embedded steps.
type TraceStore interface {
	// InsertTrace creates a new trace. The execution ID must be unique.
	InsertTrace(ctx context.Context, t *execution.Trace) error

	// GetTrace retrieves a trace by execution ID.
	GetTrace(ctx context.Context, executionID string) (*execution.Trace, error)

	// ListTraces returns one page of matching traces plus the total match
	// count before paging.
	ListTraces(ctx context.Context, filter TraceFilter) ([]*execution.Trace, int, error)

	// UpdateTraceStatusCAS conditionally moves the trace from the expected
	// status to the new one: the write applies only if the stored status
	// still equals change.OldStatus. It stamps last_state_change, sets
	// started_at on RUNNING, completed_at and total_duration_ms on
	// terminal statuses, and appends the change to the inline recent
	// history. Returns false with no error on a CAS miss.
	UpdateTraceStatusCAS(ctx context.Context, executionID string, change execution.StateChange) (bool, error)

	// UpdateTraceProgress writes statistics without touching status.
	UpdateTraceProgress(ctx context.Context, executionID string, stats execution.Statistics) error

	// SaveEmbeddedSteps replaces the embedded step results of a
	// non-partitioned trace.
	SaveEmbeddedSteps(ctx context.Context, executionID string, steps []execution.StepResult) error

	// SetTracePartitioning records the orchestrator's step-storage
	// decision: the estimated step count and, when partitioned, the
	// collection holding the normalized step results.
	SetTracePartitioning(ctx context.Context, executionID string, partitioned bool, collection string, estimatedSteps int) error

	// SetTraceCompletedAt backfills a missing completion time. Used by
	// state recovery only.
	SetTraceCompletedAt(ctx context.Context, executionID string, at time.Time) error

	// AppendExecutionLog appends entries to the trace's execution log.
	AppendExecutionLog(ctx context.Context, executionID string, entries []string) error
}

// StepStore persists normalized step results for partitioned traces.
type StepStore interface {
	// SaveStepResult upserts one step result keyed by (execution_id, step_id).
	SaveStepResult(ctx context.Context, result *execution.StepResult) error

	// ListStepResults returns a trace's normalized steps in step order.
	ListStepResults(ctx context.Context, executionID string) ([]execution.StepResult, error)
}

// HistoryStore is the append-only transition log. It is the system of
// record; the trace keeps only the most recent transitions inline.
type HistoryStore interface {
	// AppendStateChange records one transition.
	AppendStateChange(ctx context.Context, change execution.StateChange) error

	// ListStateChanges returns a trace's transitions, most recent first,
	// capped at limit (0 means no cap).
	ListStateChanges(ctx context.Context, executionID string, limit int) ([]execution.StateChange, error)
}

// QueueCounts is the raw material of a queue status report.
type QueueCounts struct {
	TotalQueued    int
	InFlight       int
	PriorityCounts map[execution.QueuePriority]int
	ByType         map[execution.Type]int
	OldestQueuedAt *time.Time
	DeadLetters    int
}

// QueueStore persists scheduling rows. The lease marker
// (processing_started_at) is the mutual-exclusion token; LeaseNextItem must
// set it atomically with the selection.
type QueueStore interface {
	// EnqueueItem inserts a queue item. At most one live item may exist
	// per execution ID.
	EnqueueItem(ctx context.Context, item *execution.QueueItem) error

	// GetQueueItem retrieves the queue item for an execution.
	GetQueueItem(ctx context.Context, executionID string) (*execution.QueueItem, error)

	// LeaseNextItem atomically claims the next ready item: unleased,
	// scheduled at or before now, ordered by (priority asc, scheduled_at
	// asc). Returns (nil, nil) when nothing is ready.
	LeaseNextItem(ctx context.Context, now time.Time) (*execution.QueueItem, error)

	// ReleaseForRetry clears the lease and re-schedules the item.
	ReleaseForRetry(ctx context.Context, executionID string, retryCount int, scheduledAt time.Time, lastError string) error

	// DeleteQueueItem removes the item after successful completion.
	DeleteQueueItem(ctx context.Context, executionID string) error

	// MoveToDeadLetter snapshots the item into the dead-letter collection
	// and removes it from the queue in one atomic step.
	MoveToDeadLetter(ctx context.Context, executionID, reason string, at time.Time) error

	// ExpiredLeases returns items whose lease started before the cutoff.
	ExpiredLeases(ctx context.Context, cutoff time.Time) ([]*execution.QueueItem, error)

	// QueueCounts summarizes the queue for status reporting.
	QueueCounts(ctx context.Context) (QueueCounts, error)

	// ClearQueue deletes unleased items, optionally only of one execution
	// type, and returns how many were removed.
	ClearQueue(ctx context.Context, execType *execution.Type) (int, error)

	// ListDeadLetters returns dead letters, most recent first.
	ListDeadLetters(ctx context.Context, limit int) ([]execution.DeadLetter, error)

	// GetQueueState and SetQueueState persist pause/resume across restarts.
	GetQueueState(ctx context.Context) (execution.QueueState, error)
	SetQueueState(ctx context.Context, state execution.QueueState) error
}

// ResultStore persists processed results.
type ResultStore interface {
	SaveResult(ctx context.Context, result *execution.ProcessedResult) error
	GetResult(ctx context.Context, executionID string) (*execution.ProcessedResult, error)
	SaveSuiteResult(ctx context.Context, result *execution.SuiteResult) error
	GetSuiteResult(ctx context.Context, executionID string) (*execution.SuiteResult, error)
}

// MetricStore persists metric samples, pruned by retention.
type MetricStore interface {
	RecordMetric(ctx context.Context, m execution.Metric) error
	ListMetrics(ctx context.Context, name string, since time.Time) ([]execution.Metric, error)
	PruneMetrics(ctx context.Context, before time.Time) (int, error)
}

// HealthStore persists health check rounds, pruned by retention.
type HealthStore interface {
	RecordHealthChecks(ctx context.Context, checks []execution.HealthCheck) error
	LatestHealthChecks(ctx context.Context) ([]execution.HealthCheck, error)
	PruneHealthChecks(ctx context.Context, before time.Time) (int, error)
}

// AlertStore persists alerts until acknowledged.
type AlertStore interface {
	InsertAlert(ctx context.Context, a execution.Alert) error
	ListAlerts(ctx context.Context, unacknowledgedOnly bool, limit int) ([]execution.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID string) error
}

// Store is the full backend contract.
type Store interface {
	TraceStore
	StepStore
	HistoryStore
	QueueStore
	ResultStore
	MetricStore
	HealthStore
	AlertStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	io.Closer
}
