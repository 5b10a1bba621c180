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

// Package memory provides an in-memory store backend for tests and
// development. All operations are guarded by one mutex; snapshots are
// deep copies so callers never observe shared mutable state.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is an in-memory backend.
type Store struct {
	mu sync.Mutex

	traces  map[string]*execution.Trace
	steps   map[string][]execution.StepResult
	history map[string][]execution.StateChange

	queue       map[string]*execution.QueueItem
	deadLetters []execution.DeadLetter
	queueState  execution.QueueState

	results      map[string]*execution.ProcessedResult
	suiteResults map[string]*execution.SuiteResult

	metrics []execution.Metric
	health  []execution.HealthCheck
	alerts  map[string]*execution.Alert

	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		traces:       make(map[string]*execution.Trace),
		steps:        make(map[string][]execution.StepResult),
		history:      make(map[string][]execution.StateChange),
		queue:        make(map[string]*execution.QueueItem),
		queueState:   execution.QueueActive,
		results:      make(map[string]*execution.ProcessedResult),
		suiteResults: make(map[string]*execution.SuiteResult),
		alerts:       make(map[string]*execution.Alert),
	}
}

// InsertTrace implements store.TraceStore.
func (s *Store) InsertTrace(ctx context.Context, t *execution.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[t.ExecutionID]; exists {
		return &errors.ConflictError{Resource: "execution", ID: t.ExecutionID, Reason: "trace already exists"}
	}
	s.traces[t.ExecutionID] = t.Clone()
	return nil
}

// GetTrace implements store.TraceStore.
func (s *Store) GetTrace(ctx context.Context, executionID string) (*execution.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[executionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return t.Clone(), nil
}

// ListTraces implements store.TraceStore.
func (s *Store) ListTraces(ctx context.Context, filter store.TraceFilter) ([]*execution.Trace, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*execution.Trace
	for _, t := range s.traces {
		if filter.Matches(t) {
			matched = append(matched, t)
		}
	}

	sortTraces(matched, filter.SortBy, filter.SortDesc)

	total := len(matched)
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.PageSize
		if start >= total {
			matched = nil
		} else {
			end := start + filter.PageSize
			if end > total {
				end = total
			}
			matched = matched[start:end]
		}
	}

	out := make([]*execution.Trace, len(matched))
	for i, t := range matched {
		out[i] = t.Clone()
	}
	return out, total, nil
}

func sortTraces(traces []*execution.Trace, by store.SortField, desc bool) {
	if by == "" {
		by = store.SortTriggeredAt
		desc = true
	}
	sort.SliceStable(traces, func(i, j int) bool {
		a, b := traces[i], traces[j]
		var less bool
		switch by {
		case store.SortStartedAt:
			less = timePtrBefore(a.StartedAt, b.StartedAt)
		case store.SortCompletedAt:
			less = timePtrBefore(a.CompletedAt, b.CompletedAt)
		case store.SortStatus:
			less = strings.Compare(string(a.Status), string(b.Status)) < 0
		case store.SortType:
			less = strings.Compare(string(a.ExecutionType), string(b.ExecutionType)) < 0
		case store.SortDuration:
			less = a.TotalDurationMS < b.TotalDurationMS
		default:
			less = a.TriggeredAt.Before(b.TriggeredAt)
		}
		if desc {
			return !less && !tracesEqualOn(a, b, by)
		}
		return less
	})
}

func tracesEqualOn(a, b *execution.Trace, by store.SortField) bool {
	switch by {
	case store.SortStartedAt:
		return timePtrEqual(a.StartedAt, b.StartedAt)
	case store.SortCompletedAt:
		return timePtrEqual(a.CompletedAt, b.CompletedAt)
	case store.SortStatus:
		return a.Status == b.Status
	case store.SortType:
		return a.ExecutionType == b.ExecutionType
	case store.SortDuration:
		return a.TotalDurationMS == b.TotalDurationMS
	default:
		return a.TriggeredAt.Equal(b.TriggeredAt)
	}
}

func timePtrBefore(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// UpdateTraceStatusCAS implements store.TraceStore.
func (s *Store) UpdateTraceStatusCAS(ctx context.Context, executionID string, change execution.StateChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[executionID]
	if !ok {
		return false, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if t.Status != change.OldStatus {
		return false, nil
	}

	t.Status = change.NewStatus
	t.LastStateChange = change.Timestamp
	if change.NewStatus == execution.StatusRunning && t.StartedAt == nil {
		at := change.Timestamp
		t.StartedAt = &at
	}
	if change.NewStatus.IsTerminal() {
		at := change.Timestamp
		t.CompletedAt = &at
		if t.StartedAt != nil {
			t.TotalDurationMS = at.Sub(*t.StartedAt).Milliseconds()
		}
	}
	t.AppendHistory(change)
	return true, nil
}

// UpdateTraceProgress implements store.TraceStore.
func (s *Store) UpdateTraceProgress(ctx context.Context, executionID string, stats execution.Statistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	t.Statistics = stats
	return nil
}

// SaveEmbeddedSteps implements store.TraceStore.
func (s *Store) SaveEmbeddedSteps(ctx context.Context, executionID string, steps []execution.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	copied := make([]execution.StepResult, len(steps))
	for i := range steps {
		copied[i] = *steps[i].Clone()
	}
	t.EmbeddedSteps = copied
	return nil
}

// SetTracePartitioning implements store.TraceStore.
func (s *Store) SetTracePartitioning(ctx context.Context, executionID string, partitioned bool, collection string, estimatedSteps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	t.IsPartitioned = partitioned
	t.EstimatedStepCount = estimatedSteps
	if partitioned {
		t.StepsCollection = collection
	} else {
		t.StepsCollection = ""
	}
	return nil
}

// SetTraceCompletedAt implements store.TraceStore.
func (s *Store) SetTraceCompletedAt(ctx context.Context, executionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	t.CompletedAt = &at
	if t.StartedAt != nil {
		t.TotalDurationMS = at.Sub(*t.StartedAt).Milliseconds()
	}
	return nil
}

// AppendExecutionLog implements store.TraceStore.
func (s *Store) AppendExecutionLog(ctx context.Context, executionID string, entries []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	t.ExecutionLog = append(t.ExecutionLog, entries...)
	return nil
}

// SaveStepResult implements store.StepStore.
func (s *Store) SaveStepResult(ctx context.Context, result *execution.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[result.ExecutionID]
	for i := range steps {
		if steps[i].StepID == result.StepID {
			steps[i] = *result.Clone()
			return nil
		}
	}
	s.steps[result.ExecutionID] = append(steps, *result.Clone())
	return nil
}

// ListStepResults implements store.StepStore.
func (s *Store) ListStepResults(ctx context.Context, executionID string) ([]execution.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[executionID]
	out := make([]execution.StepResult, len(steps))
	for i := range steps {
		out[i] = *steps[i].Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

// AppendStateChange implements store.HistoryStore.
func (s *Store) AppendStateChange(ctx context.Context, change execution.StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[change.ExecutionID] = append(s.history[change.ExecutionID], change)
	return nil
}

// ListStateChanges implements store.HistoryStore.
func (s *Store) ListStateChanges(ctx context.Context, executionID string, limit int) ([]execution.StateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := s.history[executionID]
	out := make([]execution.StateChange, len(changes))
	copy(out, changes)
	// Most recent first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnqueueItem implements store.QueueStore.
func (s *Store) EnqueueItem(ctx context.Context, item *execution.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[item.ExecutionID]; exists {
		return &errors.ConflictError{Resource: "queue item", ID: item.ExecutionID, Reason: "already queued"}
	}
	s.queue[item.ExecutionID] = item.Clone()
	return nil
}

// GetQueueItem implements store.QueueStore.
func (s *Store) GetQueueItem(ctx context.Context, executionID string) (*execution.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[executionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	return item.Clone(), nil
}

// LeaseNextItem implements store.QueueStore.
func (s *Store) LeaseNextItem(ctx context.Context, now time.Time) (*execution.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *execution.QueueItem
	for _, item := range s.queue {
		if item.Leased() || item.ScheduledAt.After(now) {
			continue
		}
		if best == nil ||
			item.Priority < best.Priority ||
			(item.Priority == best.Priority && item.ScheduledAt.Before(best.ScheduledAt)) {
			best = item
		}
	}
	if best == nil {
		return nil, nil
	}
	lease := now
	best.ProcessingStartedAt = &lease
	return best.Clone(), nil
}

// ReleaseForRetry implements store.QueueStore.
func (s *Store) ReleaseForRetry(ctx context.Context, executionID string, retryCount int, scheduledAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	item.RetryCount = retryCount
	item.ScheduledAt = scheduledAt
	item.ProcessingStartedAt = nil
	item.LastError = lastError
	return nil
}

// DeleteQueueItem implements store.QueueStore.
func (s *Store) DeleteQueueItem(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[executionID]; !ok {
		return &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	delete(s.queue, executionID)
	return nil
}

// MoveToDeadLetter implements store.QueueStore.
func (s *Store) MoveToDeadLetter(ctx context.Context, executionID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	s.deadLetters = append(s.deadLetters, execution.DeadLetter{
		Item:          *item.Clone(),
		MovedAt:       at,
		FailureReason: reason,
	})
	delete(s.queue, executionID)
	return nil
}

// ExpiredLeases implements store.QueueStore.
func (s *Store) ExpiredLeases(ctx context.Context, cutoff time.Time) ([]*execution.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*execution.QueueItem
	for _, item := range s.queue {
		if item.ProcessingStartedAt != nil && item.ProcessingStartedAt.Before(cutoff) {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}

// QueueCounts implements store.QueueStore.
func (s *Store) QueueCounts(ctx context.Context) (store.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := store.QueueCounts{
		PriorityCounts: make(map[execution.QueuePriority]int),
		ByType:         make(map[execution.Type]int),
		DeadLetters:    len(s.deadLetters),
	}
	for _, item := range s.queue {
		if item.Leased() {
			counts.InFlight++
			continue
		}
		counts.TotalQueued++
		counts.PriorityCounts[item.Priority]++
		counts.ByType[item.Type]++
		if counts.OldestQueuedAt == nil || item.QueuedAt.Before(*counts.OldestQueuedAt) {
			at := item.QueuedAt
			counts.OldestQueuedAt = &at
		}
	}
	return counts, nil
}

// ClearQueue implements store.QueueStore.
func (s *Store) ClearQueue(ctx context.Context, execType *execution.Type) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, item := range s.queue {
		if item.Leased() {
			continue
		}
		if execType != nil && item.Type != *execType {
			continue
		}
		delete(s.queue, id)
		removed++
	}
	return removed, nil
}

// ListDeadLetters implements store.QueueStore.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]execution.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]execution.DeadLetter, len(s.deadLetters))
	copy(out, s.deadLetters)
	sort.SliceStable(out, func(i, j int) bool { return out[i].MovedAt.After(out[j].MovedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetQueueState implements store.QueueStore.
func (s *Store) GetQueueState(ctx context.Context) (execution.QueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueState, nil
}

// SetQueueState implements store.QueueStore.
func (s *Store) SetQueueState(ctx context.Context, state execution.QueueState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueState = state
	return nil
}

// SaveResult implements store.ResultStore.
func (s *Store) SaveResult(ctx context.Context, result *execution.ProcessedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *result
	s.results[result.ExecutionID] = &clone
	return nil
}

// GetResult implements store.ResultStore.
func (s *Store) GetResult(ctx context.Context, executionID string) (*execution.ProcessedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[executionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "result", ID: executionID}
	}
	clone := *r
	return &clone, nil
}

// SaveSuiteResult implements store.ResultStore.
func (s *Store) SaveSuiteResult(ctx context.Context, result *execution.SuiteResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *result
	s.suiteResults[result.ExecutionID] = &clone
	return nil
}

// GetSuiteResult implements store.ResultStore.
func (s *Store) GetSuiteResult(ctx context.Context, executionID string) (*execution.SuiteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.suiteResults[executionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "suite result", ID: executionID}
	}
	clone := *r
	return &clone, nil
}

// RecordMetric implements store.MetricStore.
func (s *Store) RecordMetric(ctx context.Context, m execution.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

// ListMetrics implements store.MetricStore.
func (s *Store) ListMetrics(ctx context.Context, name string, since time.Time) ([]execution.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execution.Metric
	for _, m := range s.metrics {
		if name != "" && m.Name != name {
			continue
		}
		if m.Timestamp.Before(since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// PruneMetrics implements store.MetricStore.
func (s *Store) PruneMetrics(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.metrics[:0]
	pruned := 0
	for _, m := range s.metrics {
		if m.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, m)
	}
	s.metrics = kept
	return pruned, nil
}

// RecordHealthChecks implements store.HealthStore.
func (s *Store) RecordHealthChecks(ctx context.Context, checks []execution.HealthCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, checks...)
	return nil
}

// LatestHealthChecks implements store.HealthStore.
func (s *Store) LatestHealthChecks(ctx context.Context) ([]execution.HealthCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]execution.HealthCheck)
	for _, c := range s.health {
		if prev, ok := latest[c.Component]; !ok || c.CheckedAt.After(prev.CheckedAt) {
			latest[c.Component] = c
		}
	}
	out := make([]execution.HealthCheck, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out, nil
}

// PruneHealthChecks implements store.HealthStore.
func (s *Store) PruneHealthChecks(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.health[:0]
	pruned := 0
	for _, c := range s.health {
		if c.CheckedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, c)
	}
	s.health = kept
	return pruned, nil
}

// InsertAlert implements store.AlertStore.
func (s *Store) InsertAlert(ctx context.Context, a execution.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := a
	s.alerts[a.ID] = &clone
	return nil
}

// ListAlerts implements store.AlertStore.
func (s *Store) ListAlerts(ctx context.Context, unacknowledgedOnly bool, limit int) ([]execution.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execution.Alert
	for _, a := range s.alerts {
		if unacknowledgedOnly && a.Acknowledged {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GeneratedAt.After(out[j].GeneratedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AcknowledgeAlert implements store.AlertStore.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return &errors.NotFoundError{Resource: "alert", ID: alertID}
	}
	a.Acknowledged = true
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Close implements io.Closer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
