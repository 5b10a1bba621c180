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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTrace(user string) *execution.Trace {
	tr := execution.NewTrace(execution.TypeTestCase, user)
	tr.TestCaseID = "TC_1"
	tr.Tags = []string{"smoke", "checkout"}
	return tr
}

func TestTraceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := newTestTrace("alice")
	tr.Metadata = map[string]any{"build": "1234"}
	if err := s.InsertTrace(ctx, tr); err != nil {
		t.Fatalf("InsertTrace: %v", err)
	}

	got, err := s.GetTrace(ctx, tr.ExecutionID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if got.ExecutionID != tr.ExecutionID || got.Status != execution.StatusPending {
		t.Errorf("got %s/%s, want %s/PENDING", got.ExecutionID, got.Status, tr.ExecutionID)
	}
	if got.TestCaseID != "TC_1" || len(got.Tags) != 2 {
		t.Errorf("trace fields lost in round trip: %+v", got)
	}
	if got.Metadata["build"] != "1234" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}

	// Duplicate insert conflicts.
	if err := s.InsertTrace(ctx, tr); !errors.IsConflict(err) {
		t.Errorf("duplicate insert: got %v, want conflict", err)
	}

	// Unknown ID is not found.
	if _, err := s.GetTrace(ctx, "aaaaaaaaaaaaaaaaaaaaaaaa"); !errors.IsNotFound(err) {
		t.Errorf("missing trace: got %v, want not found", err)
	}
}

func TestUpdateTraceStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := newTestTrace("alice")
	if err := s.InsertTrace(ctx, tr); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	ok, err := s.UpdateTraceStatusCAS(ctx, tr.ExecutionID, execution.StateChange{
		ExecutionID: tr.ExecutionID,
		OldStatus:   execution.StatusPending,
		NewStatus:   execution.StatusQueued,
		Timestamp:   now,
	})
	if err != nil || !ok {
		t.Fatalf("CAS PENDING->QUEUED: ok=%v err=%v", ok, err)
	}

	// Stale expected status misses without error.
	ok, err = s.UpdateTraceStatusCAS(ctx, tr.ExecutionID, execution.StateChange{
		ExecutionID: tr.ExecutionID,
		OldStatus:   execution.StatusPending,
		NewStatus:   execution.StatusCancelled,
		Timestamp:   now,
	})
	if err != nil {
		t.Fatalf("stale CAS errored: %v", err)
	}
	if ok {
		t.Fatal("stale CAS reported success")
	}

	// RUNNING stamps started_at; terminal stamps completed_at + duration.
	mustCAS(t, s, tr.ExecutionID, execution.StatusQueued, execution.StatusRunning, now.Add(time.Second))
	mustCAS(t, s, tr.ExecutionID, execution.StatusRunning, execution.StatusPassed, now.Add(3*time.Second))

	got, err := s.GetTrace(ctx, tr.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps not stamped: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
	if got.TotalDurationMS != 2000 {
		t.Errorf("total_duration_ms = %d, want 2000", got.TotalDurationMS)
	}
	if len(got.RecentHistory) != 3 {
		t.Errorf("inline history length = %d, want 3", len(got.RecentHistory))
	}
	if !got.CompletedAt.After(*got.StartedAt) {
		t.Error("completed_at not after started_at")
	}
}

func mustCAS(t *testing.T, s *Store, id string, from, to execution.Status, at time.Time) {
	t.Helper()
	ok, err := s.UpdateTraceStatusCAS(context.Background(), id, execution.StateChange{
		ExecutionID: id, OldStatus: from, NewStatus: to, Timestamp: at,
	})
	if err != nil || !ok {
		t.Fatalf("CAS %s->%s: ok=%v err=%v", from, to, ok, err)
	}
}

func TestListTracesFilterAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		tr := newTestTrace("alice")
		tr.TriggeredAt = base.Add(time.Duration(i) * time.Minute)
		tr.LastStateChange = tr.TriggeredAt
		if i%2 == 1 {
			tr.Tags = []string{"nightly"}
		}
		if err := s.InsertTrace(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}
	other := newTestTrace("bob")
	if err := s.InsertTrace(ctx, other); err != nil {
		t.Fatal(err)
	}

	items, total, err := s.ListTraces(ctx, store.TraceFilter{TriggeredBy: "alice", Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(items) != 2 {
		t.Errorf("page size = %d, want 2", len(items))
	}
	// Default sort is triggered_at descending.
	if len(items) == 2 && items[0].TriggeredAt.Before(items[1].TriggeredAt) {
		t.Error("default sort is not triggered_at desc")
	}

	// Tag OR-matching.
	items, total, err = s.ListTraces(ctx, store.TraceFilter{Tags: []string{"nightly", "absent"}})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("tag filter total = %d, want 2", total)
	}
	for _, it := range items {
		if it.Tags[0] != "nightly" {
			t.Errorf("unexpected trace in tag filter: %+v", it.Tags)
		}
	}
}

func TestQueueLeaseOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueue := func(execID string, prio execution.QueuePriority, sched time.Time) {
		t.Helper()
		err := s.EnqueueItem(ctx, &execution.QueueItem{
			ID:          execID + "-item",
			ExecutionID: execID,
			Type:        execution.TypeTestCase,
			Priority:    prio,
			QueuedAt:    now,
			ScheduledAt: sched,
			MaxRetries:  2,
		})
		if err != nil {
			t.Fatalf("EnqueueItem: %v", err)
		}
	}

	idLow := "aaaaaaaaaaaaaaaaaaaaaaa1"
	idHigh := "aaaaaaaaaaaaaaaaaaaaaaa2"
	idFuture := "aaaaaaaaaaaaaaaaaaaaaaa3"
	enqueue(idLow, execution.PriorityLow, now.Add(-time.Minute))
	enqueue(idHigh, execution.PriorityHigh, now.Add(-time.Minute))
	enqueue(idFuture, execution.PriorityCritical, now.Add(time.Hour))

	// High priority wins; future item is not ready.
	item, err := s.LeaseNextItem(ctx, now)
	if err != nil {
		t.Fatalf("LeaseNextItem: %v", err)
	}
	if item == nil || item.ExecutionID != idHigh {
		t.Fatalf("leased %+v, want %s", item, idHigh)
	}
	if item.ProcessingStartedAt == nil {
		t.Fatal("lease marker not set")
	}

	item, err = s.LeaseNextItem(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.ExecutionID != idLow {
		t.Fatalf("leased %+v, want %s", item, idLow)
	}

	// Nothing else is ready.
	item, err = s.LeaseNextItem(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("leased %+v, want nil", item)
	}
}

func TestQueueRetryAndDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := "bbbbbbbbbbbbbbbbbbbbbbb1"

	if err := s.EnqueueItem(ctx, &execution.QueueItem{
		ID: "item-1", ExecutionID: id, Type: execution.TypeTestCase,
		Priority: execution.PriorityNormal, QueuedAt: now, ScheduledAt: now, MaxRetries: 2,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LeaseNextItem(ctx, now); err != nil {
		t.Fatal(err)
	}

	if err := s.ReleaseForRetry(ctx, id, 1, now.Add(2*time.Minute), "boom"); err != nil {
		t.Fatalf("ReleaseForRetry: %v", err)
	}
	item, err := s.GetQueueItem(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if item.RetryCount != 1 || item.Leased() || item.LastError != "boom" {
		t.Errorf("retry state wrong: %+v", item)
	}

	if err := s.MoveToDeadLetter(ctx, id, "Retry limit exceeded", now); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}
	if _, err := s.GetQueueItem(ctx, id); !errors.IsNotFound(err) {
		t.Errorf("queue row still present after dead letter: %v", err)
	}
	letters, err := s.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].FailureReason != "Retry limit exceeded" {
		t.Errorf("dead letters = %+v", letters)
	}
	if letters[0].Item.ExecutionID != id {
		t.Errorf("dead letter item = %+v", letters[0].Item)
	}
}

func TestExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := "ccccccccccccccccccccccc1"

	if err := s.EnqueueItem(ctx, &execution.QueueItem{
		ID: "item-1", ExecutionID: id, Type: execution.TypeTestCase,
		Priority: execution.PriorityNormal, QueuedAt: now.Add(-time.Hour),
		ScheduledAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LeaseNextItem(ctx, now.Add(-45*time.Minute)); err != nil {
		t.Fatal(err)
	}

	expired, err := s.ExpiredLeases(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ExecutionID != id {
		t.Fatalf("expired = %+v, want one lease for %s", expired, id)
	}

	// A fresh lease is not expired.
	expired, err = s.ExpiredLeases(ctx, now.Add(-50*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired = %+v, want none", expired)
	}
}

func TestQueueStatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.SetQueueState(ctx, execution.QueuePaused); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	state, err := s.GetQueueState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state != execution.QueuePaused {
		t.Errorf("queue state after reopen = %s, want PAUSED", state)
	}
}

func TestMetricsPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, age := range []time.Duration{0, 24 * time.Hour, 40 * 24 * time.Hour} {
		if err := s.RecordMetric(ctx, execution.Metric{
			Name: "enqueued", Type: execution.MetricCounter, Value: 1,
			Tags: map[string]string{"execution_type": "test_case"}, Timestamp: now.Add(-age),
		}); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := s.PruneMetrics(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	left, err := s.ListMetrics(ctx, "enqueued", now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Errorf("remaining metrics = %d, want 2", len(left))
	}
}

func TestHistoryAndSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := newTestTrace("alice")
	if err := s.InsertTrace(ctx, tr); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()

	for i, pair := range [][2]execution.Status{
		{execution.StatusPending, execution.StatusQueued},
		{execution.StatusQueued, execution.StatusRunning},
	} {
		if err := s.AppendStateChange(ctx, execution.StateChange{
			ExecutionID: tr.ExecutionID, OldStatus: pair[0], NewStatus: pair[1],
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}
	changes, err := s.ListStateChanges(ctx, tr.ExecutionID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].NewStatus != execution.StatusRunning {
		t.Errorf("changes = %+v, want newest first limited to 1", changes)
	}

	completed := now.Add(time.Second)
	step := execution.StepResult{
		ExecutionID: tr.ExecutionID, StepID: "s1", StepName: "login", StepOrder: 0,
		Status: execution.StepPassed, StartedAt: &now, CompletedAt: &completed, DurationMS: 1000,
	}
	if err := s.SaveStepResult(ctx, &step); err != nil {
		t.Fatal(err)
	}
	steps, err := s.ListStepResults(ctx, tr.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].StepID != "s1" || steps[0].DurationMS != 1000 {
		t.Errorf("steps = %+v", steps)
	}
}
