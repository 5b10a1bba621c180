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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/execution"
)

func TestCloneIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	tr := execution.NewTrace(execution.TypeTestCase, "alice")
	tr.TestCaseID = "TC_1"
	tr.Metadata = map[string]any{"k": "v"}
	if err := s.InsertTrace(ctx, tr); err != nil {
		t.Fatal(err)
	}

	// Mutating the inserted value must not leak into the store.
	tr.Metadata["k"] = "mutated"
	tr.TestCaseID = "TC_other"

	got, err := s.GetTrace(ctx, tr.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["k"] != "v" || got.TestCaseID != "TC_1" {
		t.Errorf("store observed caller mutation: %+v", got)
	}

	// Mutating a returned snapshot must not leak either.
	got.Status = execution.StatusPassed
	again, _ := s.GetTrace(ctx, tr.ExecutionID)
	if again.Status != execution.StatusPending {
		t.Errorf("snapshot mutation leaked: %s", again.Status)
	}
}

func TestCASSingleWinnerUnderConcurrency(t *testing.T) {
	s := New()
	ctx := context.Background()
	tr := execution.NewTrace(execution.TypeTestCase, "alice")
	tr.TestCaseID = "TC_1"
	if err := s.InsertTrace(ctx, tr); err != nil {
		t.Fatal(err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.UpdateTraceStatusCAS(ctx, tr.ExecutionID, execution.StateChange{
				ExecutionID: tr.ExecutionID,
				OldStatus:   execution.StatusPending,
				NewStatus:   execution.StatusQueued,
				Timestamp:   time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("CAS errored: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("CAS winners = %d, want exactly 1", winners)
	}
}

func TestLeaseOrderingAndClear(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	ids := []string{
		"aaaaaaaaaaaaaaaaaaaaaaa1",
		"aaaaaaaaaaaaaaaaaaaaaaa2",
		"aaaaaaaaaaaaaaaaaaaaaaa3",
	}
	priorities := []execution.QueuePriority{
		execution.PriorityDeferred, execution.PriorityCritical, execution.PriorityNormal,
	}
	for i, id := range ids {
		if err := s.EnqueueItem(ctx, &execution.QueueItem{
			ID: id + "-item", ExecutionID: id, Type: execution.TypeTestCase,
			Priority: priorities[i], QueuedAt: now, ScheduledAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{ids[1], ids[2], ids[0]}
	for _, expect := range want {
		item, err := s.LeaseNextItem(ctx, now)
		if err != nil {
			t.Fatal(err)
		}
		if item == nil || item.ExecutionID != expect {
			t.Fatalf("leased %+v, want %s", item, expect)
		}
	}

	counts, err := s.QueueCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.InFlight != 3 || counts.TotalQueued != 0 {
		t.Errorf("counts = %+v", counts)
	}

	// ClearQueue leaves leased items alone.
	removed, err := s.ClearQueue(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestLatestHealthChecks(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.RecordHealthChecks(ctx, []execution.HealthCheck{
		{Component: "store", Status: execution.HealthHealthy, CheckedAt: now.Add(-time.Minute)},
		{Component: "store", Status: execution.HealthWarning, CheckedAt: now},
		{Component: "queue", Status: execution.HealthHealthy, CheckedAt: now},
	}); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestHealthChecks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest = %+v, want 2 components", latest)
	}
	for _, c := range latest {
		if c.Component == "store" && c.Status != execution.HealthWarning {
			t.Errorf("store latest = %s, want WARNING", c.Status)
		}
	}
}

func TestListTracesPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 7; i++ {
		tr := execution.NewTrace(execution.TypeTestCase, "alice")
		tr.TestCaseID = "TC_1"
		tr.TriggeredAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.InsertTrace(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	_, total, err := s.ListTraces(ctx, store.TraceFilter{Page: 1, PageSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	if total != 7 {
		t.Errorf("total = %d, want 7", total)
	}
	items, _, err := s.ListTraces(ctx, store.TraceFilter{Page: 3, PageSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("last page = %d items, want 1", len(items))
	}
	items, _, err = s.ListTraces(ctx, store.TraceFilter{Page: 4, PageSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("beyond-last page = %d items, want 0", len(items))
	}
}
