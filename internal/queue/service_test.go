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

package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/state"
	"github.com/crucible-dev/crucible/internal/store/memory"
	"github.com/crucible-dev/crucible/pkg/execution"
)

func newTestQueue(t *testing.T, cfg Config) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	logger := log.New(log.DefaultConfig())
	stateSvc := state.NewService(st, logger)
	t.Cleanup(stateSvc.Close)
	return NewService(st, stateSvc, nil, cfg, logger), st
}

func seedQueuedTrace(t *testing.T, st *memory.Store, status execution.Status) *execution.Trace {
	t.Helper()
	trace := execution.NewTrace(execution.TypeTestCase, "user-1")
	trace.TestCaseID = "tc-001"
	trace.Status = status
	require.NoError(t, st.InsertTrace(context.Background(), trace))
	return trace
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	svc, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	low := execution.NewID()
	high := execution.NewID()
	require.NoError(t, svc.Enqueue(ctx, low, execution.TypeTestCase, nil, execution.PriorityLow, nil))
	require.NoError(t, svc.Enqueue(ctx, high, execution.TypeTestCase, nil, execution.PriorityHigh, nil))

	item, err := svc.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, high, item.ExecutionID)
	assert.True(t, item.Leased())

	item, err = svc.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, low, item.ExecutionID)

	item, err = svc.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestEnqueueRejectsDuplicate(t *testing.T) {
	svc, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	id := execution.NewID()
	require.NoError(t, svc.Enqueue(ctx, id, execution.TypeTestCase, nil, 0, nil))
	err := svc.Enqueue(ctx, id, execution.TypeTestCase, nil, 0, nil)
	require.Error(t, err)
}

func TestPausedQueueReturnsNothing(t *testing.T) {
	svc, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, execution.NewID(), execution.TypeTestCase, nil, 0, nil))
	require.NoError(t, svc.Pause(ctx))

	item, err := svc.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)

	require.NoError(t, svc.Resume(ctx))
	item, err = svc.Dequeue(ctx)
	require.NoError(t, err)
	assert.NotNil(t, item)
}

func TestCompleteSuccessDeletesItem(t *testing.T) {
	svc, st := newTestQueue(t, Config{})
	ctx := context.Background()

	trace := seedQueuedTrace(t, st, execution.StatusRunning)
	require.NoError(t, svc.Enqueue(ctx, trace.ExecutionID, execution.TypeTestCase, nil, 0, nil))
	_, err := svc.Dequeue(ctx)
	require.NoError(t, err)

	d := svc.Complete(ctx, trace.ExecutionID, true, nil)
	assert.Equal(t, DispositionOk, d)

	status, err := svc.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.TotalQueued)
	assert.Zero(t, status.InFlight)
}

func TestCompleteFailureSchedulesRetryWithBackoff(t *testing.T) {
	svc, st := newTestQueue(t, Config{Backoff: LinearBackoff(time.Minute)})
	ctx := context.Background()

	trace := seedQueuedTrace(t, st, execution.StatusFailed)
	require.NoError(t, svc.Enqueue(ctx, trace.ExecutionID, execution.TypeTestCase, nil, 0, nil))
	_, err := svc.Dequeue(ctx)
	require.NoError(t, err)

	before := time.Now().UTC()
	d := svc.Complete(ctx, trace.ExecutionID, false, assert.AnError)
	assert.Equal(t, DispositionRetry, d)

	item, err := st.GetQueueItem(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetryCount)
	assert.False(t, item.Leased())
	assert.Equal(t, assert.AnError.Error(), item.LastError)
	// Linear backoff: first retry lands about one minute out.
	assert.WithinDuration(t, before.Add(time.Minute), item.ScheduledAt, 10*time.Second)

	got, err := st.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusQueued, got.Status)
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	svc, st := newTestQueue(t, Config{MaxRetries: 1, Backoff: LinearBackoff(0)})
	ctx := context.Background()

	trace := seedQueuedTrace(t, st, execution.StatusFailed)
	require.NoError(t, svc.Enqueue(ctx, trace.ExecutionID, execution.TypeTestCase, nil, 0, nil))

	// First failure consumes the single retry.
	_, err := svc.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispositionRetry, svc.Complete(ctx, trace.ExecutionID, false, assert.AnError))

	// Walk the trace back to FAILED the way an orchestrator run would.
	got, err := st.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusQueued, got.Status)
	for _, to := range []execution.Status{execution.StatusRunning, execution.StatusFailed} {
		ok, err := st.UpdateTraceStatusCAS(ctx, trace.ExecutionID, execution.StateChange{
			ExecutionID: trace.ExecutionID,
			OldStatus:   got.Status,
			NewStatus:   to,
			Timestamp:   time.Now().UTC(),
		})
		require.NoError(t, err)
		require.True(t, ok)
		got.Status = to
	}

	// Second failure finds the budget spent.
	_, err = svc.Dequeue(ctx)
	require.NoError(t, err)
	d := svc.Complete(ctx, trace.ExecutionID, false, assert.AnError)
	assert.Equal(t, DispositionDeadLetter, d)

	letters, err := svc.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "Retry limit exceeded", letters[0].FailureReason)

	// Dead-lettering removes the item from scheduling only; the trace
	// keeps the FAILED status its last run recorded.
	final, err := st.GetTrace(ctx, trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, final.Status)

	status, err := svc.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.DeadLetterCount)
	assert.Zero(t, status.TotalQueued)
}

func TestQueueStatusCounts(t *testing.T) {
	svc, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, execution.NewID(), execution.TypeTestCase, nil, execution.PriorityHigh, nil))
	require.NoError(t, svc.Enqueue(ctx, execution.NewID(), execution.TypeTestSuite, nil, execution.PriorityNormal, nil))
	_, err := svc.Dequeue(ctx)
	require.NoError(t, err)

	status, err := svc.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalQueued)
	assert.Equal(t, 1, status.InFlight)
	assert.Equal(t, 1, status.PriorityCounts[execution.PriorityNormal])
	assert.Equal(t, 1, status.ByExecutionType[execution.TypeTestSuite])
	assert.NotNil(t, status.OldestQueuedAt)
}

func TestWorkerProcessesQueue(t *testing.T) {
	svc, st := newTestQueue(t, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	trace := seedQueuedTrace(t, st, execution.StatusQueued)
	require.NoError(t, svc.Enqueue(ctx, trace.ExecutionID, execution.TypeTestCase, nil, 0, nil))

	var handled atomic.Int32
	require.NoError(t, svc.StartBackgroundProcessing(ctx, func(ctx context.Context, item *execution.QueueItem) error {
		handled.Add(1)
		return nil
	}))
	defer svc.StopBackgroundProcessing()

	require.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, err := svc.GetQueueStatus(ctx)
		return err == nil && status.TotalQueued == 0 && status.InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerSweepsExpiredLeases(t *testing.T) {
	svc, st := newTestQueue(t, Config{
		PollInterval:      10 * time.Millisecond,
		ProcessingTimeout: time.Hour,
		Backoff:           LinearBackoff(0),
	})
	ctx := context.Background()

	trace := seedQueuedTrace(t, st, execution.StatusRunning)
	require.NoError(t, svc.Enqueue(ctx, trace.ExecutionID, execution.TypeTestCase, nil, 0, nil))

	// Lease in the distant past so the sweep sees it expired.
	svc.now = func() time.Time { return time.Now().UTC().Add(-2 * time.Hour) }
	item, err := svc.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	svc.now = func() time.Time { return time.Now().UTC() }

	// Pause dequeue so the requeued item stays observable; the sweep runs
	// regardless of pause state.
	require.NoError(t, svc.Pause(ctx))

	require.NoError(t, svc.StartBackgroundProcessing(ctx, func(ctx context.Context, item *execution.QueueItem) error {
		return nil
	}))
	defer svc.StopBackgroundProcessing()

	// The sweep routes it through retry: lease cleared, count bumped,
	// trace back in QUEUED via TIMEOUT -> RETRYING.
	require.Eventually(t, func() bool {
		it, err := st.GetQueueItem(ctx, trace.ExecutionID)
		return err == nil && it.RetryCount == 1 && !it.Leased()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClearQueueSkipsLeased(t *testing.T) {
	svc, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, execution.NewID(), execution.TypeTestCase, nil, 0, nil))
	require.NoError(t, svc.Enqueue(ctx, execution.NewID(), execution.TypeTestCase, nil, 0, nil))
	_, err := svc.Dequeue(ctx)
	require.NoError(t, err)

	removed, err := svc.ClearQueue(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	status, err := svc.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.InFlight)
	assert.Zero(t, status.TotalQueued)
}
