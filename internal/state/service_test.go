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

package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/store/memory"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	svc := NewService(st, log.New(log.DefaultConfig()))
	t.Cleanup(svc.Close)
	return svc, st
}

func seedTrace(t *testing.T, st *memory.Store, status execution.Status) *execution.Trace {
	t.Helper()
	trace := execution.NewTrace(execution.TypeTestCase, "user-1")
	trace.TestCaseID = "tc-001"
	trace.Status = status
	require.NoError(t, st.InsertTrace(context.Background(), trace))
	return trace
}

func TestTransitionAppliesAndPublishes(t *testing.T) {
	svc, st := newTestService(t)
	trace := seedTrace(t, st, execution.StatusPending)

	events, unsub := svc.Subscribe(trace.ExecutionID)
	defer unsub()

	ok, err := svc.Transition(context.Background(), trace.ExecutionID, execution.StatusQueued, "user-1", nil)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := st.GetTrace(context.Background(), trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusQueued, got.Status)
	require.Len(t, got.RecentHistory, 1)
	assert.Equal(t, execution.StatusPending, got.RecentHistory[0].OldStatus)

	history, err := svc.GetStateHistory(context.Background(), trace.ExecutionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, execution.StatusQueued, history[0].NewStatus)

	select {
	case ev := <-events:
		assert.Equal(t, execution.EventStateChange, ev.EventType)
		assert.Equal(t, trace.ExecutionID, ev.ExecutionID)
		assert.Equal(t, "QUEUED", ev.Data["new_status"])
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	svc, st := newTestService(t)
	trace := seedTrace(t, st, execution.StatusPending)

	events, unsub := svc.SubscribeAll()
	defer unsub()

	ok, err := svc.Transition(context.Background(), trace.ExecutionID, execution.StatusPassed, "user-1", nil)
	assert.False(t, ok)
	var ste *errors.StateTransitionError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, string(execution.StatusPending), ste.From)
	assert.Equal(t, string(execution.StatusPassed), ste.To)

	// No event for a rejected transition.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.EventID)
	case <-time.After(50 * time.Millisecond):
	}

	// History stays empty too.
	history, err := svc.GetStateHistory(context.Background(), trace.ExecutionID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTransitionNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Transition(context.Background(), "ffffffffffffffffffffffff", execution.StatusQueued, "", nil)
	assert.True(t, errors.IsNotFound(err))
}

func TestTransitionConcurrentSingleWinner(t *testing.T) {
	svc, st := newTestService(t)
	trace := seedTrace(t, st, execution.StatusQueued)

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Transition(context.Background(), trace.ExecutionID, execution.StatusRunning, "", nil)
			if err != nil {
				// Losers that read the already-updated status see an
				// illegal RUNNING -> RUNNING move.
				var ste *errors.StateTransitionError
				if !errors.As(err, &ste) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one transition must win")

	history, err := svc.GetStateHistory(context.Background(), trace.ExecutionID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestUpdateProgressLeavesStatusAlone(t *testing.T) {
	svc, st := newTestService(t)
	trace := seedTrace(t, st, execution.StatusRunning)

	events, unsub := svc.Subscribe(trace.ExecutionID)
	defer unsub()

	stats := execution.Statistics{TotalSteps: 10, CompletedSteps: 4, PassedSteps: 4}
	require.NoError(t, svc.UpdateProgress(context.Background(), trace.ExecutionID, stats, "step-5"))

	got, err := st.GetTrace(context.Background(), trace.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status)
	assert.InDelta(t, 40.0, got.Statistics.ProgressPercent, 0.001)

	select {
	case ev := <-events:
		assert.Equal(t, execution.EventProgressUpdate, ev.EventType)
		assert.Equal(t, "step-5", ev.Data["current_step"])
	case <-time.After(time.Second):
		t.Fatal("no progress event received")
	}
}

func TestGetActiveExecutions(t *testing.T) {
	svc, st := newTestService(t)
	seedTrace(t, st, execution.StatusRunning)
	seedTrace(t, st, execution.StatusQueued)
	done := seedTrace(t, st, execution.StatusPassed)

	active, err := svc.GetActiveExecutions(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, tr := range active {
		assert.NotEqual(t, done.ExecutionID, tr.ExecutionID)
	}
}

func TestRecoverStateBackfillsCompletedAt(t *testing.T) {
	svc, st := newTestService(t)
	trace := seedTrace(t, st, execution.StatusPassed)
	require.Nil(t, trace.CompletedAt)

	recovered, err := svc.RecoverState(context.Background(), trace.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, recovered.CompletedAt)

	got, err := st.GetTrace(context.Background(), trace.ExecutionID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	svc, st := newTestService(t)
	trace := seedTrace(t, st, execution.StatusPending)

	events, unsub := svc.Subscribe(trace.ExecutionID)
	unsub()

	_, open := <-events
	assert.False(t, open)

	// Publishing after unsubscribe must not panic or block.
	ok, err := svc.Transition(context.Background(), trace.ExecutionID, execution.StatusQueued, "", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe("exec-1")
	defer unsub()

	// Fill the buffer without draining; the overflowing event drops the
	// subscriber and closes the channel.
	for i := 0; i < subscriberBuffer+1; i++ {
		bus.Publish(execution.NewEvent(execution.EventProgressUpdate, "exec-1", time.Now()))
	}

	assert.Equal(t, 0, bus.SubscriberCount("exec-1"))

	received := 0
	for range ch {
		received++
	}
	assert.Equal(t, subscriberBuffer, received)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ev := execution.NewEvent(execution.EventStateChange, "exec-1", time.Now().UTC())
		for {
			select {
			case <-done:
				return
			default:
				bus.Publish(ev)
			}
		}
	}()

	// Churn subscriptions under a concurrent publisher. An unsubscribe
	// landing between the publisher's subscriber snapshot and its send
	// must not panic with a send on a closed channel.
	for i := 0; i < 2000; i++ {
		ch, unsub := bus.Subscribe("exec-1")
		unsub()
		for range ch {
		}
	}

	close(done)
	wg.Wait()
}
