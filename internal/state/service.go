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

// Package state owns execution status transitions and the state event bus.
//
// Every status change in the engine funnels through Service.Transition: it
// validates the move against the transition table, applies it with a
// compare-and-set on the store, appends the audit record, and fans an event
// out to subscribers. An event is published only when the compare-and-set
// won; a stale read produces no event and no history entry.
package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Store is the slice of persistence the state service needs.
type Store interface {
	store.TraceStore
	store.HistoryStore
}

// Service validates and applies status transitions, writes the transition
// log, and publishes state events.
type Service struct {
	store  Store
	bus    *Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a state service with its own event bus.
func NewService(st Store, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		bus:    NewBus(),
		logger: log.WithComponent(logger, "state"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Transition moves an execution to a new status. It returns (false, nil)
// when a concurrent writer won the race, and a StateTransitionError when
// the move is not in the transition table. The event is published only
// after the compare-and-set succeeds.
func (s *Service) Transition(ctx context.Context, executionID string, to execution.Status, userID string, metadata map[string]any) (bool, error) {
	if !to.Valid() {
		return false, &errors.ValidationError{Field: "status", Value: string(to), Message: "unknown status"}
	}

	trace, err := s.store.GetTrace(ctx, executionID)
	if err != nil {
		return false, err
	}
	from := trace.Status
	if !from.CanTransitionTo(to) {
		return false, &errors.StateTransitionError{ExecutionID: executionID, From: string(from), To: string(to)}
	}

	change := execution.StateChange{
		ExecutionID: executionID,
		OldStatus:   from,
		NewStatus:   to,
		Timestamp:   s.now(),
		UserID:      userID,
		Metadata:    metadata,
	}

	applied, err := s.store.UpdateTraceStatusCAS(ctx, executionID, change)
	if err != nil {
		return false, errors.Wrapf(err, "transition %s: %s -> %s", executionID, from, to)
	}
	if !applied {
		s.logger.Debug("transition lost compare-and-set race",
			log.String(log.ExecutionIDKey, executionID),
			log.String("from", from.String()),
			log.String("to", to.String()))
		return false, nil
	}

	// The trace already carries the change inline; the history collection
	// is the system of record. A write failure here is logged, not
	// surfaced, because the transition itself is durable.
	if err := s.store.AppendStateChange(ctx, change); err != nil {
		s.logger.Error("failed to append state history",
			log.String(log.ExecutionIDKey, executionID),
			log.Error(err))
	}

	ev := execution.NewEvent(execution.EventStateChange, executionID, change.Timestamp)
	ev.UserID = userID
	ev.Data = map[string]any{
		"old_status": string(from),
		"new_status": string(to),
	}
	s.bus.Publish(ev)

	s.logger.Info("execution transitioned",
		log.String(log.ExecutionIDKey, executionID),
		log.String("from", from.String()),
		log.String(log.StatusKey, to.String()))
	return true, nil
}

// UpdateProgress writes statistics onto the trace and emits a
// PROGRESS_UPDATE event. It never touches status.
func (s *Service) UpdateProgress(ctx context.Context, executionID string, stats execution.Statistics, currentStep string) error {
	stats.Recalculate()
	if err := s.store.UpdateTraceProgress(ctx, executionID, stats); err != nil {
		return errors.Wrapf(err, "update progress %s", executionID)
	}

	ev := execution.NewEvent(execution.EventProgressUpdate, executionID, s.now())
	ev.Data = map[string]any{
		"progress_percent": stats.ProgressPercent,
		"completed_steps":  stats.CompletedSteps,
		"total_steps":      stats.TotalSteps,
	}
	if currentStep != "" {
		ev.Data["current_step"] = currentStep
	}
	s.bus.Publish(ev)
	return nil
}

// Subscribe streams events for one execution. The returned function
// cancels the subscription and closes the channel.
func (s *Service) Subscribe(executionID string) (<-chan execution.StateChangeEvent, func()) {
	return s.bus.Subscribe(executionID)
}

// SubscribeAll streams every state event on the bus.
func (s *Service) SubscribeAll() (<-chan execution.StateChangeEvent, func()) {
	return s.bus.SubscribeAll()
}

// GetStateHistory returns an execution's transition log, most recent
// first. limit 0 means no cap.
func (s *Service) GetStateHistory(ctx context.Context, executionID string, limit int) ([]execution.StateChange, error) {
	if _, err := s.store.GetTrace(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ListStateChanges(ctx, executionID, limit)
}

// GetActiveExecutions returns every trace not in a terminal status.
func (s *Service) GetActiveExecutions(ctx context.Context) ([]*execution.Trace, error) {
	traces, _, err := s.store.ListTraces(ctx, store.TraceFilter{
		Statuses: []execution.Status{
			execution.StatusPending,
			execution.StatusQueued,
			execution.StatusRunning,
			execution.StatusTimeout,
			execution.StatusRetrying,
		},
		SortBy: store.SortTriggeredAt,
	})
	return traces, err
}

// RecoverState reloads a trace and repairs inconsistencies: a terminal
// trace missing completed_at gets it backfilled, and impossible step
// counters are logged as anomalies without rewriting the counts.
func (s *Service) RecoverState(ctx context.Context, executionID string) (*execution.Trace, error) {
	trace, err := s.store.GetTrace(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if trace.Status.IsTerminal() && trace.CompletedAt == nil {
		now := s.now()
		if err := s.store.SetTraceCompletedAt(ctx, executionID, now); err != nil {
			return nil, errors.Wrapf(err, "recover state %s", executionID)
		}
		trace.CompletedAt = &now
		s.logger.Warn("backfilled missing completion time on terminal trace",
			log.String(log.ExecutionIDKey, executionID),
			log.String(log.StatusKey, trace.Status.String()))
	}

	if trace.Statistics.CompletedSteps > trace.Statistics.TotalSteps {
		s.logger.Warn("statistics anomaly: completed steps exceed total",
			log.String(log.ExecutionIDKey, executionID),
			log.Int("completed_steps", trace.Statistics.CompletedSteps),
			log.Int("total_steps", trace.Statistics.TotalSteps))
	}

	return trace, nil
}

// Close shuts the event bus down, dropping all subscribers.
func (s *Service) Close() {
	s.bus.Close()
}
