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

// Package queue schedules executions: priority ordering, lease-based
// dispatch, retry with linear backoff, and a dead-letter queue for
// executions that exhaust their retry budget.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/internal/tracing"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// deadLetterReason is the reason recorded when the retry budget runs out.
const deadLetterReason = "Retry limit exceeded"

// Disposition is the routing decision for a finished dequeue-execute
// cycle. Completion never fails the caller's control flow; the item is
// deleted, re-scheduled, or dead-lettered.
type Disposition int

const (
	// DispositionOk means the item was removed after success.
	DispositionOk Disposition = iota
	// DispositionRetry means the item was re-scheduled with backoff.
	DispositionRetry
	// DispositionDeadLetter means the retry budget is exhausted.
	DispositionDeadLetter
)

// String implements fmt.Stringer.
func (d Disposition) String() string {
	switch d {
	case DispositionOk:
		return "ok"
	case DispositionRetry:
		return "retry"
	case DispositionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// BackoffPolicy computes the retry delay from the attempt count.
type BackoffPolicy func(retryCount int) time.Duration

// LinearBackoff delays each retry by retryCount times the base.
func LinearBackoff(base time.Duration) BackoffPolicy {
	return func(retryCount int) time.Duration {
		if retryCount < 1 {
			retryCount = 1
		}
		return time.Duration(retryCount) * base
	}
}

// StateTransitioner is the slice of the state service the queue needs to
// drive retry-path status transitions.
type StateTransitioner interface {
	Transition(ctx context.Context, executionID string, to execution.Status, userID string, metadata map[string]any) (bool, error)
}

// Config tunes the queue and its worker loop.
type Config struct {
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	MaxRetries        int
	BatchSize         int
	MaxConcurrent     int
	Backoff           BackoffPolicy
}

// Service is the scheduling layer between the execution service and the
// orchestrator.
type Service struct {
	store   store.QueueStore
	state   StateTransitioner
	metrics *tracing.MetricsCollector
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	worker *worker
}

// NewService creates a queue service. metrics may be nil.
func NewService(st store.QueueStore, stateSvc StateTransitioner, metrics *tracing.MetricsCollector, cfg Config, logger *slog.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.Backoff == nil {
		cfg.Backoff = LinearBackoff(2 * time.Minute)
	}
	return &Service{
		store:   st,
		state:   stateSvc,
		metrics: metrics,
		logger:  log.WithComponent(logger, "queue"),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue inserts a queue item for the execution. A zero priority maps to
// normal; a nil scheduledAt means ready immediately.
func (s *Service) Enqueue(ctx context.Context, executionID string, execType execution.Type, payload map[string]any, priority execution.QueuePriority, scheduledAt *time.Time) error {
	if priority == 0 {
		priority = execution.PriorityNormal
	}
	if !priority.Valid() {
		return &errors.ValidationError{Field: "priority", Value: int(priority), Message: "must be between 1 and 5"}
	}

	now := s.now()
	item := &execution.QueueItem{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        execType,
		Priority:    priority,
		Payload:     payload,
		QueuedAt:    now,
		ScheduledAt: now,
		MaxRetries:  s.cfg.MaxRetries,
	}
	if scheduledAt != nil {
		item.ScheduledAt = scheduledAt.UTC()
	}

	if err := s.store.EnqueueItem(ctx, item); err != nil {
		return err
	}
	s.metrics.RecordEnqueued(ctx, execType.String(), int(priority))
	s.logger.Info("execution enqueued",
		log.String(log.ExecutionIDKey, executionID),
		log.String(log.ExecutionTypeKey, execType.String()),
		log.Int("priority", int(priority)))

	s.wake()
	return nil
}

// Dequeue leases the next ready item. It returns (nil, nil) when the
// queue is paused or nothing is ready.
func (s *Service) Dequeue(ctx context.Context) (*execution.QueueItem, error) {
	qs, err := s.store.GetQueueState(ctx)
	if err != nil {
		return nil, err
	}
	if qs == execution.QueuePaused {
		return nil, nil
	}
	return s.store.LeaseNextItem(ctx, s.now())
}

// Complete settles a leased item after its execution finished. Failures
// never propagate into the caller's control flow; they route internally
// through retry or the dead-letter queue.
func (s *Service) Complete(ctx context.Context, executionID string, success bool, execErr error) Disposition {
	if success {
		if err := s.store.DeleteQueueItem(ctx, executionID); err != nil && !errors.IsNotFound(err) {
			s.logger.Error("failed to delete completed queue item",
				log.String(log.ExecutionIDKey, executionID),
				log.Error(err))
		}
		return DispositionOk
	}

	reason := "execution failed"
	if execErr != nil {
		reason = execErr.Error()
	}
	return s.Retry(ctx, executionID, reason)
}

// Retry re-schedules the item with backoff when budget remains, and
// dead-letters it otherwise. On the retry path the trace moves through
// RETRYING back to QUEUED; on the dead-letter path it is left untouched
// for forensic inspection.
func (s *Service) Retry(ctx context.Context, executionID, reason string) Disposition {
	item, err := s.store.GetQueueItem(ctx, executionID)
	if err != nil {
		s.logger.Error("retry: queue item not found",
			log.String(log.ExecutionIDKey, executionID),
			log.Error(err))
		return DispositionDeadLetter
	}

	maxRetries := item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	if item.RetryCount >= maxRetries {
		s.moveToDeadLetter(ctx, item, deadLetterReason)
		return DispositionDeadLetter
	}

	s.enterRetrying(ctx, executionID, reason)

	newCount := item.RetryCount + 1
	delay := s.cfg.Backoff(newCount)
	scheduledAt := s.now().Add(delay)
	if err := s.store.ReleaseForRetry(ctx, executionID, newCount, scheduledAt, reason); err != nil {
		s.logger.Error("failed to release item for retry",
			log.String(log.ExecutionIDKey, executionID),
			log.Error(err))
		return DispositionDeadLetter
	}
	s.transition(ctx, executionID, execution.StatusQueued, map[string]any{"retry_count": newCount})

	s.metrics.RecordRetry(ctx, item.Type.String())
	s.logger.Info("execution scheduled for retry",
		log.String(log.ExecutionIDKey, executionID),
		log.Int("retry_count", newCount),
		log.Int64("backoff_ms", delay.Milliseconds()))
	return DispositionRetry
}

// MoveToDeadLetter removes the item from scheduling and snapshots it with
// a reason. The trace keeps whatever status its last run recorded;
// dead-lettering is terminal for scheduling only.
func (s *Service) MoveToDeadLetter(ctx context.Context, executionID, reason string) error {
	item, err := s.store.GetQueueItem(ctx, executionID)
	if err != nil {
		return err
	}
	s.moveToDeadLetter(ctx, item, reason)
	return nil
}

func (s *Service) moveToDeadLetter(ctx context.Context, item *execution.QueueItem, reason string) {
	if err := s.store.MoveToDeadLetter(ctx, item.ExecutionID, reason, s.now()); err != nil {
		s.logger.Error("failed to move item to dead letter queue",
			log.String(log.ExecutionIDKey, item.ExecutionID),
			log.Error(err))
		return
	}
	s.metrics.RecordDeadLetter(ctx, item.Type.String())
	s.logger.Warn("execution dead-lettered",
		log.String(log.ExecutionIDKey, item.ExecutionID),
		log.String("reason", reason))
}

// enterRetrying walks the trace into RETRYING. A RUNNING trace (expired
// lease, worker gone) passes through TIMEOUT first.
func (s *Service) enterRetrying(ctx context.Context, executionID, reason string) {
	meta := map[string]any{"reason": reason}
	s.transition(ctx, executionID, execution.StatusTimeout, meta)
	s.transition(ctx, executionID, execution.StatusRetrying, meta)
}

// transition applies a best-effort status change. Illegal moves and lost
// races are expected on the retry path and logged at debug only.
func (s *Service) transition(ctx context.Context, executionID string, to execution.Status, metadata map[string]any) {
	if s.state == nil {
		return
	}
	ok, err := s.state.Transition(ctx, executionID, to, "", metadata)
	if err != nil || !ok {
		s.logger.Debug("queue transition skipped",
			log.String(log.ExecutionIDKey, executionID),
			log.String(log.StatusKey, to.String()),
			log.Error(err))
	}
}

// GetQueueStatus summarizes the queue.
func (s *Service) GetQueueStatus(ctx context.Context) (*execution.QueueStatus, error) {
	counts, err := s.store.QueueCounts(ctx)
	if err != nil {
		return nil, err
	}
	qs, err := s.store.GetQueueState(ctx)
	if err != nil {
		return nil, err
	}

	s.metrics.SetQueueDepth(counts.TotalQueued)
	return &execution.QueueStatus{
		State:             qs,
		TotalQueued:       counts.TotalQueued,
		InFlight:          counts.InFlight,
		PriorityCounts:    counts.PriorityCounts,
		OldestQueuedAt:    counts.OldestQueuedAt,
		DeadLetterCount:   counts.DeadLetters,
		ByExecutionType:   counts.ByType,
		ProcessingTimeout: s.cfg.ProcessingTimeout,
	}, nil
}

// Pause stops dequeue until Resume. The state persists across restarts.
func (s *Service) Pause(ctx context.Context) error {
	if err := s.store.SetQueueState(ctx, execution.QueuePaused); err != nil {
		return err
	}
	s.logger.Info("queue paused")
	return nil
}

// Resume re-enables dequeue.
func (s *Service) Resume(ctx context.Context) error {
	if err := s.store.SetQueueState(ctx, execution.QueueActive); err != nil {
		return err
	}
	s.logger.Info("queue resumed")
	s.wake()
	return nil
}

// ClearQueue removes unleased items, optionally only of one type, and
// returns how many were removed. Leased items are untouched.
func (s *Service) ClearQueue(ctx context.Context, execType *execution.Type) (int, error) {
	removed, err := s.store.ClearQueue(ctx, execType)
	if err != nil {
		return 0, err
	}
	s.logger.Info("queue cleared", log.Int("removed", removed))
	return removed, nil
}

// DeadLetters lists dead-lettered items, most recent first.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]execution.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, limit)
}

func (s *Service) wake() {
	if w := s.worker; w != nil {
		w.wake()
	}
}
