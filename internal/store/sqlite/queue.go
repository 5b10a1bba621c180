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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// EnqueueItem implements store.QueueStore.
func (s *Store) EnqueueItem(ctx context.Context, item *execution.QueueItem) error {
	var payload any
	if item.Payload != nil {
		b, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_queue (
			id, execution_id, execution_type, priority, payload,
			queued_at, scheduled_at, retry_count, max_retries,
			processing_started_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ExecutionID, string(item.Type), int(item.Priority), payload,
		formatTime(item.QueuedAt), formatTime(item.ScheduledAt),
		item.RetryCount, item.MaxRetries,
		formatTimePtr(item.ProcessingStartedAt), nullable(item.LastError))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &errors.ConflictError{Resource: "queue item", ID: item.ExecutionID, Reason: "already queued"}
		}
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	return nil
}

// GetQueueItem implements store.QueueStore.
func (s *Store) GetQueueItem(ctx context.Context, executionID string) (*execution.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, queueSelect+` WHERE execution_id = ?`, executionID)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	return item, err
}

// LeaseNextItem implements store.QueueStore. The selection and the lease
// write happen inside one transaction on SQLite's single write connection,
// so exactly one caller can win an item.
func (s *Store) LeaseNextItem(ctx context.Context, now time.Time) (*execution.QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, queueSelect+`
		WHERE processing_started_at IS NULL AND scheduled_at <= ?
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT 1`, formatTime(now))
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE execution_queue SET processing_started_at = ?
		WHERE execution_id = ? AND processing_started_at IS NULL`,
		formatTime(now), item.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to lease item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Raced by another leaser inside the same process.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	lease := now
	item.ProcessingStartedAt = &lease
	return item, nil
}

// ReleaseForRetry implements store.QueueStore.
func (s *Store) ReleaseForRetry(ctx context.Context, executionID string, retryCount int, scheduledAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_queue
		SET retry_count = ?, scheduled_at = ?, processing_started_at = NULL, last_error = ?
		WHERE execution_id = ?`,
		retryCount, formatTime(scheduledAt), nullable(lastError), executionID)
	if err != nil {
		return fmt.Errorf("failed to release item for retry: %w", err)
	}
	return requireAffected(res, "queue item", executionID)
}

// DeleteQueueItem implements store.QueueStore.
func (s *Store) DeleteQueueItem(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_queue WHERE execution_id = ?`, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	return requireAffected(res, "queue item", executionID)
}

// MoveToDeadLetter implements store.QueueStore. The snapshot insert and
// the queue delete commit together.
func (s *Store) MoveToDeadLetter(ctx context.Context, executionID, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, queueSelect+` WHERE execution_id = ?`, executionID)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	if err != nil {
		return err
	}

	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execution_dead_letter_queue (execution_id, item, moved_at, failure_reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET item = excluded.item, moved_at = excluded.moved_at, failure_reason = excluded.failure_reason`,
		executionID, string(body), formatTime(at), reason); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM execution_queue WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("failed to remove queue item: %w", err)
	}
	return tx.Commit()
}

// ExpiredLeases implements store.QueueStore.
func (s *Store) ExpiredLeases(ctx context.Context, cutoff time.Time) ([]*execution.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, queueSelect+`
		WHERE processing_started_at IS NOT NULL AND processing_started_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired leases: %w", err)
	}
	defer rows.Close()

	var out []*execution.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// QueueCounts implements store.QueueStore.
func (s *Store) QueueCounts(ctx context.Context) (store.QueueCounts, error) {
	counts := store.QueueCounts{
		PriorityCounts: make(map[execution.QueuePriority]int),
		ByType:         make(map[execution.Type]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT priority, execution_type, queued_at, processing_started_at IS NOT NULL
		FROM execution_queue`)
	if err != nil {
		return counts, fmt.Errorf("failed to query queue counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var priority int
		var execType, queuedAt string
		var leased bool
		if err := rows.Scan(&priority, &execType, &queuedAt, &leased); err != nil {
			return counts, err
		}
		if leased {
			counts.InFlight++
			continue
		}
		counts.TotalQueued++
		counts.PriorityCounts[execution.QueuePriority(priority)]++
		counts.ByType[execution.Type(execType)]++
		at, err := parseTime(queuedAt)
		if err != nil {
			return counts, fmt.Errorf("failed to parse queued_at: %w", err)
		}
		if counts.OldestQueuedAt == nil || at.Before(*counts.OldestQueuedAt) {
			counts.OldestQueuedAt = &at
		}
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_dead_letter_queue`).Scan(&counts.DeadLetters); err != nil {
		return counts, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return counts, nil
}

// ClearQueue implements store.QueueStore. Leased items are left alone.
func (s *Store) ClearQueue(ctx context.Context, execType *execution.Type) (int, error) {
	query := `DELETE FROM execution_queue WHERE processing_started_at IS NULL`
	var args []any
	if execType != nil {
		query += ` AND execution_type = ?`
		args = append(args, string(*execType))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

// ListDeadLetters implements store.QueueStore.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]execution.DeadLetter, error) {
	query := `SELECT item, moved_at, failure_reason FROM execution_dead_letter_queue ORDER BY moved_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []execution.DeadLetter
	for rows.Next() {
		var body, movedAt, reason string
		if err := rows.Scan(&body, &movedAt, &reason); err != nil {
			return nil, err
		}
		var dl execution.DeadLetter
		if err := json.Unmarshal([]byte(body), &dl.Item); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		if dl.MovedAt, err = parseTime(movedAt); err != nil {
			return nil, fmt.Errorf("failed to parse moved_at: %w", err)
		}
		dl.FailureReason = reason
		out = append(out, dl)
	}
	return out, rows.Err()
}

// GetQueueState implements store.QueueStore.
func (s *Store) GetQueueState(ctx context.Context) (execution.QueueState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM queue_control WHERE id = 1`).Scan(&state)
	if err != nil {
		return "", fmt.Errorf("failed to read queue state: %w", err)
	}
	return execution.QueueState(state), nil
}

// SetQueueState implements store.QueueStore.
func (s *Store) SetQueueState(ctx context.Context, state execution.QueueState) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE queue_control SET state = ? WHERE id = 1`, string(state)); err != nil {
		return fmt.Errorf("failed to set queue state: %w", err)
	}
	return nil
}

const queueSelect = `
	SELECT id, execution_id, execution_type, priority, payload,
	       queued_at, scheduled_at, retry_count, max_retries,
	       processing_started_at, last_error
	FROM execution_queue`

func scanQueueItem(row rowScanner) (*execution.QueueItem, error) {
	var item execution.QueueItem
	var execType, queuedAt, scheduledAt string
	var priority int
	var payload, processingStartedAt, lastError sql.NullString

	err := row.Scan(
		&item.ID, &item.ExecutionID, &execType, &priority, &payload,
		&queuedAt, &scheduledAt, &item.RetryCount, &item.MaxRetries,
		&processingStartedAt, &lastError)
	if err != nil {
		return nil, err
	}

	item.Type = execution.Type(execType)
	item.Priority = execution.QueuePriority(priority)
	item.LastError = lastError.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &item.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	if item.QueuedAt, err = parseTime(queuedAt); err != nil {
		return nil, fmt.Errorf("failed to parse queued_at: %w", err)
	}
	if item.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("failed to parse scheduled_at: %w", err)
	}
	if item.ProcessingStartedAt, err = parseTimePtr(processingStartedAt); err != nil {
		return nil, fmt.Errorf("failed to parse processing_started_at: %w", err)
	}
	return &item, nil
}
