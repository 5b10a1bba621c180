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

// InsertTrace implements store.TraceStore.
func (s *Store) InsertTrace(ctx context.Context, t *execution.Trace) error {
	cols, err := marshalTraceColumns(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_traces (
			execution_id, parent_execution_id, execution_type, test_case_id, test_suite_id,
			status, triggered_by, triggered_at, started_at, completed_at, last_state_change,
			is_partitioned, step_count_threshold, estimated_step_count, steps_collection,
			embedded_steps, context, config, tags, metadata, priority, statistics,
			recent_history, execution_log, debug_data, total_duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ExecutionID, nullable(t.ParentExecutionID), string(t.ExecutionType),
		nullable(t.TestCaseID), nullable(t.TestSuiteID),
		string(t.Status), t.TriggeredBy, formatTime(t.TriggeredAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt), formatTime(t.LastStateChange),
		boolToInt(t.IsPartitioned), t.StepCountThreshold, t.EstimatedStepCount,
		nullable(t.StepsCollection),
		cols.embeddedSteps, cols.context, cols.config, cols.tags, cols.metadata,
		t.Priority, cols.statistics, cols.recentHistory, cols.executionLog, cols.debugData,
		t.TotalDurationMS,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &errors.ConflictError{Resource: "execution", ID: t.ExecutionID, Reason: "trace already exists"}
		}
		return fmt.Errorf("failed to insert trace: %w", err)
	}
	return nil
}

// GetTrace implements store.TraceStore.
func (s *Store) GetTrace(ctx context.Context, executionID string) (*execution.Trace, error) {
	row := s.db.QueryRowContext(ctx, traceSelect+` WHERE execution_id = ?`, executionID)
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return t, err
}

// ListTraces implements store.TraceStore.
func (s *Store) ListTraces(ctx context.Context, filter store.TraceFilter) ([]*execution.Trace, int, error) {
	where, args := buildTraceWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM execution_traces` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count traces: %w", err)
	}

	query := traceSelect + where + buildTraceOrder(filter)
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.PageSize, (page-1)*filter.PageSize)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list traces: %w", err)
	}
	defer rows.Close()

	var out []*execution.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func buildTraceWhere(filter store.TraceFilter) (string, []any) {
	var clauses []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Type != "" {
		clauses = append(clauses, "execution_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.TriggeredBy != "" {
		clauses = append(clauses, "triggered_by = ?")
		args = append(args, filter.TriggeredBy)
	}
	if filter.TestCaseID != "" {
		clauses = append(clauses, "test_case_id = ?")
		args = append(args, filter.TestCaseID)
	}
	if filter.TestSuiteID != "" {
		clauses = append(clauses, "test_suite_id = ?")
		args = append(args, filter.TestSuiteID)
	}
	if len(filter.Tags) > 0 {
		// Tags are stored as a JSON array; OR-match any requested tag.
		var tagClauses []string
		for _, tag := range filter.Tags {
			tagClauses = append(tagClauses, "EXISTS (SELECT 1 FROM json_each(execution_traces.tags) WHERE json_each.value = ?)")
			args = append(args, tag)
		}
		clauses = append(clauses, "("+strings.Join(tagClauses, " OR ")+")")
	}
	if filter.TriggeredAfter != nil {
		clauses = append(clauses, "triggered_at >= ?")
		args = append(args, formatTime(*filter.TriggeredAfter))
	}
	if filter.TriggeredBefore != nil {
		clauses = append(clauses, "triggered_at <= ?")
		args = append(args, formatTime(*filter.TriggeredBefore))
	}
	if filter.CompletedAfter != nil {
		clauses = append(clauses, "completed_at IS NOT NULL AND completed_at >= ?")
		args = append(args, formatTime(*filter.CompletedAfter))
	}
	if filter.CompletedBefore != nil {
		clauses = append(clauses, "completed_at IS NOT NULL AND completed_at <= ?")
		args = append(args, formatTime(*filter.CompletedBefore))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func buildTraceOrder(filter store.TraceFilter) string {
	col := "triggered_at"
	desc := true
	if filter.SortBy.Valid() {
		col = string(filter.SortBy)
		desc = filter.SortDesc
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", col, dir)
}

// UpdateTraceStatusCAS implements store.TraceStore. The conditional update
// runs in a transaction: the read determines the fields to stamp and the
// UPDATE still guards on the expected status, so a concurrent writer
// yields zero affected rows and the caller sees a CAS miss.
func (s *Store) UpdateTraceStatusCAS(ctx context.Context, executionID string, change execution.StateChange) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT status, started_at, recent_history FROM execution_traces WHERE execution_id = ?`,
		executionID)
	var status string
	var startedAt, recentHistory sql.NullString
	if err := row.Scan(&status, &startedAt, &recentHistory); err != nil {
		if err == sql.ErrNoRows {
			return false, &errors.NotFoundError{Resource: "execution", ID: executionID}
		}
		return false, fmt.Errorf("failed to read trace: %w", err)
	}
	if execution.Status(status) != change.OldStatus {
		return false, nil
	}

	var history []execution.StateChange
	if recentHistory.Valid && recentHistory.String != "" {
		if err := json.Unmarshal([]byte(recentHistory.String), &history); err != nil {
			return false, fmt.Errorf("failed to decode recent history: %w", err)
		}
	}
	history = append(history, change)
	if len(history) > execution.MaxInlineHistory {
		history = history[len(history)-execution.MaxInlineHistory:]
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return false, fmt.Errorf("failed to encode recent history: %w", err)
	}

	newStartedAt := startedAt
	if change.NewStatus == execution.StatusRunning && !startedAt.Valid {
		newStartedAt = sql.NullString{String: formatTime(change.Timestamp), Valid: true}
	}

	var completedAt any
	var totalDuration int64
	if change.NewStatus.IsTerminal() {
		completedAt = formatTime(change.Timestamp)
		if newStartedAt.Valid {
			if started, err := parseTime(newStartedAt.String); err == nil {
				totalDuration = change.Timestamp.Sub(started).Milliseconds()
			}
		}
	}

	var res sql.Result
	if completedAt != nil {
		res, err = tx.ExecContext(ctx, `
			UPDATE execution_traces
			SET status = ?, last_state_change = ?, started_at = ?, completed_at = ?,
			    total_duration_ms = ?, recent_history = ?
			WHERE execution_id = ? AND status = ?`,
			string(change.NewStatus), formatTime(change.Timestamp),
			nullStringValue(newStartedAt), completedAt, totalDuration, string(historyJSON),
			executionID, string(change.OldStatus))
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE execution_traces
			SET status = ?, last_state_change = ?, started_at = ?, recent_history = ?
			WHERE execution_id = ? AND status = ?`,
			string(change.NewStatus), formatTime(change.Timestamp),
			nullStringValue(newStartedAt), string(historyJSON),
			executionID, string(change.OldStatus))
	}
	if err != nil {
		return false, fmt.Errorf("failed to update trace status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// UpdateTraceProgress implements store.TraceStore.
func (s *Store) UpdateTraceProgress(ctx context.Context, executionID string, stats execution.Statistics) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_traces SET statistics = ? WHERE execution_id = ?`,
		string(statsJSON), executionID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return requireAffected(res, "execution", executionID)
}

// SaveEmbeddedSteps implements store.TraceStore.
func (s *Store) SaveEmbeddedSteps(ctx context.Context, executionID string, steps []execution.StepResult) error {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal embedded steps: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_traces SET embedded_steps = ? WHERE execution_id = ?`,
		string(stepsJSON), executionID)
	if err != nil {
		return fmt.Errorf("failed to save embedded steps: %w", err)
	}
	return requireAffected(res, "execution", executionID)
}

// SetTracePartitioning implements store.TraceStore.
func (s *Store) SetTracePartitioning(ctx context.Context, executionID string, partitioned bool, collection string, estimatedSteps int) error {
	if !partitioned {
		collection = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_traces SET is_partitioned = ?, steps_collection = ?, estimated_step_count = ? WHERE execution_id = ?`,
		boolToInt(partitioned), collection, estimatedSteps, executionID)
	if err != nil {
		return fmt.Errorf("failed to set partitioning: %w", err)
	}
	return requireAffected(res, "execution", executionID)
}

// SetTraceCompletedAt implements store.TraceStore.
func (s *Store) SetTraceCompletedAt(ctx context.Context, executionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_traces
		SET completed_at = ?,
		    total_duration_ms = CASE
		        WHEN started_at IS NOT NULL
		        THEN CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
		        ELSE total_duration_ms
		    END
		WHERE execution_id = ?`,
		formatTime(at), formatTime(at), executionID)
	if err != nil {
		return fmt.Errorf("failed to set completed_at: %w", err)
	}
	return requireAffected(res, "execution", executionID)
}

// AppendExecutionLog implements store.TraceStore.
func (s *Store) AppendExecutionLog(ctx context.Context, executionID string, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT execution_log FROM execution_traces WHERE execution_id = ?`, executionID).
		Scan(&current)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if err != nil {
		return fmt.Errorf("failed to read execution log: %w", err)
	}

	var log []string
	if current.Valid && current.String != "" {
		if err := json.Unmarshal([]byte(current.String), &log); err != nil {
			return fmt.Errorf("failed to decode execution log: %w", err)
		}
	}
	log = append(log, entries...)
	logJSON, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode execution log: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE execution_traces SET execution_log = ? WHERE execution_id = ?`,
		string(logJSON), executionID); err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return tx.Commit()
}

// SaveStepResult implements store.StepStore.
func (s *Store) SaveStepResult(ctx context.Context, result *execution.StepResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal step result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_results (execution_id, step_id, step_order, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET step_order = excluded.step_order, body = excluded.body`,
		result.ExecutionID, result.StepID, result.StepOrder, string(body))
	if err != nil {
		return fmt.Errorf("failed to save step result: %w", err)
	}
	return nil
}

// ListStepResults implements store.StepStore.
func (s *Store) ListStepResults(ctx context.Context, executionID string) ([]execution.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM step_results WHERE execution_id = ? ORDER BY step_order ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	var out []execution.StepResult
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var step execution.StepResult
		if err := json.Unmarshal([]byte(body), &step); err != nil {
			return nil, fmt.Errorf("failed to decode step result: %w", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// AppendStateChange implements store.HistoryStore.
func (s *Store) AppendStateChange(ctx context.Context, change execution.StateChange) error {
	var metadata any
	if change.Metadata != nil {
		b, err := json.Marshal(change.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_state_history (execution_id, old_status, new_status, timestamp, user_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		change.ExecutionID, string(change.OldStatus), string(change.NewStatus),
		formatTime(change.Timestamp), nullable(change.UserID), metadata)
	if err != nil {
		return fmt.Errorf("failed to append state change: %w", err)
	}
	return nil
}

// ListStateChanges implements store.HistoryStore.
func (s *Store) ListStateChanges(ctx context.Context, executionID string, limit int) ([]execution.StateChange, error) {
	query := `
		SELECT old_status, new_status, timestamp, user_id, metadata
		FROM execution_state_history
		WHERE execution_id = ?
		ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list state changes: %w", err)
	}
	defer rows.Close()

	var out []execution.StateChange
	for rows.Next() {
		var oldStatus, newStatus, ts string
		var userID, metadata sql.NullString
		if err := rows.Scan(&oldStatus, &newStatus, &ts, &userID, &metadata); err != nil {
			return nil, err
		}
		change := execution.StateChange{
			ExecutionID: executionID,
			OldStatus:   execution.Status(oldStatus),
			NewStatus:   execution.Status(newStatus),
			UserID:      userID.String,
		}
		if change.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &change.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, change)
	}
	return out, rows.Err()
}

// traceSelect lists the columns scanTrace expects, in order.
const traceSelect = `
	SELECT execution_id, parent_execution_id, execution_type, test_case_id, test_suite_id,
	       status, triggered_by, triggered_at, started_at, completed_at, last_state_change,
	       is_partitioned, step_count_threshold, estimated_step_count, steps_collection,
	       embedded_steps, context, config, tags, metadata, priority, statistics,
	       recent_history, execution_log, debug_data, total_duration_ms
	FROM execution_traces`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*execution.Trace, error) {
	var t execution.Trace
	var parentID, caseID, suiteID, startedAt, completedAt, stepsCollection sql.NullString
	var embeddedSteps, contextJSON, configJSON, tagsJSON, metadataJSON sql.NullString
	var statsJSON, historyJSON, logJSON, debugJSON sql.NullString
	var execType, status, triggeredAt, lastChange string
	var isPartitioned int

	err := row.Scan(
		&t.ExecutionID, &parentID, &execType, &caseID, &suiteID,
		&status, &t.TriggeredBy, &triggeredAt, &startedAt, &completedAt, &lastChange,
		&isPartitioned, &t.StepCountThreshold, &t.EstimatedStepCount, &stepsCollection,
		&embeddedSteps, &contextJSON, &configJSON, &tagsJSON, &metadataJSON,
		&t.Priority, &statsJSON, &historyJSON, &logJSON, &debugJSON, &t.TotalDurationMS,
	)
	if err != nil {
		return nil, err
	}

	t.ParentExecutionID = parentID.String
	t.ExecutionType = execution.Type(execType)
	t.TestCaseID = caseID.String
	t.TestSuiteID = suiteID.String
	t.Status = execution.Status(status)
	t.IsPartitioned = isPartitioned != 0
	t.StepsCollection = stepsCollection.String

	if t.TriggeredAt, err = parseTime(triggeredAt); err != nil {
		return nil, fmt.Errorf("failed to parse triggered_at: %w", err)
	}
	if t.LastStateChange, err = parseTime(lastChange); err != nil {
		return nil, fmt.Errorf("failed to parse last_state_change: %w", err)
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at: %w", err)
	}

	for _, col := range []struct {
		src  sql.NullString
		dest any
	}{
		{embeddedSteps, &t.EmbeddedSteps},
		{contextJSON, &t.Context},
		{configJSON, &t.Config},
		{tagsJSON, &t.Tags},
		{metadataJSON, &t.Metadata},
		{statsJSON, &t.Statistics},
		{historyJSON, &t.RecentHistory},
		{logJSON, &t.ExecutionLog},
		{debugJSON, &t.DebugData},
	} {
		if col.src.Valid && col.src.String != "" {
			if err := json.Unmarshal([]byte(col.src.String), col.dest); err != nil {
				return nil, fmt.Errorf("failed to decode trace column: %w", err)
			}
		}
	}
	return &t, nil
}

// traceColumns holds the JSON-encoded columns of a trace row.
type traceColumns struct {
	embeddedSteps, context, config, tags, metadata    any
	statistics, recentHistory, executionLog, debugData any
}

func marshalTraceColumns(t *execution.Trace) (traceColumns, error) {
	var cols traceColumns
	var err error
	if cols.embeddedSteps, err = marshalOrNil(t.EmbeddedSteps, len(t.EmbeddedSteps) > 0); err != nil {
		return cols, err
	}
	if cols.context, err = marshalOrNil(t.Context, true); err != nil {
		return cols, err
	}
	if cols.config, err = marshalOrNil(t.Config, true); err != nil {
		return cols, err
	}
	if cols.tags, err = marshalOrNil(t.Tags, len(t.Tags) > 0); err != nil {
		return cols, err
	}
	if cols.metadata, err = marshalOrNil(t.Metadata, len(t.Metadata) > 0); err != nil {
		return cols, err
	}
	if cols.statistics, err = marshalOrNil(t.Statistics, true); err != nil {
		return cols, err
	}
	if cols.recentHistory, err = marshalOrNil(t.RecentHistory, len(t.RecentHistory) > 0); err != nil {
		return cols, err
	}
	if cols.executionLog, err = marshalOrNil(t.ExecutionLog, len(t.ExecutionLog) > 0); err != nil {
		return cols, err
	}
	if cols.debugData, err = marshalOrNil(t.DebugData, len(t.DebugData) > 0); err != nil {
		return cols, err
	}
	return cols, nil
}

func marshalOrNil(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trace column: %w", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringValue(ns sql.NullString) any {
	if !ns.Valid {
		return nil
	}
	return ns.String
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result, resource, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}
