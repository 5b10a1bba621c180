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
	"time"

	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// SaveResult implements store.ResultStore.
func (s *Store) SaveResult(ctx context.Context, result *execution.ProcessedResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_results (execution_id, body, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET body = excluded.body, processed_at = excluded.processed_at`,
		result.ExecutionID, string(body), formatTime(result.ProcessedAt))
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// GetResult implements store.ResultStore.
func (s *Store) GetResult(ctx context.Context, executionID string) (*execution.ProcessedResult, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM execution_results WHERE execution_id = ?`, executionID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "result", ID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	var result execution.ProcessedResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

// SaveSuiteResult implements store.ResultStore.
func (s *Store) SaveSuiteResult(ctx context.Context, result *execution.SuiteResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal suite result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO suite_results (execution_id, body, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET body = excluded.body, processed_at = excluded.processed_at`,
		result.ExecutionID, string(body), formatTime(result.ProcessedAt))
	if err != nil {
		return fmt.Errorf("failed to save suite result: %w", err)
	}
	return nil
}

// GetSuiteResult implements store.ResultStore.
func (s *Store) GetSuiteResult(ctx context.Context, executionID string) (*execution.SuiteResult, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM suite_results WHERE execution_id = ?`, executionID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "suite result", ID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suite result: %w", err)
	}
	var result execution.SuiteResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("failed to decode suite result: %w", err)
	}
	return &result, nil
}

// RecordMetric implements store.MetricStore.
func (s *Store) RecordMetric(ctx context.Context, m execution.Metric) error {
	var tags any
	if m.Tags != nil {
		b, err := json.Marshal(m.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		tags = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_metrics (name, type, value, tags, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		m.Name, string(m.Type), m.Value, tags, formatTime(m.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}

// ListMetrics implements store.MetricStore.
func (s *Store) ListMetrics(ctx context.Context, name string, since time.Time) ([]execution.Metric, error) {
	query := `SELECT name, type, value, tags, timestamp FROM execution_metrics WHERE timestamp >= ?`
	args := []any{formatTime(since)}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var out []execution.Metric
	for rows.Next() {
		var m execution.Metric
		var mType, ts string
		var tags sql.NullString
		if err := rows.Scan(&m.Name, &mType, &m.Value, &tags, &ts); err != nil {
			return nil, err
		}
		m.Type = execution.MetricType(mType)
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &m.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode tags: %w", err)
			}
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMetrics implements store.MetricStore.
func (s *Store) PruneMetrics(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_metrics WHERE timestamp < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune metrics: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

// RecordHealthChecks implements store.HealthStore.
func (s *Store) RecordHealthChecks(ctx context.Context, checks []execution.HealthCheck) error {
	if len(checks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range checks {
		var details any
		if c.Details != nil {
			b, err := json.Marshal(c.Details)
			if err != nil {
				return fmt.Errorf("failed to marshal details: %w", err)
			}
			details = string(b)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO health_checks (component, status, message, details, response_time_ms, checked_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.Component, string(c.Status), nullable(c.Message), details,
			c.ResponseTimeMS, formatTime(c.CheckedAt)); err != nil {
			return fmt.Errorf("failed to record health check: %w", err)
		}
	}
	return tx.Commit()
}

// LatestHealthChecks implements store.HealthStore. Returns the most recent
// row per component.
func (s *Store) LatestHealthChecks(ctx context.Context) ([]execution.HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.component, h.status, h.message, h.details, h.response_time_ms, h.checked_at
		FROM health_checks h
		JOIN (
			SELECT component, MAX(checked_at) AS max_at
			FROM health_checks GROUP BY component
		) latest ON h.component = latest.component AND h.checked_at = latest.max_at
		ORDER BY h.component ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest health checks: %w", err)
	}
	defer rows.Close()

	var out []execution.HealthCheck
	for rows.Next() {
		var c execution.HealthCheck
		var status, ts string
		var message, details sql.NullString
		if err := rows.Scan(&c.Component, &status, &message, &details, &c.ResponseTimeMS, &ts); err != nil {
			return nil, err
		}
		c.Status = execution.HealthState(status)
		c.Message = message.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &c.Details); err != nil {
				return nil, fmt.Errorf("failed to decode details: %w", err)
			}
		}
		if c.CheckedAt, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse checked_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneHealthChecks implements store.HealthStore.
func (s *Store) PruneHealthChecks(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM health_checks WHERE checked_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune health checks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

// InsertAlert implements store.AlertStore.
func (s *Store) InsertAlert(ctx context.Context, a execution.Alert) error {
	var details any
	if a.Details != nil {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
		details = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_alerts (id, severity, title, message, details, generated_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Severity), a.Title, a.Message, details,
		formatTime(a.GeneratedAt), boolToInt(a.Acknowledged))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ListAlerts implements store.AlertStore.
func (s *Store) ListAlerts(ctx context.Context, unacknowledgedOnly bool, limit int) ([]execution.Alert, error) {
	query := `SELECT id, severity, title, message, details, generated_at, acknowledged FROM execution_alerts`
	if unacknowledgedOnly {
		query += ` WHERE acknowledged = 0`
	}
	query += ` ORDER BY generated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []execution.Alert
	for rows.Next() {
		var a execution.Alert
		var severity, ts string
		var details sql.NullString
		var acknowledged int
		if err := rows.Scan(&a.ID, &severity, &a.Title, &a.Message, &details, &ts, &acknowledged); err != nil {
			return nil, err
		}
		a.Severity = execution.AlertSeverity(severity)
		a.Acknowledged = acknowledged != 0
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
				return nil, fmt.Errorf("failed to decode details: %w", err)
			}
		}
		if a.GeneratedAt, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse generated_at: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert implements store.AlertStore.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_alerts SET acknowledged = 1 WHERE id = ?`, alertID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return requireAffected(res, "alert", alertID)
}
