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

// Package sqlite provides the SQLite store backend for single-node
// deployments. Timestamps are stored as RFC3339Nano UTC strings and
// compared in the same representation throughout; lexicographic order
// matches chronological order.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/crucible-dev/crucible/internal/store"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ store.TraceStore   = (*Store)(nil)
	_ store.StepStore    = (*Store)(nil)
	_ store.HistoryStore = (*Store)(nil)
	_ store.QueueStore   = (*Store)(nil)
	_ store.ResultStore  = (*Store)(nil)
	_ store.MetricStore  = (*Store)(nil)
	_ store.HealthStore  = (*Store)(nil)
	_ store.AlertStore   = (*Store)(nil)
	_ store.Store        = (*Store)(nil)
)

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS execution_traces (
			execution_id TEXT PRIMARY KEY,
			parent_execution_id TEXT,
			execution_type TEXT NOT NULL,
			test_case_id TEXT,
			test_suite_id TEXT,
			status TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			triggered_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			last_state_change TEXT NOT NULL,
			is_partitioned INTEGER NOT NULL DEFAULT 0,
			step_count_threshold INTEGER NOT NULL DEFAULT 50,
			estimated_step_count INTEGER NOT NULL DEFAULT 0,
			steps_collection TEXT,
			embedded_steps TEXT,
			context TEXT,
			config TEXT,
			tags TEXT,
			metadata TEXT,
			priority INTEGER NOT NULL DEFAULT 5,
			statistics TEXT,
			recent_history TEXT,
			execution_log TEXT,
			debug_data TEXT,
			total_duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_status_triggered ON execution_traces(status, triggered_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_user_triggered ON execution_traces(triggered_by, triggered_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_case ON execution_traces(test_case_id, status, triggered_at DESC) WHERE test_case_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_traces_suite ON execution_traces(test_suite_id, status, triggered_at DESC) WHERE test_suite_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_traces_user_type ON execution_traces(triggered_by, execution_type, triggered_at DESC)`,
		`CREATE TABLE IF NOT EXISTS execution_state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			old_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			user_id TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_execution ON execution_state_history(execution_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (execution_id, step_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_execution ON step_results(execution_id, step_order)`,
		`CREATE TABLE IF NOT EXISTS execution_queue (
			id TEXT NOT NULL,
			execution_id TEXT PRIMARY KEY,
			execution_type TEXT NOT NULL,
			priority INTEGER NOT NULL,
			payload TEXT,
			queued_at TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			processing_started_at TEXT,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_ready ON execution_queue(processing_started_at, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON execution_queue(priority, scheduled_at)`,
		`CREATE TABLE IF NOT EXISTS execution_dead_letter_queue (
			execution_id TEXT PRIMARY KEY,
			item TEXT NOT NULL,
			moved_at TEXT NOT NULL,
			failure_reason TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_control (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO queue_control (id, state) VALUES (1, 'ACTIVE')`,
		`CREATE TABLE IF NOT EXISTS execution_results (
			execution_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			processed_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS suite_results (
			execution_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			processed_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			value REAL NOT NULL,
			tags TEXT,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON execution_metrics(name, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_ts ON execution_metrics(timestamp)`,
		`CREATE TABLE IF NOT EXISTS health_checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			component TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			details TEXT,
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			checked_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_component_ts ON health_checks(component, checked_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_health_ts ON health_checks(checked_at)`,
		`CREATE TABLE IF NOT EXISTS execution_alerts (
			id TEXT PRIMARY KEY,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			generated_at TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_generated ON execution_alerts(acknowledged, generated_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements io.Closer.
func (s *Store) Close() error {
	return s.db.Close()
}

// formatTime converts a time to its stored representation.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime converts a stored timestamp back to a time.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// formatTimePtr converts an optional time to a nullable column value.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTimePtr converts a nullable column value to an optional time.
func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
