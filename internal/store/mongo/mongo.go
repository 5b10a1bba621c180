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

// Package mongo provides the MongoDB store backend for deployments that
// share queue and trace state across processes. Compare-and-set updates
// use conditional UpdateOne; the queue lease is one FindOneAndUpdate, so
// multiple worker processes can coexist safely. Timestamps are stored as
// native BSON datetimes and compared as such.
package mongo

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Collection names follow the persisted-state layout.
const (
	collTraces      = "execution_traces"
	collHistory     = "execution_state_history"
	collSteps       = "step_results"
	collQueue       = "execution_queue"
	collDeadLetters = "execution_dead_letter_queue"
	collControl     = "queue_control"
	collResults     = "execution_results"
	collSuites      = "suite_results"
	collMetrics     = "execution_metrics"
	collHealth      = "health_checks"
	collAlerts      = "execution_alerts"
)

// Store is a MongoDB storage backend.
type Store struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration
}

// Config contains MongoDB connection configuration.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// New connects to MongoDB and ensures the indexes the query paths rely on.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo database name is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongodriver.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &Store{
		client:  client,
		db:      client.Database(cfg.Database),
		timeout: timeout,
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongodriver.IndexModel{
		collTraces: {
			{Keys: bson.D{{Key: "execution_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "triggered_at", Value: -1}}},
			{Keys: bson.D{{Key: "triggered_by", Value: 1}, {Key: "triggered_at", Value: -1}}},
			{Keys: bson.D{{Key: "test_case_id", Value: 1}, {Key: "status", Value: 1}, {Key: "triggered_at", Value: -1}}, Options: options.Index().SetSparse(true)},
			{Keys: bson.D{{Key: "test_suite_id", Value: 1}, {Key: "status", Value: 1}, {Key: "triggered_at", Value: -1}}, Options: options.Index().SetSparse(true)},
			{Keys: bson.D{{Key: "tags", Value: 1}}},
			{Keys: bson.D{{Key: "triggered_by", Value: 1}, {Key: "execution_type", Value: 1}, {Key: "triggered_at", Value: -1}}},
		},
		collHistory: {
			{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
		collSteps: {
			{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "step_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "step_order", Value: 1}}},
		},
		collQueue: {
			{Keys: bson.D{{Key: "execution_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "processing_started_at", Value: 1}, {Key: "scheduled_at", Value: 1}}},
			{Keys: bson.D{{Key: "priority", Value: 1}, {Key: "scheduled_at", Value: 1}}},
		},
		collMetrics: {
			{Keys: bson.D{{Key: "name", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		},
		collHealth: {
			{Keys: bson.D{{Key: "component", Value: 1}, {Key: "checked_at", Value: -1}}},
			{Keys: bson.D{{Key: "checked_at", Value: 1}}},
		},
		collAlerts: {
			{Keys: bson.D{{Key: "acknowledged", Value: 1}, {Key: "generated_at", Value: -1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

// Close implements io.Closer.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// InsertTrace implements store.TraceStore.
func (s *Store) InsertTrace(ctx context.Context, t *execution.Trace) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collTraces).InsertOne(ctx, t)
	if mongodriver.IsDuplicateKeyError(err) {
		return &errors.ConflictError{Resource: "execution", ID: t.ExecutionID, Reason: "trace already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert trace: %w", err)
	}
	return nil
}

// GetTrace implements store.TraceStore.
func (s *Store) GetTrace(ctx context.Context, executionID string) (*execution.Trace, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var t execution.Trace
	err := s.db.Collection(collTraces).
		FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&t)
	if stderrors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trace: %w", err)
	}
	return &t, nil
}

// ListTraces implements store.TraceStore.
func (s *Store) ListTraces(ctx context.Context, filter store.TraceFilter) ([]*execution.Trace, int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := bson.M{}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": filter.Statuses}
	}
	if filter.Type != "" {
		query["execution_type"] = filter.Type
	}
	if filter.TriggeredBy != "" {
		query["triggered_by"] = filter.TriggeredBy
	}
	if filter.TestCaseID != "" {
		query["test_case_id"] = filter.TestCaseID
	}
	if filter.TestSuiteID != "" {
		query["test_suite_id"] = filter.TestSuiteID
	}
	if len(filter.Tags) > 0 {
		query["tags"] = bson.M{"$in": filter.Tags}
	}
	triggered := bson.M{}
	if filter.TriggeredAfter != nil {
		triggered["$gte"] = *filter.TriggeredAfter
	}
	if filter.TriggeredBefore != nil {
		triggered["$lte"] = *filter.TriggeredBefore
	}
	if len(triggered) > 0 {
		query["triggered_at"] = triggered
	}
	completed := bson.M{}
	if filter.CompletedAfter != nil {
		completed["$gte"] = *filter.CompletedAfter
	}
	if filter.CompletedBefore != nil {
		completed["$lte"] = *filter.CompletedBefore
	}
	if len(completed) > 0 {
		query["completed_at"] = completed
	}

	coll := s.db.Collection(collTraces)
	total, err := coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count traces: %w", err)
	}

	sortField := "triggered_at"
	sortDir := -1
	if filter.SortBy.Valid() {
		sortField = string(filter.SortBy)
		sortDir = 1
		if filter.SortDesc {
			sortDir = -1
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: sortField, Value: sortDir}})
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		opts.SetSkip(int64((page - 1) * filter.PageSize)).SetLimit(int64(filter.PageSize))
	}

	cursor, err := coll.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list traces: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*execution.Trace
	for cursor.Next(ctx) {
		var t execution.Trace
		if err := cursor.Decode(&t); err != nil {
			return nil, 0, fmt.Errorf("failed to decode trace: %w", err)
		}
		out = append(out, &t)
	}
	return out, int(total), cursor.Err()
}

// UpdateTraceStatusCAS implements store.TraceStore. The expected status is
// part of the filter, so a stale caller matches nothing and modifies
// nothing.
func (s *Store) UpdateTraceStatusCAS(ctx context.Context, executionID string, change execution.StateChange) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{
		"status":            change.NewStatus,
		"last_state_change": change.Timestamp,
	}
	update := bson.M{
		"$set": set,
		"$push": bson.M{
			"state_history": bson.M{
				"$each":  []execution.StateChange{change},
				"$slice": -execution.MaxInlineHistory,
			},
		},
	}
	if change.NewStatus == execution.StatusRunning {
		// $min keeps the earliest start, so a retried run keeps the
		// timestamp of its first entry into RUNNING.
		update["$min"] = bson.M{"started_at": change.Timestamp}
	}

	if change.NewStatus.IsTerminal() {
		// Read started_at first to derive the total duration; the CAS
		// filter still guards the write.
		var current struct {
			StartedAt *time.Time `bson:"started_at"`
		}
		err := s.db.Collection(collTraces).
			FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&current)
		if stderrors.Is(err, mongodriver.ErrNoDocuments) {
			return false, &errors.NotFoundError{Resource: "execution", ID: executionID}
		}
		if err != nil {
			return false, fmt.Errorf("failed to read trace: %w", err)
		}
		set["completed_at"] = change.Timestamp
		if current.StartedAt != nil {
			set["total_duration_ms"] = change.Timestamp.Sub(*current.StartedAt).Milliseconds()
		}
	}

	res, err := s.db.Collection(collTraces).UpdateOne(ctx,
		bson.M{"execution_id": executionID, "status": change.OldStatus},
		update)
	if err != nil {
		return false, fmt.Errorf("failed to update trace status: %w", err)
	}
	if res.MatchedCount == 0 {
		// Distinguish a CAS miss from a missing trace.
		count, err := s.db.Collection(collTraces).
			CountDocuments(ctx, bson.M{"execution_id": executionID})
		if err != nil {
			return false, fmt.Errorf("failed to check trace existence: %w", err)
		}
		if count == 0 {
			return false, &errors.NotFoundError{Resource: "execution", ID: executionID}
		}
		return false, nil
	}
	return true, nil
}

// UpdateTraceProgress implements store.TraceStore.
func (s *Store) UpdateTraceProgress(ctx context.Context, executionID string, stats execution.Statistics) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collTraces).UpdateOne(ctx,
		bson.M{"execution_id": executionID},
		bson.M{"$set": bson.M{"statistics": stats}})
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if res.MatchedCount == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return nil
}

// SaveEmbeddedSteps implements store.TraceStore.
func (s *Store) SaveEmbeddedSteps(ctx context.Context, executionID string, steps []execution.StepResult) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collTraces).UpdateOne(ctx,
		bson.M{"execution_id": executionID},
		bson.M{"$set": bson.M{"embedded_steps": steps}})
	if err != nil {
		return fmt.Errorf("failed to save embedded steps: %w", err)
	}
	if res.MatchedCount == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return nil
}

// SetTracePartitioning implements store.TraceStore.
func (s *Store) SetTracePartitioning(ctx context.Context, executionID string, partitioned bool, collection string, estimatedSteps int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set := bson.M{
		"is_partitioned":          partitioned,
		"estimated_step_count":    estimatedSteps,
		"step_results_collection": collection,
	}
	if !partitioned {
		set["step_results_collection"] = ""
	}
	res, err := s.db.Collection(collTraces).UpdateOne(ctx,
		bson.M{"execution_id": executionID},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to set partitioning: %w", err)
	}
	if res.MatchedCount == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return nil
}

// SetTraceCompletedAt implements store.TraceStore.
func (s *Store) SetTraceCompletedAt(ctx context.Context, executionID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collTraces).UpdateOne(ctx,
		bson.M{"execution_id": executionID},
		bson.M{"$set": bson.M{"completed_at": at}})
	if err != nil {
		return fmt.Errorf("failed to set completed_at: %w", err)
	}
	if res.MatchedCount == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return nil
}

// AppendExecutionLog implements store.TraceStore.
func (s *Store) AppendExecutionLog(ctx context.Context, executionID string, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collTraces).UpdateOne(ctx,
		bson.M{"execution_id": executionID},
		bson.M{"$push": bson.M{"execution_log": bson.M{"$each": entries}}})
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	if res.MatchedCount == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return nil
}

// SaveStepResult implements store.StepStore.
func (s *Store) SaveStepResult(ctx context.Context, result *execution.StepResult) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collSteps).ReplaceOne(ctx,
		bson.M{"execution_id": result.ExecutionID, "step_id": result.StepID},
		result, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save step result: %w", err)
	}
	return nil
}

// ListStepResults implements store.StepStore.
func (s *Store) ListStepResults(ctx context.Context, executionID string) ([]execution.StepResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.db.Collection(collSteps).Find(ctx,
		bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "step_order", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer cursor.Close(ctx)

	var out []execution.StepResult
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode step results: %w", err)
	}
	return out, nil
}

// AppendStateChange implements store.HistoryStore.
func (s *Store) AppendStateChange(ctx context.Context, change execution.StateChange) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.Collection(collHistory).InsertOne(ctx, change); err != nil {
		return fmt.Errorf("failed to append state change: %w", err)
	}
	return nil
}

// ListStateChanges implements store.HistoryStore.
func (s *Store) ListStateChanges(ctx context.Context, executionID string, limit int) ([]execution.StateChange, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(collHistory).Find(ctx,
		bson.M{"execution_id": executionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list state changes: %w", err)
	}
	defer cursor.Close(ctx)

	var out []execution.StateChange
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode state changes: %w", err)
	}
	return out, nil
}
