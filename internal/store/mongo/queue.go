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

package mongo

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// EnqueueItem implements store.QueueStore.
func (s *Store) EnqueueItem(ctx context.Context, item *execution.QueueItem) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collQueue).InsertOne(ctx, item)
	if mongodriver.IsDuplicateKeyError(err) {
		return &errors.ConflictError{Resource: "queue item", ID: item.ExecutionID, Reason: "already queued"}
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	return nil
}

// GetQueueItem implements store.QueueStore.
func (s *Store) GetQueueItem(ctx context.Context, executionID string) (*execution.QueueItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var item execution.QueueItem
	err := s.db.Collection(collQueue).
		FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&item)
	if stderrors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return &item, nil
}

// LeaseNextItem implements store.QueueStore. FindOneAndUpdate selects the
// winner and writes the lease marker in a single atomic operation, so this
// backend supports multiple concurrent worker processes.
func (s *Store) LeaseNextItem(ctx context.Context, now time.Time) (*execution.QueueItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var item execution.QueueItem
	err := s.db.Collection(collQueue).FindOneAndUpdate(ctx,
		bson.M{
			"processing_started_at": nil,
			"scheduled_at":          bson.M{"$lte": now},
		},
		bson.M{"$set": bson.M{"processing_started_at": now}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "scheduled_at", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&item)
	if stderrors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease queue item: %w", err)
	}
	return &item, nil
}

// ReleaseForRetry implements store.QueueStore.
func (s *Store) ReleaseForRetry(ctx context.Context, executionID string, retryCount int, scheduledAt time.Time, lastError string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collQueue).UpdateOne(ctx,
		bson.M{"execution_id": executionID},
		bson.M{"$set": bson.M{
			"retry_count":           retryCount,
			"scheduled_at":          scheduledAt,
			"processing_started_at": nil,
			"last_error":            lastError,
		}})
	if err != nil {
		return fmt.Errorf("failed to release item for retry: %w", err)
	}
	if res.MatchedCount == 0 {
		return &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	return nil
}

// DeleteQueueItem implements store.QueueStore.
func (s *Store) DeleteQueueItem(ctx context.Context, executionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collQueue).DeleteOne(ctx, bson.M{"execution_id": executionID})
	if err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	if res.DeletedCount == 0 {
		return &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	return nil
}

// MoveToDeadLetter implements store.QueueStore. The claim is the atomic
// step: FindOneAndDelete removes the queue row and at most one caller gets
// the document, which then lands in the dead-letter collection.
func (s *Store) MoveToDeadLetter(ctx context.Context, executionID, reason string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var item execution.QueueItem
	err := s.db.Collection(collQueue).
		FindOneAndDelete(ctx, bson.M{"execution_id": executionID}).Decode(&item)
	if stderrors.Is(err, mongodriver.ErrNoDocuments) {
		return &errors.NotFoundError{Resource: "queue item", ID: executionID}
	}
	if err != nil {
		return fmt.Errorf("failed to claim queue item: %w", err)
	}

	dl := execution.DeadLetter{Item: item, MovedAt: at, FailureReason: reason}
	if _, err := s.db.Collection(collDeadLetters).ReplaceOne(ctx,
		bson.M{"item.execution_id": executionID}, dl,
		options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// ExpiredLeases implements store.QueueStore.
func (s *Store) ExpiredLeases(ctx context.Context, cutoff time.Time) ([]*execution.QueueItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.db.Collection(collQueue).Find(ctx, bson.M{
		"processing_started_at": bson.M{"$ne": nil, "$lt": cutoff},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query expired leases: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*execution.QueueItem
	for cursor.Next(ctx) {
		var item execution.QueueItem
		if err := cursor.Decode(&item); err != nil {
			return nil, fmt.Errorf("failed to decode queue item: %w", err)
		}
		out = append(out, &item)
	}
	return out, cursor.Err()
}

// QueueCounts implements store.QueueStore.
func (s *Store) QueueCounts(ctx context.Context) (store.QueueCounts, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	counts := store.QueueCounts{
		PriorityCounts: make(map[execution.QueuePriority]int),
		ByType:         make(map[execution.Type]int),
	}

	cursor, err := s.db.Collection(collQueue).Find(ctx, bson.M{})
	if err != nil {
		return counts, fmt.Errorf("failed to query queue: %w", err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var item execution.QueueItem
		if err := cursor.Decode(&item); err != nil {
			return counts, fmt.Errorf("failed to decode queue item: %w", err)
		}
		if item.Leased() {
			counts.InFlight++
			continue
		}
		counts.TotalQueued++
		counts.PriorityCounts[item.Priority]++
		counts.ByType[item.Type]++
		if counts.OldestQueuedAt == nil || item.QueuedAt.Before(*counts.OldestQueuedAt) {
			at := item.QueuedAt
			counts.OldestQueuedAt = &at
		}
	}
	if err := cursor.Err(); err != nil {
		return counts, err
	}

	deadLetters, err := s.db.Collection(collDeadLetters).CountDocuments(ctx, bson.M{})
	if err != nil {
		return counts, fmt.Errorf("failed to count dead letters: %w", err)
	}
	counts.DeadLetters = int(deadLetters)
	return counts, nil
}

// ClearQueue implements store.QueueStore.
func (s *Store) ClearQueue(ctx context.Context, execType *execution.Type) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"processing_started_at": nil}
	if execType != nil {
		filter["execution_type"] = *execType
	}
	res, err := s.db.Collection(collQueue).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	return int(res.DeletedCount), nil
}

// ListDeadLetters implements store.QueueStore.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]execution.DeadLetter, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "moved_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(collDeadLetters).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	var out []execution.DeadLetter
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode dead letters: %w", err)
	}
	return out, nil
}

// GetQueueState implements store.QueueStore.
func (s *Store) GetQueueState(ctx context.Context) (execution.QueueState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc struct {
		State string `bson:"state"`
	}
	err := s.db.Collection(collControl).FindOne(ctx, bson.M{"_id": "control"}).Decode(&doc)
	if stderrors.Is(err, mongodriver.ErrNoDocuments) {
		return execution.QueueActive, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read queue state: %w", err)
	}
	return execution.QueueState(doc.State), nil
}

// SetQueueState implements store.QueueStore.
func (s *Store) SetQueueState(ctx context.Context, state execution.QueueState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collControl).UpdateOne(ctx,
		bson.M{"_id": "control"},
		bson.M{"$set": bson.M{"state": string(state)}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to set queue state: %w", err)
	}
	return nil
}

// SaveResult implements store.ResultStore.
func (s *Store) SaveResult(ctx context.Context, result *execution.ProcessedResult) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collResults).ReplaceOne(ctx,
		bson.M{"execution_id": result.ExecutionID}, result,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// GetResult implements store.ResultStore.
func (s *Store) GetResult(ctx context.Context, executionID string) (*execution.ProcessedResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var result execution.ProcessedResult
	err := s.db.Collection(collResults).
		FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&result)
	if stderrors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, &errors.NotFoundError{Resource: "result", ID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return &result, nil
}

// SaveSuiteResult implements store.ResultStore.
func (s *Store) SaveSuiteResult(ctx context.Context, result *execution.SuiteResult) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collSuites).ReplaceOne(ctx,
		bson.M{"execution_id": result.ExecutionID}, result,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save suite result: %w", err)
	}
	return nil
}

// GetSuiteResult implements store.ResultStore.
func (s *Store) GetSuiteResult(ctx context.Context, executionID string) (*execution.SuiteResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var result execution.SuiteResult
	err := s.db.Collection(collSuites).
		FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&result)
	if stderrors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, &errors.NotFoundError{Resource: "suite result", ID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suite result: %w", err)
	}
	return &result, nil
}

// RecordMetric implements store.MetricStore.
func (s *Store) RecordMetric(ctx context.Context, m execution.Metric) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.Collection(collMetrics).InsertOne(ctx, m); err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}

// ListMetrics implements store.MetricStore.
func (s *Store) ListMetrics(ctx context.Context, name string, since time.Time) ([]execution.Metric, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"timestamp": bson.M{"$gte": since}}
	if name != "" {
		filter["name"] = name
	}
	cursor, err := s.db.Collection(collMetrics).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer cursor.Close(ctx)

	var out []execution.Metric
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}
	return out, nil
}

// PruneMetrics implements store.MetricStore.
func (s *Store) PruneMetrics(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collMetrics).DeleteMany(ctx,
		bson.M{"timestamp": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("failed to prune metrics: %w", err)
	}
	return int(res.DeletedCount), nil
}

// RecordHealthChecks implements store.HealthStore.
func (s *Store) RecordHealthChecks(ctx context.Context, checks []execution.HealthCheck) error {
	if len(checks) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	docs := make([]any, len(checks))
	for i := range checks {
		docs[i] = checks[i]
	}
	if _, err := s.db.Collection(collHealth).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to record health checks: %w", err)
	}
	return nil
}

// LatestHealthChecks implements store.HealthStore.
func (s *Store) LatestHealthChecks(ctx context.Context) ([]execution.HealthCheck, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	pipeline := mongodriver.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "checked_at", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$component"},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "component", Value: 1}}}},
	}
	cursor, err := s.db.Collection(collHealth).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate health checks: %w", err)
	}
	defer cursor.Close(ctx)

	var out []execution.HealthCheck
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode health checks: %w", err)
	}
	return out, nil
}

// PruneHealthChecks implements store.HealthStore.
func (s *Store) PruneHealthChecks(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collHealth).DeleteMany(ctx,
		bson.M{"checked_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("failed to prune health checks: %w", err)
	}
	return int(res.DeletedCount), nil
}

// InsertAlert implements store.AlertStore.
func (s *Store) InsertAlert(ctx context.Context, a execution.Alert) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.Collection(collAlerts).InsertOne(ctx, a); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ListAlerts implements store.AlertStore.
func (s *Store) ListAlerts(ctx context.Context, unacknowledgedOnly bool, limit int) ([]execution.Alert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if unacknowledgedOnly {
		filter["acknowledged"] = false
	}
	opts := options.Find().SetSort(bson.D{{Key: "generated_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(collAlerts).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer cursor.Close(ctx)

	var out []execution.Alert
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode alerts: %w", err)
	}
	return out, nil
}

// AcknowledgeAlert implements store.AlertStore.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collAlerts).UpdateOne(ctx,
		bson.M{"id": alertID},
		bson.M{"$set": bson.M{"acknowledged": true}})
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if res.MatchedCount == 0 {
		return &errors.NotFoundError{Resource: "alert", ID: alertID}
	}
	return nil
}
