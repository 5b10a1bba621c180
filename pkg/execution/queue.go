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

package execution

import "time"

// QueueItem is the scheduling row for one live execution. The trace is the
// system of record for outcome; the queue item is the system of record for
// scheduling. The lease marker (ProcessingStartedAt) doubles as the
// mutual-exclusion token between workers.
type QueueItem struct {
	ID          string        `json:"id" bson:"id"`
	ExecutionID string        `json:"execution_id" bson:"execution_id"`
	Type        Type          `json:"execution_type" bson:"execution_type"`
	Priority    QueuePriority `json:"priority" bson:"priority"`

	// Payload is an opaque envelope handed back to the orchestrator.
	Payload map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`

	QueuedAt    time.Time `json:"queued_at" bson:"queued_at"`
	ScheduledAt time.Time `json:"scheduled_at" bson:"scheduled_at"`

	RetryCount int `json:"retry_count" bson:"retry_count"`
	MaxRetries int `json:"max_retries" bson:"max_retries"`

	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty" bson:"processing_started_at,omitempty"`
	LastError           string     `json:"last_error,omitempty" bson:"last_error,omitempty"`
}

// Leased reports whether a worker currently owns the item.
func (q *QueueItem) Leased() bool {
	return q.ProcessingStartedAt != nil
}

// LeaseExpired reports whether the lease is older than the processing
// timeout as of now.
func (q *QueueItem) LeaseExpired(now time.Time, processingTimeout time.Duration) bool {
	return q.ProcessingStartedAt != nil && q.ProcessingStartedAt.Before(now.Add(-processingTimeout))
}

// Clone returns a deep copy of the queue item.
func (q *QueueItem) Clone() *QueueItem {
	if q == nil {
		return nil
	}
	out := *q
	if q.ProcessingStartedAt != nil {
		v := *q.ProcessingStartedAt
		out.ProcessingStartedAt = &v
	}
	out.Payload = cloneMap(q.Payload)
	return &out
}

// DeadLetter is a snapshot of a queue item removed from scheduling,
// preserved for forensics.
type DeadLetter struct {
	Item          QueueItem `json:"item" bson:"item"`
	MovedAt       time.Time `json:"moved_at" bson:"moved_at"`
	FailureReason string    `json:"failure_reason" bson:"failure_reason"`
}

// QueueState is whether the queue hands out work.
type QueueState string

const (
	// QueueActive means dequeue returns ready items.
	QueueActive QueueState = "ACTIVE"
	// QueuePaused means dequeue returns nothing until resumed.
	QueuePaused QueueState = "PAUSED"
)

// QueueStatus is a point-in-time summary of the queue.
type QueueStatus struct {
	State             QueueState            `json:"state" bson:"state"`
	TotalQueued       int                   `json:"total_queued" bson:"total_queued"`
	InFlight          int                   `json:"in_flight" bson:"in_flight"`
	PriorityCounts    map[QueuePriority]int `json:"priority_counts,omitempty" bson:"priority_counts,omitempty"`
	OldestQueuedAt    *time.Time            `json:"oldest_queued_at,omitempty" bson:"oldest_queued_at,omitempty"`
	DeadLetterCount   int                   `json:"dead_letter_count" bson:"dead_letter_count"`
	ByExecutionType   map[Type]int          `json:"by_execution_type,omitempty" bson:"by_execution_type,omitempty"`
	ProcessingTimeout time.Duration         `json:"-" bson:"-"`
}
