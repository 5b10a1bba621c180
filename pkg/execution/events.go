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

import (
	"fmt"
	"time"
)

// EventType classifies state events.
type EventType string

const (
	// EventStateChange is emitted after every CAS-successful status update.
	EventStateChange EventType = "STATE_CHANGE"
	// EventProgressUpdate is emitted on statistics updates and as a
	// synthetic heartbeat on idle subscriptions.
	EventProgressUpdate EventType = "PROGRESS_UPDATE"
)

// StateChangeEvent is the message fanned out to subscribers whenever a
// trace's status changes or its progress updates.
type StateChangeEvent struct {
	EventID     string         `json:"event_id" bson:"event_id"`
	EventType   EventType      `json:"event_type" bson:"event_type"`
	ExecutionID string         `json:"execution_id" bson:"execution_id"`
	Timestamp   time.Time      `json:"timestamp" bson:"timestamp"`
	Data        map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	UserID      string         `json:"user_id,omitempty" bson:"user_id,omitempty"`
}

// NewEvent composes an event with its deterministic identifier:
// execution id, timestamp, and event type.
func NewEvent(eventType EventType, executionID string, at time.Time) StateChangeEvent {
	return StateChangeEvent{
		EventID:     fmt.Sprintf("%s-%d-%s", executionID, at.UnixNano(), eventType),
		EventType:   eventType,
		ExecutionID: executionID,
		Timestamp:   at,
	}
}
