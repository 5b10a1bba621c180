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

// Package execution defines the domain model of the test execution engine:
// execution traces, the status state machine, step results, queue items,
// state-change events, and monitoring records.
package execution

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle state of an execution trace.
type Status string

const (
	// StatusPending means the trace exists but has not been queued yet.
	StatusPending Status = "PENDING"
	// StatusQueued means a queue item exists and the execution awaits a worker.
	StatusQueued Status = "QUEUED"
	// StatusRunning means an orchestrator owns the execution.
	StatusRunning Status = "RUNNING"
	// StatusPassed is the successful terminal state.
	StatusPassed Status = "PASSED"
	// StatusFailed means the run ended with at least one failure.
	// Terminal for retention, but may still progress to RETRYING.
	StatusFailed Status = "FAILED"
	// StatusCancelled means a user stopped the execution.
	StatusCancelled Status = "CANCELLED"
	// StatusTimeout means the run-level deadline was exceeded.
	// Transient: must progress to RETRYING or be treated as FAILED by policy.
	StatusTimeout Status = "TIMEOUT"
	// StatusRetrying means the queue layer is re-scheduling the execution.
	StatusRetrying Status = "RETRYING"
	// StatusAborted means the retry budget was exhausted.
	StatusAborted Status = "ABORTED"
)

// transitions is the complete transition table. A status missing from the
// map has no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:  {StatusQueued, StatusCancelled},
	StatusQueued:   {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusPassed, StatusFailed, StatusCancelled, StatusTimeout},
	StatusFailed:   {StatusRetrying},
	StatusTimeout:  {StatusRetrying},
	StatusRetrying: {StatusQueued, StatusAborted},
}

// terminalStatuses is the terminal set for billing and retention purposes.
// FAILED is terminal yet keeps an outgoing edge to RETRYING; TIMEOUT is
// transient and not in the set.
var terminalStatuses = map[Status]bool{
	StatusPassed:    true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusAborted:   true,
}

// CanTransitionTo reports whether the transition s -> to is in the table.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is in the terminal set.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusPassed, StatusFailed,
		StatusCancelled, StatusTimeout, StatusRetrying, StatusAborted:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// ParseStatus converts a string to a Status, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown execution status: %q", s)
	}
	return st, nil
}

// StepStatus represents the outcome state of a single step.
type StepStatus string

const (
	// StepPending means the step has not started.
	StepPending StepStatus = "PENDING"
	// StepRunning means the step is executing.
	StepRunning StepStatus = "RUNNING"
	// StepPassed means the step completed and its verification held.
	StepPassed StepStatus = "PASSED"
	// StepFailed means the step completed with an error or failed verification.
	StepFailed StepStatus = "FAILED"
	// StepSkipped means the step was not run (fail-fast or cancellation).
	StepSkipped StepStatus = "SKIPPED"
	// StepBlocked means a precondition kept the step from running.
	StepBlocked StepStatus = "BLOCKED"
	// StepWarning means the step completed with non-fatal findings.
	StepWarning StepStatus = "WARNING"
)

// IsTerminal reports whether the step status is final.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepPassed, StepFailed, StepSkipped, StepBlocked, StepWarning:
		return true
	}
	return false
}

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepPassed, StepFailed, StepSkipped, StepBlocked, StepWarning:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s StepStatus) String() string {
	return string(s)
}

// Type represents the kind of execution.
type Type string

const (
	// TypeTestCase runs one test case.
	TypeTestCase Type = "test_case"
	// TypeTestSuite runs a suite of test cases.
	TypeTestSuite Type = "test_suite"
	// TypeManual runs a manually driven session.
	TypeManual Type = "manual"
	// TypeBatch runs an ad-hoc batch.
	TypeBatch Type = "batch"
	// TypeCICD runs a pipeline-triggered execution.
	TypeCICD Type = "ci_cd"
)

// Valid reports whether t is a known execution type.
func (t Type) Valid() bool {
	switch t {
	case TypeTestCase, TypeTestSuite, TypeManual, TypeBatch, TypeCICD:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (t Type) String() string {
	return string(t)
}

// ParseType converts a string to a Type, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown execution type: %q", s)
	}
	return t, nil
}

// QueuePriority orders queue items; lower dequeues first.
type QueuePriority int

const (
	// PriorityCritical preempts everything else.
	PriorityCritical QueuePriority = 1
	// PriorityHigh is for user-facing urgent runs.
	PriorityHigh QueuePriority = 2
	// PriorityNormal is the default.
	PriorityNormal QueuePriority = 3
	// PriorityLow is for background runs.
	PriorityLow QueuePriority = 4
	// PriorityDeferred runs only when the queue is otherwise idle.
	PriorityDeferred QueuePriority = 5
)

// Valid reports whether p is within the queue priority range.
func (p QueuePriority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityDeferred
}

// QueuePriorityFromTracePriority maps the trace priority range [1..10]
// (1 highest) onto the queue priority range [1..5].
func QueuePriorityFromTracePriority(p int) QueuePriority {
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return QueuePriority((p + 1) / 2)
}
