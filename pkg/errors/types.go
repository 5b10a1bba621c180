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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid request fields, malformed identifiers, or
// out-of-range values. Never retried.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Value is the rejected value, when safe to echo back
	Value any

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "execution", "queue item")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// StateTransitionError represents an illegal status transition request.
// The transition table is fixed; a request outside it is a business error,
// never retried.
type StateTransitionError struct {
	// ExecutionID identifies the execution whose transition was rejected
	ExecutionID string

	// From is the status the execution was in
	From string

	// To is the requested target status
	To string
}

// Error implements the error interface.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition for %s: %s -> %s", e.ExecutionID, e.From, e.To)
}

// ConflictError represents an optimistic-concurrency failure: a
// compare-and-set observed a stale value and modified nothing.
// Callers may retry after re-reading.
type ConflictError struct {
	// Resource is the type of resource (e.g., "execution")
	Resource string

	// ID is the contended identifier
	ID string

	// Reason explains what was stale
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

// ExecutionError represents a business-level orchestration failure:
// a missing loader artifact, a runner that rejected the test case, or
// an execution that cannot proceed.
type ExecutionError struct {
	// ExecutionID identifies the affected execution
	ExecutionID string

	// Op is the operation that failed (e.g., "load test case", "orchestrate")
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecutionID, e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// StepExecutionError represents a failure inside a single step.
// It is carried inside the step's result rather than surfaced over HTTP,
// unless it aborts the whole run.
type StepExecutionError struct {
	// StepID identifies the failed step
	StepID string

	// StepName is the human-readable step name
	StepName string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StepExecutionError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("step %s (%s) failed: %s", e.StepID, e.StepName, e.Message)
	}
	return fmt.Sprintf("step %s failed: %s", e.StepID, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "execution", "step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ResourceError represents a scheduling-resource problem: the queue is
// paused or full, or the engine is draining. Depending on the cause it maps
// to a client error or a retry-later condition.
type ResourceError struct {
	// Resource is the contended resource (e.g., "queue")
	Resource string

	// Reason explains why the resource is unavailable
	Reason string

	// Temporary reports whether waiting and retrying may succeed
	Temporary bool
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s unavailable: %s", e.Resource, e.Reason)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "queue.poll_interval")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
