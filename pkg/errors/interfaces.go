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

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for retry logic, error reporting, or specific handling paths.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "not_found", "timeout", "conflict"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier. Validation failures are permanent.
func (e *ValidationError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *StateTransitionError) ErrorType() string { return "state_transition" }

// IsRetryable implements ErrorClassifier. The transition table is fixed.
func (e *StateTransitionError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable implements ErrorClassifier. A CAS miss may succeed on re-read.
func (e *ConflictError) IsRetryable() bool { return true }

// ErrorType implements ErrorClassifier.
func (e *ExecutionError) ErrorType() string { return "execution" }

// IsRetryable implements ErrorClassifier.
func (e *ExecutionError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *StepExecutionError) ErrorType() string { return "step_execution" }

// IsRetryable implements ErrorClassifier. Step retries are governed by the
// step's own retry budget, not by the error.
func (e *StepExecutionError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// ErrorType implements ErrorClassifier.
func (e *ResourceError) ErrorType() string { return "resource" }

// IsRetryable implements ErrorClassifier.
func (e *ResourceError) IsRetryable() bool { return e.Temporary }

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }
