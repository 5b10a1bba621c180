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

package errors_test

import (
	"errors"
	"testing"
	"time"

	crucibleerrors "github.com/crucible-dev/crucible/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *crucibleerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &crucibleerrors.ValidationError{
				Field:   "page_size",
				Value:   101,
				Message: "must be between 1 and 100",
			},
			wantMsg: "validation failed on page_size: must be between 1 and 100",
		},
		{
			name: "without field",
			err: &crucibleerrors.ValidationError{
				Message: "invalid execution id format",
			},
			wantMsg: "validation failed: invalid execution id format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &crucibleerrors.NotFoundError{
		Resource: "execution",
		ID:       "507f1f77bcf86cd799439011",
	}
	want := "execution not found: 507f1f77bcf86cd799439011"
	if got := err.Error(); got != want {
		t.Errorf("NotFoundError.Error() = %q, want %q", got, want)
	}
}

func TestStateTransitionError_Error(t *testing.T) {
	err := &crucibleerrors.StateTransitionError{
		ExecutionID: "507f1f77bcf86cd799439011",
		From:        "PASSED",
		To:          "RUNNING",
	}
	want := "illegal state transition for 507f1f77bcf86cd799439011: PASSED -> RUNNING"
	if got := err.Error(); got != want {
		t.Errorf("StateTransitionError.Error() = %q, want %q", got, want)
	}
}

func TestExecutionError_Unwrap(t *testing.T) {
	cause := errors.New("loader unavailable")
	err := &crucibleerrors.ExecutionError{
		ExecutionID: "abc",
		Op:          "load test case",
		Message:     "catalog unreachable",
		Cause:       cause,
	}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause through ExecutionError")
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &crucibleerrors.TimeoutError{
		Operation: "execution",
		Duration:  30 * time.Second,
	}
	want := "execution operation timed out after 30s"
	if got := err.Error(); got != want {
		t.Errorf("TimeoutError.Error() = %q, want %q", got, want)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           crucibleerrors.ErrorClassifier
		wantType      string
		wantRetryable bool
	}{
		{
			name:          "validation is permanent",
			err:           &crucibleerrors.ValidationError{Message: "bad"},
			wantType:      "validation",
			wantRetryable: false,
		},
		{
			name:          "conflict is retryable",
			err:           &crucibleerrors.ConflictError{Resource: "execution", ID: "x", Reason: "stale status"},
			wantType:      "conflict",
			wantRetryable: true,
		},
		{
			name:          "timeout is retryable",
			err:           &crucibleerrors.TimeoutError{Operation: "step", Duration: time.Second},
			wantType:      "timeout",
			wantRetryable: true,
		},
		{
			name:          "state transition is permanent",
			err:           &crucibleerrors.StateTransitionError{From: "PASSED", To: "RUNNING"},
			wantType:      "state_transition",
			wantRetryable: false,
		},
		{
			name:          "temporary resource error is retryable",
			err:           &crucibleerrors.ResourceError{Resource: "queue", Reason: "paused", Temporary: true},
			wantType:      "resource",
			wantRetryable: true,
		},
		{
			name:          "permanent resource error is not retryable",
			err:           &crucibleerrors.ResourceError{Resource: "queue", Reason: "cleared", Temporary: false},
			wantType:      "resource",
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.ErrorType(); got != tt.wantType {
				t.Errorf("ErrorType() = %q, want %q", got, tt.wantType)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetryable)
			}
		})
	}
}
