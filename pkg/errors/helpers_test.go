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
	"strings"
	"testing"

	crucibleerrors "github.com/crucible-dev/crucible/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps non-nil error", func(t *testing.T) {
		base := errors.New("connection refused")
		wrapped := crucibleerrors.Wrap(base, "pinging store")

		if wrapped == nil {
			t.Fatal("expected wrapped error, got nil")
		}
		if !strings.Contains(wrapped.Error(), "pinging store") {
			t.Errorf("wrapped error missing context: %v", wrapped)
		}
		if !errors.Is(wrapped, base) {
			t.Error("errors.Is should find the base error")
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		if got := crucibleerrors.Wrap(nil, "context"); got != nil {
			t.Errorf("Wrap(nil) = %v, want nil", got)
		}
	})
}

func TestWrapf(t *testing.T) {
	base := errors.New("row locked")
	wrapped := crucibleerrors.Wrapf(base, "updating trace %s", "abc123")

	if !strings.Contains(wrapped.Error(), "updating trace abc123") {
		t.Errorf("wrapped error missing formatted context: %v", wrapped)
	}
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is should find the base error")
	}

	if got := crucibleerrors.Wrapf(nil, "anything %d", 42); got != nil {
		t.Errorf("Wrapf(nil) = %v, want nil", got)
	}
}

func TestPredicates(t *testing.T) {
	notFound := &crucibleerrors.NotFoundError{Resource: "execution", ID: "x"}
	wrapped := crucibleerrors.Wrap(notFound, "fetching")

	if !crucibleerrors.IsNotFound(wrapped) {
		t.Error("IsNotFound should see through wrapping")
	}
	if crucibleerrors.IsNotFound(errors.New("plain")) {
		t.Error("IsNotFound should reject unrelated errors")
	}

	conflict := crucibleerrors.Wrap(&crucibleerrors.ConflictError{Resource: "execution", ID: "x", Reason: "stale"}, "transition")
	if !crucibleerrors.IsConflict(conflict) {
		t.Error("IsConflict should see through wrapping")
	}
	if crucibleerrors.IsConflict(notFound) {
		t.Error("IsConflict should reject NotFoundError")
	}

	illegal := &crucibleerrors.StateTransitionError{From: "PASSED", To: "RUNNING"}
	if !crucibleerrors.IsStateTransition(illegal) {
		t.Error("IsStateTransition should match StateTransitionError")
	}

	var asTarget *crucibleerrors.NotFoundError
	if !crucibleerrors.As(wrapped, &asTarget) {
		t.Fatal("As should extract the typed error")
	}
	if asTarget.ID != "x" {
		t.Errorf("extracted ID = %q, want %q", asTarget.ID, "x")
	}
}
