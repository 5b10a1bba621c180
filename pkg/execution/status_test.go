package execution

import "testing"

// TestTransitionTable verifies the complete transition table: every allowed
// pair passes and everything else is rejected.
func TestTransitionTable(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:  {StatusQueued, StatusCancelled},
		StatusQueued:   {StatusRunning, StatusCancelled},
		StatusRunning:  {StatusPassed, StatusFailed, StatusCancelled, StatusTimeout},
		StatusFailed:   {StatusRetrying},
		StatusTimeout:  {StatusRetrying},
		StatusRetrying: {StatusQueued, StatusAborted},
	}

	all := []Status{
		StatusPending, StatusQueued, StatusRunning, StatusPassed, StatusFailed,
		StatusCancelled, StatusTimeout, StatusRetrying, StatusAborted,
	}

	isAllowed := func(from, to Status) bool {
		for _, a := range allowed[from] {
			if a == to {
				return true
			}
		}
		return false
	}

	for _, from := range all {
		for _, to := range all {
			want := isAllowed(from, to)
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusPassed, StatusFailed, StatusCancelled, StatusAborted}
	nonTerminal := []Status{StatusPending, StatusQueued, StatusRunning, StatusTimeout, StatusRetrying}

	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPassedCancelledAbortedHaveNoOutgoingEdges(t *testing.T) {
	all := []Status{
		StatusPending, StatusQueued, StatusRunning, StatusPassed, StatusFailed,
		StatusCancelled, StatusTimeout, StatusRetrying, StatusAborted,
	}

	for _, from := range []Status{StatusPassed, StatusCancelled, StatusAborted} {
		for _, to := range all {
			if from.CanTransitionTo(to) {
				t.Errorf("%s should have no outgoing transitions, but allows -> %s", from, to)
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input   string
		want    Status
		wantErr bool
	}{
		{"PENDING", StatusPending, false},
		{"pending", StatusPending, false},
		{"  Running  ", StatusRunning, false},
		{"RETRYING", StatusRetrying, false},
		{"DONE", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStatus(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStatus(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseStatus(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseType(t *testing.T) {
	got, err := ParseType("TEST_CASE")
	if err != nil {
		t.Fatalf("ParseType: %v", err)
	}
	if got != TypeTestCase {
		t.Errorf("ParseType = %v, want %v", got, TypeTestCase)
	}

	if _, err := ParseType("browser"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestStepStatusIsTerminal(t *testing.T) {
	if StepPending.IsTerminal() || StepRunning.IsTerminal() {
		t.Error("PENDING and RUNNING step statuses are not terminal")
	}
	for _, s := range []StepStatus{StepPassed, StepFailed, StepSkipped, StepBlocked, StepWarning} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestQueuePriorityFromTracePriority(t *testing.T) {
	tests := []struct {
		trace int
		want  QueuePriority
	}{
		{1, PriorityCritical},
		{2, PriorityCritical},
		{3, PriorityHigh},
		{5, PriorityNormal},
		{6, PriorityNormal},
		{7, PriorityLow},
		{9, PriorityDeferred},
		{10, PriorityDeferred},
		{0, PriorityCritical},   // clamped up
		{99, PriorityDeferred},  // clamped down
	}

	for _, tt := range tests {
		if got := QueuePriorityFromTracePriority(tt.trace); got != tt.want {
			t.Errorf("QueuePriorityFromTracePriority(%d) = %d, want %d", tt.trace, got, tt.want)
		}
	}
}
