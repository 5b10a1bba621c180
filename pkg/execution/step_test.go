package execution

import (
	"testing"
	"time"
)

func TestStepResultValidate(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Second)

	valid := func() *StepResult {
		return &StepResult{
			StepID:      "s1",
			StepName:    "click login",
			StepOrder:   0,
			Status:      StepPassed,
			StartedAt:   &earlier,
			CompletedAt: &now,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*StepResult)
		wantErr bool
	}{
		{"valid", func(r *StepResult) {}, false},
		{"missing step id", func(r *StepResult) { r.StepID = "" }, true},
		{"negative order", func(r *StepResult) { r.StepOrder = -1 }, true},
		{"failed without details", func(r *StepResult) { r.Status = StepFailed }, true},
		{"failed with details", func(r *StepResult) {
			r.Status = StepFailed
			r.ErrorDetails = &StepErrorDetails{Type: "AssertionError", Message: "mismatch"}
		}, false},
		{"terminal without completion", func(r *StepResult) { r.CompletedAt = nil }, true},
		{"pending without completion", func(r *StepResult) {
			r.Status = StepPending
			r.CompletedAt = nil
		}, false},
		{"completion precedes start", func(r *StepResult) {
			r.StartedAt = &now
			r.CompletedAt = &earlier
		}, true},
		{"negative retry count", func(r *StepResult) { r.RetryCount = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStepResultFinalize(t *testing.T) {
	start := time.Now()
	end := start.Add(1500 * time.Millisecond)

	r := &StepResult{StepID: "s1", Status: StepRunning, StartedAt: &start}
	r.Finalize(StepPassed, end)

	if r.Status != StepPassed {
		t.Errorf("status = %s, want PASSED", r.Status)
	}
	if r.CompletedAt == nil || !r.CompletedAt.Equal(end) {
		t.Error("completed_at must be stamped")
	}
	if r.DurationMS != 1500 {
		t.Errorf("duration = %d, want 1500", r.DurationMS)
	}
}

func TestStepResultFinalizeWithoutStart(t *testing.T) {
	r := &StepResult{StepID: "s1", Status: StepPending}
	r.Finalize(StepSkipped, time.Now())

	if r.DurationMS != 0 {
		t.Errorf("duration without start = %d, want 0", r.DurationMS)
	}
}

func TestStepResultClone(t *testing.T) {
	now := time.Now()
	r := &StepResult{
		StepID:       "s1",
		Status:       StepFailed,
		CompletedAt:  &now,
		InputData:    map[string]any{"url": "/login"},
		ErrorDetails: &StepErrorDetails{Type: "TimeoutError", Message: "slow", Context: map[string]any{"ms": 9000}},
		Warnings:     []string{"retried once"},
	}

	cp := r.Clone()
	cp.InputData["url"] = "/changed"
	cp.ErrorDetails.Message = "changed"
	cp.ErrorDetails.Context["ms"] = 1
	cp.Warnings[0] = "changed"

	if r.InputData["url"] != "/login" {
		t.Error("clone shares input data")
	}
	if r.ErrorDetails.Message != "slow" {
		t.Error("clone shares error details")
	}
	if r.ErrorDetails.Context["ms"] != 9000 {
		t.Error("clone shares error context")
	}
	if r.Warnings[0] != "retried once" {
		t.Error("clone shares warnings")
	}
}
