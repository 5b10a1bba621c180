package execution

import (
	"testing"
	"time"
)

func TestNewTraceDefaults(t *testing.T) {
	tr := NewTrace(TypeTestCase, "user-1")

	if !IsValidID(tr.ExecutionID) {
		t.Errorf("NewTrace produced invalid execution id %q", tr.ExecutionID)
	}
	if tr.Status != StatusPending {
		t.Errorf("new trace status = %s, want PENDING", tr.Status)
	}
	if tr.StepCountThreshold != DefaultStepCountThreshold {
		t.Errorf("threshold = %d, want %d", tr.StepCountThreshold, DefaultStepCountThreshold)
	}
	if tr.Priority != DefaultTracePriority {
		t.Errorf("priority = %d, want %d", tr.Priority, DefaultTracePriority)
	}
	if tr.TriggeredAt.IsZero() || tr.LastStateChange.IsZero() {
		t.Error("trigger timestamps must be set")
	}
}

func TestTraceValidate(t *testing.T) {
	valid := func() *Trace {
		tr := NewTrace(TypeTestCase, "user-1")
		tr.TestCaseID = "TC_1"
		return tr
	}

	tests := []struct {
		name    string
		mutate  func(*Trace)
		wantErr bool
	}{
		{"valid test case", func(tr *Trace) {}, false},
		{"bad id", func(tr *Trace) { tr.ExecutionID = "not-hex" }, true},
		{"missing case id", func(tr *Trace) { tr.TestCaseID = "" }, true},
		{"both ids set", func(tr *Trace) { tr.TestSuiteID = "TS_1" }, true},
		{"missing user", func(tr *Trace) { tr.TriggeredBy = "" }, true},
		{"priority too low", func(tr *Trace) { tr.Priority = 0 }, true},
		{"priority too high", func(tr *Trace) { tr.Priority = 11 }, true},
		{"too many tags", func(tr *Trace) {
			tr.Tags = make([]string, MaxTags+1)
		}, true},
		{"partitioned with embedded steps", func(tr *Trace) {
			tr.IsPartitioned = true
			tr.EmbeddedSteps = []StepResult{{StepID: "s1"}}
		}, true},
		{"step timeout equals run timeout", func(tr *Trace) {
			tr.Config.TimeoutMS = 5000
			tr.Config.StepTimeoutMS = 5000
		}, true},
		{"step timeout below run timeout", func(tr *Trace) {
			tr.Config.TimeoutMS = 5000
			tr.Config.StepTimeoutMS = 1000
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := valid()
			tt.mutate(tr)
			err := tr.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSuiteTraceValidate(t *testing.T) {
	tr := NewTrace(TypeTestSuite, "user-1")
	tr.TestSuiteID = "TS_9"
	if err := tr.Validate(); err != nil {
		t.Errorf("suite trace should validate: %v", err)
	}

	tr.TestCaseID = "TC_1"
	if err := tr.Validate(); err == nil {
		t.Error("suite trace with test_case_id should fail validation")
	}
}

func TestApplyPartitioning(t *testing.T) {
	tests := []struct {
		name        string
		estimated   int
		threshold   int
		partitioned bool
	}{
		{"below threshold embeds", 49, 50, false},
		{"at threshold partitions", 50, 50, true},
		{"above threshold partitions", 200, 50, true},
		{"zero threshold falls back to default", DefaultStepCountThreshold, 0, true},
		{"small run with zero threshold", 3, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTrace(TypeTestCase, "u")
			tr.TestCaseID = "TC"
			tr.StepCountThreshold = tt.threshold
			tr.EstimatedStepCount = tt.estimated
			tr.ApplyPartitioning("step_results")

			if tr.IsPartitioned != tt.partitioned {
				t.Errorf("IsPartitioned = %v, want %v", tr.IsPartitioned, tt.partitioned)
			}
			if tt.partitioned {
				if tr.StepsCollection != "step_results" {
					t.Errorf("StepsCollection = %q, want step_results", tr.StepsCollection)
				}
				if tr.EmbeddedSteps != nil {
					t.Error("partitioned trace must not carry embedded steps")
				}
			} else if tr.StepsCollection != "" {
				t.Errorf("embedded trace must not name a steps collection, got %q", tr.StepsCollection)
			}
		})
	}
}

func TestAppendHistoryCap(t *testing.T) {
	tr := NewTrace(TypeTestCase, "u")
	for i := 0; i < MaxInlineHistory+5; i++ {
		tr.AppendHistory(StateChange{OldStatus: StatusPending, NewStatus: StatusQueued, Timestamp: time.Now()})
	}
	if len(tr.RecentHistory) != MaxInlineHistory {
		t.Errorf("inline history length = %d, want %d", len(tr.RecentHistory), MaxInlineHistory)
	}
}

func TestStatisticsRecalculate(t *testing.T) {
	s := Statistics{
		TotalSteps:     4,
		CompletedSteps: 2,
		PassedSteps:    1,
		FailedSteps:    1,
	}
	s.Recalculate()

	if s.ProgressPercent != 50.0 {
		t.Errorf("progress = %v, want 50.0", s.ProgressPercent)
	}
	if s.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", s.SuccessRate)
	}
	if s.ErrorRate != 0.5 {
		t.Errorf("error rate = %v, want 0.5", s.ErrorRate)
	}
}

func TestStatisticsRecalculateEmpty(t *testing.T) {
	var s Statistics
	s.Recalculate()

	if s.ProgressPercent != 0 || s.SuccessRate != 0 {
		t.Error("empty statistics should stay zero, not divide by zero")
	}
}

func TestTraceClone(t *testing.T) {
	now := time.Now()
	tr := NewTrace(TypeTestCase, "u")
	tr.TestCaseID = "TC"
	tr.StartedAt = &now
	tr.Tags = []string{"smoke"}
	tr.Metadata = map[string]any{"k": "v"}
	tr.EmbeddedSteps = []StepResult{{StepID: "s1", StepName: "one", Status: StepPassed, CompletedAt: &now}}
	tr.Context.CustomProperties = map[string]string{"region": "eu"}

	cp := tr.Clone()

	cp.Tags[0] = "changed"
	cp.Metadata["k"] = "changed"
	cp.EmbeddedSteps[0].StepName = "changed"
	cp.Context.CustomProperties["region"] = "us"
	*cp.StartedAt = now.Add(time.Hour)

	if tr.Tags[0] != "smoke" {
		t.Error("clone shares tags slice")
	}
	if tr.Metadata["k"] != "v" {
		t.Error("clone shares metadata map")
	}
	if tr.EmbeddedSteps[0].StepName != "one" {
		t.Error("clone shares embedded steps")
	}
	if tr.Context.CustomProperties["region"] != "eu" {
		t.Error("clone shares context properties")
	}
	if !tr.StartedAt.Equal(now) {
		t.Error("clone shares started_at pointer")
	}
}
