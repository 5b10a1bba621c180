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

// Package results turns raw step outcomes into processed results:
// authoritative statistics, performance and reliability insights, and
// threshold-driven recommendations. It also renders execution reports in
// JSON, HTML, and CSV.
package results

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Recommendation kinds.
const (
	RecommendationSlowStep    = "slow_step"
	RecommendationFailureRate = "high_failure_rate"
	RecommendationTimeouts    = "timeouts_present"
	RecommendationAssertions  = "assertion_failures"
)

// Thresholds drive recommendation generation.
type Thresholds struct {
	// SlowStep flags steps running longer than this.
	SlowStep time.Duration

	// FailureRate flags runs whose step failure rate exceeds this.
	FailureRate float64
}

// DefaultThresholds returns the engine defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowStep:    30 * time.Second,
		FailureRate: 0.20,
	}
}

// Processor computes processed results and persists them.
type Processor struct {
	store      store.ResultStore
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time
}

// NewProcessor creates a processor. st may be nil for pure computation.
func NewProcessor(st store.ResultStore, thresholds Thresholds, logger *slog.Logger) *Processor {
	if thresholds.SlowStep <= 0 {
		thresholds.SlowStep = DefaultThresholds().SlowStep
	}
	if thresholds.FailureRate <= 0 {
		thresholds.FailureRate = DefaultThresholds().FailureRate
	}
	return &Processor{
		store:      st,
		thresholds: thresholds,
		logger:     log.WithComponent(logger, "results"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Process computes the authoritative statistics, insights, and
// recommendations for one finished execution and persists the result.
func (p *Processor) Process(ctx context.Context, trace *execution.Trace, steps []execution.StepResult) (*execution.ProcessedResult, error) {
	if trace == nil {
		return nil, &errors.ValidationError{Field: "trace", Message: "required"}
	}

	stats := ComputeStatistics(steps)
	insights := p.computeInsights(steps)
	recommendations := p.recommend(steps, insights)

	result := &execution.ProcessedResult{
		ExecutionID:     trace.ExecutionID,
		Status:          trace.Status,
		Statistics:      stats,
		Insights:        insights,
		Recommendations: recommendations,
		ProcessedAt:     p.now(),
	}

	if p.store != nil {
		if err := p.store.SaveResult(ctx, result); err != nil {
			return nil, errors.Wrapf(err, "save result %s", trace.ExecutionID)
		}
	}
	p.logger.Debug("execution result processed",
		log.String(log.ExecutionIDKey, trace.ExecutionID),
		log.Int("recommendations", len(recommendations)))
	return result, nil
}

// ComputeStatistics recomputes the statistics from raw step outcomes.
// This is the authoritative calculation; the live counters on the trace
// are monotonic approximations.
func ComputeStatistics(steps []execution.StepResult) execution.Statistics {
	stats := execution.Statistics{TotalSteps: len(steps)}
	var totalDuration int64
	var timed int

	for _, s := range steps {
		switch s.Status {
		case execution.StepPassed, execution.StepWarning:
			stats.PassedSteps++
			stats.CompletedSteps++
		case execution.StepFailed:
			stats.FailedSteps++
			stats.CompletedSteps++
		case execution.StepSkipped, execution.StepBlocked:
			stats.SkippedSteps++
			stats.CompletedSteps++
		}
		if s.DurationMS > 0 {
			totalDuration += s.DurationMS
			timed++
		}
		if s.RetryCount > 0 {
			stats.RetryRate++
		}
	}

	stats.TotalDurationMS = totalDuration
	if timed > 0 {
		stats.AverageStepDurationMS = float64(totalDuration) / float64(timed)
	}
	if stats.TotalSteps > 0 {
		stats.RetryRate = stats.RetryRate / float64(stats.TotalSteps)
	}
	stats.Recalculate()
	return stats
}

func (p *Processor) computeInsights(steps []execution.StepResult) execution.Insights {
	insights := execution.Insights{
		Reliability: execution.ReliabilityInsight{ErrorTypes: make(map[string]int)},
	}

	var durations []int64
	var slowest int64
	completed := 0
	failed := 0
	uniform := true
	var firstStatus execution.StepStatus

	for i, s := range steps {
		if i == 0 {
			firstStatus = s.Status
		} else if s.Status != firstStatus {
			uniform = false
		}
		if s.Status == execution.StepFailed {
			failed++
			if s.ErrorDetails != nil {
				insights.Reliability.ErrorTypes[s.ErrorDetails.Type]++
			} else {
				insights.Reliability.ErrorTypes["unknown"]++
			}
		}
		if s.Status.IsTerminal() && s.Status != execution.StepSkipped && s.Status != execution.StepBlocked {
			completed++
		}
		if s.DurationMS > 0 {
			durations = append(durations, s.DurationMS)
			if s.DurationMS > slowest {
				slowest = s.DurationMS
				insights.Performance.SlowestStepID = s.StepID
			}
		}
	}

	insights.Reliability.FailureCount = failed
	if completed > 0 {
		insights.Reliability.FailureRate = float64(failed) / float64(completed)
	}
	if len(insights.Reliability.ErrorTypes) == 0 {
		insights.Reliability.ErrorTypes = nil
	}

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		insights.Performance.MinStepDurationMS = durations[0]
		insights.Performance.MaxStepDurationMS = durations[len(durations)-1]
		insights.Performance.MedianStepDurationMS = median(durations)
		insights.Performance.DurationVarianceMS = variance(durations)
	}

	if uniform && len(steps) > 1 {
		insights.Patterns = append(insights.Patterns, "uniform_outcome")
	}
	return insights
}

func (p *Processor) recommend(steps []execution.StepResult, insights execution.Insights) []execution.Recommendation {
	var recs []execution.Recommendation

	slowMS := p.thresholds.SlowStep.Milliseconds()
	for _, s := range steps {
		if s.DurationMS > slowMS {
			recs = append(recs, execution.Recommendation{
				Kind:    RecommendationSlowStep,
				Message: "step exceeded the slow-step threshold; consider splitting it or raising its timeout",
				StepID:  s.StepID,
			})
		}
	}

	if insights.Reliability.FailureRate > p.thresholds.FailureRate {
		recs = append(recs, execution.Recommendation{
			Kind:    RecommendationFailureRate,
			Message: "failure rate exceeds the acceptable threshold; review the failing steps before re-running",
		})
	}
	if insights.Reliability.ErrorTypes["TimeoutError"] > 0 {
		recs = append(recs, execution.Recommendation{
			Kind:    RecommendationTimeouts,
			Message: "timeouts occurred; check environment responsiveness and step timeout configuration",
		})
	}
	if insights.Reliability.ErrorTypes["AssertionError"] > 0 {
		recs = append(recs, execution.Recommendation{
			Kind:    RecommendationAssertions,
			Message: "assertions failed; the system under test may have regressed",
		})
	}
	return recs
}

// AggregateSuite computes the suite-level result from the child traces.
// Overall status: any FAILED child wins, then CANCELLED, then PASSED.
func (p *Processor) AggregateSuite(ctx context.Context, suiteTrace *execution.Trace, children []*execution.Trace) (*execution.SuiteResult, error) {
	result := &execution.SuiteResult{
		ExecutionID: suiteTrace.ExecutionID,
		TestSuiteID: suiteTrace.TestSuiteID,
		TotalCases:  len(children),
		Status:      execution.StatusPassed,
		ProcessedAt: p.now(),
	}

	var totalDuration int64
	for _, child := range children {
		switch child.Status {
		case execution.StatusPassed:
			result.PassedCases++
		case execution.StatusFailed, execution.StatusAborted, execution.StatusTimeout:
			result.FailedCases++
		case execution.StatusCancelled:
			result.CancelledCases++
		default:
			result.SkippedCases++
		}
		totalDuration += child.TotalDurationMS
	}

	switch {
	case result.FailedCases > 0:
		result.Status = execution.StatusFailed
	case result.CancelledCases > 0:
		result.Status = execution.StatusCancelled
	}

	result.TotalDurationMS = totalDuration
	if result.TotalCases > 0 {
		result.SuccessRate = float64(result.PassedCases) / float64(result.TotalCases)
		result.AverageDurationMS = float64(totalDuration) / float64(result.TotalCases)
	}

	if p.store != nil {
		if err := p.store.SaveSuiteResult(ctx, result); err != nil {
			return nil, errors.Wrapf(err, "save suite result %s", suiteTrace.ExecutionID)
		}
	}
	return result, nil
}

func median(sorted []int64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

func variance(values []int64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(n)
	var acc float64
	for _, v := range values {
		d := float64(v) - mean
		acc += d * d
	}
	return math.Round(acc/float64(n)*100) / 100
}
