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

package service

import (
	"context"
	"time"

	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Analytics bounds.
const (
	DefaultAnalyticsHours = 24
	MaxAnalyticsHours     = 168

	DefaultTrendDays = 7
	MaxTrendDays     = 30
)

// AnalyticsReport summarizes completed executions inside a time window.
type AnalyticsReport struct {
	TimeRangeHours int       `json:"time_range_hours"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`

	TotalExecutions int                      `json:"total_executions"`
	ByStatus        map[execution.Status]int `json:"by_status,omitempty"`
	ByType          map[execution.Type]int   `json:"by_type,omitempty"`

	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMS float64 `json:"average_duration_ms"`
	MinDurationMS     int64   `json:"min_duration_ms"`
	MaxDurationMS     int64   `json:"max_duration_ms"`
	TotalStepsRun     int     `json:"total_steps_run"`
}

// TrendPoint is one day of trend data.
type TrendPoint struct {
	Date        string  `json:"date"`
	Total       int     `json:"total"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// TrendReport is the per-day series behind GET /executions/trends.
type TrendReport struct {
	Days   int          `json:"days"`
	Points []TrendPoint `json:"points"`
}

// StatisticsReport is the all-time summary behind GET /executions/statistics.
type StatisticsReport struct {
	TotalExecutions  int                      `json:"total_executions"`
	ActiveExecutions int                      `json:"active_executions"`
	ByStatus         map[execution.Status]int `json:"by_status,omitempty"`
	ByType           map[execution.Type]int   `json:"by_type,omitempty"`
	SuccessRate      float64                  `json:"success_rate"`
}

// Analytics computes performance analytics over the caller's completed
// executions in the last timeRangeHours (1..168, default 24).
func (s *Service) Analytics(ctx context.Context, userID string, timeRangeHours int) (*AnalyticsReport, error) {
	switch {
	case timeRangeHours == 0:
		timeRangeHours = DefaultAnalyticsHours
	case timeRangeHours < 1 || timeRangeHours > MaxAnalyticsHours:
		return nil, &errors.ValidationError{Field: "time_range_hours", Value: timeRangeHours, Message: "must be between 1 and 168"}
	}

	to := time.Now().UTC()
	from := to.Add(-time.Duration(timeRangeHours) * time.Hour)
	traces, _, err := s.store.ListTraces(ctx, store.TraceFilter{
		TriggeredBy:    userID,
		CompletedAfter: &from,
	})
	if err != nil {
		return nil, err
	}

	report := &AnalyticsReport{
		TimeRangeHours: timeRangeHours,
		From:           from,
		To:             to,
		ByStatus:       make(map[execution.Status]int),
		ByType:         make(map[execution.Type]int),
	}

	var totalDuration int64
	passed := 0
	for i, t := range traces {
		report.TotalExecutions++
		report.ByStatus[t.Status]++
		report.ByType[t.ExecutionType]++
		report.TotalStepsRun += t.Statistics.CompletedSteps

		totalDuration += t.TotalDurationMS
		if i == 0 || t.TotalDurationMS < report.MinDurationMS {
			report.MinDurationMS = t.TotalDurationMS
		}
		if t.TotalDurationMS > report.MaxDurationMS {
			report.MaxDurationMS = t.TotalDurationMS
		}
		if t.Status == execution.StatusPassed {
			passed++
		}
	}
	if report.TotalExecutions > 0 {
		report.SuccessRate = float64(passed) / float64(report.TotalExecutions)
		report.AverageDurationMS = float64(totalDuration) / float64(report.TotalExecutions)
	}
	return report, nil
}

// Trends buckets the caller's completed executions per day over the last
// days (1..30, default 7). Days without executions appear with zero
// counts so the series has no gaps.
func (s *Service) Trends(ctx context.Context, userID string, days int) (*TrendReport, error) {
	switch {
	case days == 0:
		days = DefaultTrendDays
	case days < 1 || days > MaxTrendDays:
		return nil, &errors.ValidationError{Field: "days", Value: days, Message: "must be between 1 and 30"}
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -days)
	traces, _, err := s.store.ListTraces(ctx, store.TraceFilter{
		TriggeredBy:    userID,
		CompletedAfter: &from,
	})
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*TrendPoint, days)
	for _, t := range traces {
		if t.CompletedAt == nil {
			continue
		}
		day := t.CompletedAt.UTC().Format("2006-01-02")
		point := byDay[day]
		if point == nil {
			point = &TrendPoint{Date: day}
			byDay[day] = point
		}
		point.Total++
		switch t.Status {
		case execution.StatusPassed:
			point.Passed++
		case execution.StatusFailed, execution.StatusAborted:
			point.Failed++
		}
	}

	report := &TrendReport{Days: days, Points: make([]TrendPoint, 0, days)}
	for i := days - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i).Format("2006-01-02")
		point := byDay[day]
		if point == nil {
			point = &TrendPoint{Date: day}
		}
		if point.Total > 0 {
			point.SuccessRate = float64(point.Passed) / float64(point.Total)
		}
		report.Points = append(report.Points, *point)
	}
	return report, nil
}

// Statistics summarizes all of the caller's executions.
func (s *Service) Statistics(ctx context.Context, userID string) (*StatisticsReport, error) {
	traces, _, err := s.store.ListTraces(ctx, store.TraceFilter{TriggeredBy: userID})
	if err != nil {
		return nil, err
	}

	report := &StatisticsReport{
		ByStatus: make(map[execution.Status]int),
		ByType:   make(map[execution.Type]int),
	}
	terminal, passed := 0, 0
	for _, t := range traces {
		report.TotalExecutions++
		report.ByStatus[t.Status]++
		report.ByType[t.ExecutionType]++
		if t.Status.IsTerminal() {
			terminal++
			if t.Status == execution.StatusPassed {
				passed++
			}
		} else {
			report.ActiveExecutions++
		}
	}
	if terminal > 0 {
		report.SuccessRate = float64(passed) / float64(terminal)
	}
	return report, nil
}
