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

package execution

import "time"

// ProcessedResult is the result processor's per-execution output,
// persisted in the results collection.
type ProcessedResult struct {
	ExecutionID string     `json:"execution_id" bson:"execution_id"`
	Status      Status     `json:"status" bson:"status"`
	Statistics  Statistics `json:"statistics" bson:"statistics"`

	Insights        Insights         `json:"insights" bson:"insights"`
	Recommendations []Recommendation `json:"recommendations,omitempty" bson:"recommendations,omitempty"`

	ProcessedAt time.Time `json:"processed_at" bson:"processed_at"`
}

// Insights groups the derived observations over a run's step outcomes.
type Insights struct {
	Performance PerformanceInsight `json:"performance" bson:"performance"`
	Reliability ReliabilityInsight `json:"reliability" bson:"reliability"`
	Patterns    []string           `json:"patterns,omitempty" bson:"patterns,omitempty"`
}

// PerformanceInsight summarizes step duration distribution.
type PerformanceInsight struct {
	MinStepDurationMS    int64   `json:"min_step_duration_ms" bson:"min_step_duration_ms"`
	MaxStepDurationMS    int64   `json:"max_step_duration_ms" bson:"max_step_duration_ms"`
	MedianStepDurationMS float64 `json:"median_step_duration_ms" bson:"median_step_duration_ms"`
	DurationVarianceMS   float64 `json:"duration_variance_ms" bson:"duration_variance_ms"`
	SlowestStepID        string  `json:"slowest_step_id,omitempty" bson:"slowest_step_id,omitempty"`
}

// ReliabilityInsight summarizes failures.
type ReliabilityInsight struct {
	FailureCount int            `json:"failure_count" bson:"failure_count"`
	FailureRate  float64        `json:"failure_rate" bson:"failure_rate"`
	ErrorTypes   map[string]int `json:"error_types,omitempty" bson:"error_types,omitempty"`
}

// Recommendation is an actionable finding derived from thresholds.
type Recommendation struct {
	Kind    string `json:"kind" bson:"kind"`
	Message string `json:"message" bson:"message"`
	StepID  string `json:"step_id,omitempty" bson:"step_id,omitempty"`
}

// SuiteResult aggregates one suite execution's child outcomes, persisted
// alongside per-execution results.
type SuiteResult struct {
	ExecutionID string `json:"execution_id" bson:"execution_id"`
	TestSuiteID string `json:"test_suite_id" bson:"test_suite_id"`

	Status        Status `json:"status" bson:"status"`
	TotalCases    int    `json:"total_cases" bson:"total_cases"`
	PassedCases   int    `json:"passed_cases" bson:"passed_cases"`
	FailedCases   int    `json:"failed_cases" bson:"failed_cases"`
	SkippedCases  int    `json:"skipped_cases" bson:"skipped_cases"`
	CancelledCases int   `json:"cancelled_cases" bson:"cancelled_cases"`

	SuccessRate       float64 `json:"success_rate" bson:"success_rate"`
	TotalDurationMS   int64   `json:"total_duration_ms" bson:"total_duration_ms"`
	AverageDurationMS float64 `json:"average_duration_ms" bson:"average_duration_ms"`

	ProcessedAt time.Time `json:"processed_at" bson:"processed_at"`
}
