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

// TestCase is the artifact a test-case loader returns. The engine treats
// it as read-only input; catalogs own its lifecycle.
type TestCase struct {
	ID       string     `json:"id" yaml:"id"`
	Title    string     `json:"title" yaml:"title"`
	TestType string     `json:"test_type,omitempty" yaml:"test_type,omitempty"`
	Steps    []TestStep `json:"steps" yaml:"steps"`
}

// TestStep is one step of a test case definition.
type TestStep struct {
	StepID string `json:"step_id" yaml:"step_id"`
	Name   string `json:"name" yaml:"name"`

	// StepType steers runner behaviour: "action"/"verify" for the generic
	// runner, "given"/"when"/"then" for BDD.
	StepType string `json:"step_type,omitempty" yaml:"step_type,omitempty"`

	EstimatedDurationMS int64 `json:"estimated_duration_ms,omitempty" yaml:"estimated_duration_ms,omitempty"`

	InputData      map[string]any `json:"input_data,omitempty" yaml:"input_data,omitempty"`
	ExpectedResult map[string]any `json:"expected_result,omitempty" yaml:"expected_result,omitempty"`

	// ActualPath is an optional jq expression extracting the actual result
	// from the step's output data before verification.
	ActualPath string `json:"actual_path,omitempty" yaml:"actual_path,omitempty"`

	// VerifyExpr is an optional boolean expression evaluated against
	// expected, actual, and output; it overrides subset verification.
	VerifyExpr string `json:"verify_expr,omitempty" yaml:"verify_expr,omitempty"`

	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// TestSuite is the artifact a test-suite loader returns.
type TestSuite struct {
	ID        string          `json:"id" yaml:"id"`
	Title     string          `json:"title" yaml:"title"`
	TestCases []SuiteCaseRef  `json:"test_cases" yaml:"test_cases"`
}

// SuiteCaseRef references one child test case of a suite.
type SuiteCaseRef struct {
	TestCaseID string `json:"test_case_id" yaml:"test_case_id"`
}

// Progress is the live projection of an execution returned by progress
// queries and by the orchestrator on completion.
type Progress struct {
	ExecutionID string     `json:"execution_id"`
	Status      Status     `json:"status"`
	Statistics  Statistics `json:"statistics"`
	CurrentStep string     `json:"current_step,omitempty"`
	Message     string     `json:"message,omitempty"`
}
