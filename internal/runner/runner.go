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

// Package runner executes test cases step by step. Three runner variants
// cover the engine's test types: generic action/verify, BDD
// given/when/then, and manual tester-driven sessions. Steps are driven by
// their input data; verification compares expected against actual with
// subset semantics, optionally through a jq extraction and an expression
// override.
package runner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// ValidationResult is the outcome of static test-case validation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (v *ValidationResult) addError(msg string) {
	v.Valid = false
	v.Errors = append(v.Errors, msg)
}

func (v *ValidationResult) addWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// Runner executes one flavour of test case.
type Runner interface {
	// ExecuteTest runs every step of the case and returns the results in
	// step order. A non-nil error means the run could not proceed at all;
	// step-level failures are reported in the results, not the error.
	ExecuteTest(ctx context.Context, tc *execution.TestCase, execCtx execution.Context, cfg execution.Config) ([]execution.StepResult, error)

	// ExecuteStep runs a single step.
	ExecuteStep(ctx context.Context, step execution.TestStep, order int, execCtx execution.Context, cfg execution.Config) execution.StepResult

	// ValidateTestCase checks the case statically before any execution.
	ValidateTestCase(tc *execution.TestCase) ValidationResult

	// Type names the test type this runner serves.
	Type() string
}

// Test type names used for registry lookup.
const (
	TypeGeneric = "generic"
	TypeBDD     = "bdd"
	TypeManual  = "manual"
)

// Registry maps test type names to runners. Registration is static;
// unknown types fall back to the generic runner with a warning.
type Registry struct {
	mu       sync.RWMutex
	runners  map[string]Runner
	fallback Runner
	logger   *slog.Logger
}

// NewRegistry creates a registry pre-populated with the three built-in
// runners. The generic runner doubles as the fallback.
func NewRegistry(logger *slog.Logger) *Registry {
	logger = log.WithComponent(logger, "runner")
	generic := NewGenericRunner(logger)
	r := &Registry{
		runners:  make(map[string]Runner),
		fallback: generic,
		logger:   logger,
	}
	r.Register(generic)
	r.Register(NewBDDRunner(logger))
	r.Register(NewManualRunner(logger))
	return r
}

// Register adds a runner under its type name.
func (r *Registry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runner.Type()] = runner
}

// ForTestType resolves the runner for a test type. An empty or unknown
// type resolves to the generic fallback.
func (r *Registry) ForTestType(testType string) Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if testType == "" {
		return r.fallback
	}
	if runner, ok := r.runners[testType]; ok {
		return runner
	}
	r.logger.Warn("unknown test type, falling back to generic runner",
		log.String("test_type", testType))
	return r.fallback
}
