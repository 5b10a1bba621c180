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

// Package catalog supplies test case and suite definitions to the
// orchestrator. The file catalog reads YAML documents from a directory,
// selected by glob patterns, and hot-reloads on filesystem changes. The
// static loader serves fixed definitions, mainly for tests.
package catalog

import (
	"context"

	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// TestCaseLoader resolves test case definitions by ID.
type TestCaseLoader interface {
	LoadTestCase(ctx context.Context, id string) (*execution.TestCase, error)
}

// TestSuiteLoader resolves test suite definitions by ID.
type TestSuiteLoader interface {
	LoadTestSuite(ctx context.Context, id string) (*execution.TestSuite, error)
}

// Loader combines both loaders.
type Loader interface {
	TestCaseLoader
	TestSuiteLoader
}

// StaticLoader serves definitions from memory.
type StaticLoader struct {
	cases  map[string]*execution.TestCase
	suites map[string]*execution.TestSuite
}

var _ Loader = (*StaticLoader)(nil)

// NewStaticLoader creates an empty static loader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{
		cases:  make(map[string]*execution.TestCase),
		suites: make(map[string]*execution.TestSuite),
	}
}

// AddTestCase registers a test case.
func (l *StaticLoader) AddTestCase(tc *execution.TestCase) *StaticLoader {
	l.cases[tc.ID] = tc
	return l
}

// AddTestSuite registers a test suite.
func (l *StaticLoader) AddTestSuite(ts *execution.TestSuite) *StaticLoader {
	l.suites[ts.ID] = ts
	return l
}

// LoadTestCase implements TestCaseLoader.
func (l *StaticLoader) LoadTestCase(_ context.Context, id string) (*execution.TestCase, error) {
	tc, ok := l.cases[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "test case", ID: id}
	}
	return tc, nil
}

// LoadTestSuite implements TestSuiteLoader.
func (l *StaticLoader) LoadTestSuite(_ context.Context, id string) (*execution.TestSuite, error) {
	ts, ok := l.suites[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "test suite", ID: id}
	}
	return ts, nil
}
