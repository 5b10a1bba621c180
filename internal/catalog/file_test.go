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

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/pkg/errors"
)

const sampleCatalog = `
test_cases:
  - id: tc-login
    title: Login flow
    test_type: generic
    steps:
      - step_id: s1
        name: open login page
        input_data:
          url: https://example.test/login
      - step_id: s2
        name: submit credentials
        expected_result:
          status: ok
test_suites:
  - id: suite-smoke
    title: Smoke
    test_cases:
      - test_case_id: tc-login
`

func writeCatalogFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFileCatalogLoadsYAML(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "smoke.yaml", sampleCatalog)

	c, err := NewFileCatalog(dir, nil, log.New(log.DefaultConfig()))
	require.NoError(t, err)

	tc, err := c.LoadTestCase(context.Background(), "tc-login")
	require.NoError(t, err)
	assert.Equal(t, "Login flow", tc.Title)
	require.Len(t, tc.Steps, 2)
	assert.Equal(t, "https://example.test/login", tc.Steps[0].InputData["url"])
	assert.Equal(t, "ok", tc.Steps[1].ExpectedResult["status"])

	ts, err := c.LoadTestSuite(context.Background(), "suite-smoke")
	require.NoError(t, err)
	require.Len(t, ts.TestCases, 1)
	assert.Equal(t, "tc-login", ts.TestCases[0].TestCaseID)
}

func TestFileCatalogNotFound(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCatalog(dir, nil, log.New(log.DefaultConfig()))
	require.NoError(t, err)

	_, err = c.LoadTestCase(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
	_, err = c.LoadTestSuite(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestFileCatalogSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "good.yaml", sampleCatalog)
	writeCatalogFile(t, dir, "broken.yaml", "test_cases: [unclosed")

	c, err := NewFileCatalog(dir, nil, log.New(log.DefaultConfig()))
	require.NoError(t, err)

	_, err = c.LoadTestCase(context.Background(), "tc-login")
	assert.NoError(t, err)
}

func TestFileCatalogNestedGlobs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "regression", "auth"), 0o755))
	writeCatalogFile(t, dir, filepath.Join("regression", "auth", "cases.yml"), sampleCatalog)

	c, err := NewFileCatalog(dir, []string{"**/*.yml"}, log.New(log.DefaultConfig()))
	require.NoError(t, err)

	_, err = c.LoadTestCase(context.Background(), "tc-login")
	assert.NoError(t, err)
}

func TestFileCatalogWatchReloads(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCatalog(dir, nil, log.New(log.DefaultConfig()))
	require.NoError(t, err)

	require.NoError(t, c.Watch())
	defer c.StopWatching()

	writeCatalogFile(t, dir, "late.yaml", sampleCatalog)

	require.Eventually(t, func() bool {
		_, err := c.LoadTestCase(context.Background(), "tc-login")
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestStaticLoader(t *testing.T) {
	l := NewStaticLoader()
	_, err := l.LoadTestCase(context.Background(), "x")
	assert.True(t, errors.IsNotFound(err))
}
