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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// catalogFile is the YAML document shape: one file may define any number
// of cases and suites.
type catalogFile struct {
	TestCases  []execution.TestCase  `yaml:"test_cases"`
	TestSuites []execution.TestSuite `yaml:"test_suites"`
}

// FileCatalog loads definitions from YAML files under a directory.
// Patterns are doublestar globs relative to the directory. With watching
// enabled the catalog reloads on any filesystem change beneath it.
type FileCatalog struct {
	dir      string
	patterns []string
	logger   *slog.Logger

	mu     sync.RWMutex
	cases  map[string]*execution.TestCase
	suites map[string]*execution.TestSuite

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var _ Loader = (*FileCatalog)(nil)

// NewFileCatalog creates the catalog and performs the initial load.
func NewFileCatalog(dir string, patterns []string, logger *slog.Logger) (*FileCatalog, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog dir: %w", err)
	}
	if len(patterns) == 0 {
		patterns = []string{"**/*.yaml", "**/*.yml"}
	}
	c := &FileCatalog{
		dir:      absDir,
		patterns: patterns,
		logger:   log.WithComponent(logger, "catalog"),
		cases:    make(map[string]*execution.TestCase),
		suites:   make(map[string]*execution.TestSuite),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads every matching file and swaps the cache atomically.
func (c *FileCatalog) Reload() error {
	cases := make(map[string]*execution.TestCase)
	suites := make(map[string]*execution.TestSuite)

	for _, pattern := range c.patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(c.dir, pattern))
		if err != nil {
			return fmt.Errorf("invalid catalog pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			if err := loadFile(path, cases, suites); err != nil {
				// A broken file must not take down the whole catalog.
				c.logger.Error("failed to load catalog file",
					log.String("path", path),
					log.Error(err))
			}
		}
	}

	c.mu.Lock()
	c.cases = cases
	c.suites = suites
	c.mu.Unlock()

	c.logger.Info("catalog loaded",
		log.Int("test_cases", len(cases)),
		log.Int("test_suites", len(suites)))
	return nil
}

func loadFile(path string, cases map[string]*execution.TestCase, suites map[string]*execution.TestSuite) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	for i := range doc.TestCases {
		tc := doc.TestCases[i]
		if tc.ID == "" {
			return fmt.Errorf("test case %d in %s has no id", i, filepath.Base(path))
		}
		cases[tc.ID] = &tc
	}
	for i := range doc.TestSuites {
		ts := doc.TestSuites[i]
		if ts.ID == "" {
			return fmt.Errorf("test suite %d in %s has no id", i, filepath.Base(path))
		}
		suites[ts.ID] = &ts
	}
	return nil
}

// LoadTestCase implements TestCaseLoader.
func (c *FileCatalog) LoadTestCase(_ context.Context, id string) (*execution.TestCase, error) {
	c.mu.RLock()
	tc, ok := c.cases[id]
	c.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "test case", ID: id}
	}
	return tc, nil
}

// LoadTestSuite implements TestSuiteLoader.
func (c *FileCatalog) LoadTestSuite(_ context.Context, id string) (*execution.TestSuite, error) {
	c.mu.RLock()
	ts, ok := c.suites[id]
	c.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "test suite", ID: id}
	}
	return ts, nil
}

// Watch starts reloading the catalog on filesystem changes. Directories
// beneath the catalog root are watched as they appear.
func (c *FileCatalog) Watch() error {
	if c.watcher != nil {
		return &errors.ConflictError{Resource: "catalog watcher", Reason: "already running"}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := addRecursive(watcher, c.dir); err != nil {
		watcher.Close()
		return err
	}

	c.watcher = watcher
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.watchLoop()
	c.logger.Info("catalog watcher started", log.String("dir", c.dir))
	return nil
}

// StopWatching shuts the watcher down.
func (c *FileCatalog) StopWatching() {
	if c.watcher == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.watcher.Close()
	c.watcher = nil
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (c *FileCatalog) watchLoop() {
	defer close(c.doneCh)
	for {
		select {
		case <-c.stopCh:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = c.watcher.Add(event.Name)
				}
			}
			if err := c.Reload(); err != nil {
				c.logger.Error("catalog reload failed", log.Error(err))
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("catalog watcher error", log.Error(err))
		}
	}
}
