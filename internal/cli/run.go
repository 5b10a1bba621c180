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

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crucible-dev/crucible/internal/service"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// newRunCommand creates run with its case and suite subcommands.
func newRunCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a test case or suite for execution",
	}

	var (
		vars     []string
		env      string
		baseURL  string
		tags     []string
		priority int
		timeout  int64
		follow   bool
	)

	addFlags := func(c *cobra.Command) {
		c.Flags().StringSliceVarP(&vars, "var", "V", nil, "Execution variable in key=value format")
		c.Flags().StringVarP(&env, "env", "e", "", "Environment name recorded on the execution")
		c.Flags().StringVar(&baseURL, "base-url", "", "Base URL the runners target")
		c.Flags().StringSliceVarP(&tags, "tag", "t", nil, "Tag the execution (repeatable)")
		c.Flags().IntVarP(&priority, "priority", "p", 0, "Execution priority 1 (highest) to 10 (lowest)")
		c.Flags().Int64Var(&timeout, "timeout-ms", 0, "Overall execution timeout in milliseconds")
		c.Flags().BoolVarP(&follow, "follow", "f", false, "Stream events until the execution finishes")
	}

	buildContext := func() (execution.Context, error) {
		ec := execution.Context{Environment: env, BaseURL: baseURL}
		for _, kv := range vars {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return ec, fmt.Errorf("invalid --var %q, expected key=value", kv)
			}
			if ec.CustomProperties == nil {
				ec.CustomProperties = map[string]string{}
			}
			ec.CustomProperties[key] = value
		}
		return ec, nil
	}

	caseCmd := &cobra.Command{
		Use:   "case <test-case-id>",
		Short: "Execute a single test case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			ec, err := buildContext()
			if err != nil {
				return err
			}
			trace, err := c.StartTestCase(cmd.Context(), service.StartCaseRequest{
				TestCaseID: args[0],
				Context:    ec,
				Config:     execution.Config{TimeoutMS: timeout},
				Tags:       tags,
				Priority:   priority,
			})
			if err != nil {
				return err
			}
			return finishRun(cmd, flags, c, trace, follow)
		},
	}
	addFlags(caseCmd)

	suiteCmd := &cobra.Command{
		Use:   "suite <test-suite-id>",
		Short: "Execute a test suite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			ec, err := buildContext()
			if err != nil {
				return err
			}
			parallel, _ := cmd.Flags().GetBool("parallel")
			maxParallel, _ := cmd.Flags().GetInt("max-parallel")
			continueOnFailure, _ := cmd.Flags().GetBool("continue-on-failure")
			trace, err := c.StartTestSuite(cmd.Context(), service.StartSuiteRequest{
				TestSuiteID:       args[0],
				Context:           ec,
				Config:            execution.Config{TimeoutMS: timeout},
				Tags:              tags,
				Priority:          priority,
				ParallelExecution: parallel,
				MaxParallelCases:  maxParallel,
				ContinueOnFailure: continueOnFailure,
			})
			if err != nil {
				return err
			}
			return finishRun(cmd, flags, c, trace, follow)
		},
	}
	addFlags(suiteCmd)
	suiteCmd.Flags().Bool("parallel", false, "Run the suite's cases in parallel")
	suiteCmd.Flags().Int("max-parallel", 0, "Parallel case limit (0 = server default)")
	suiteCmd.Flags().Bool("continue-on-failure", false, "Keep running cases after one fails")

	cmd.AddCommand(caseCmd, suiteCmd)
	return cmd
}
