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
	"os"

	"github.com/spf13/cobra"
)

// newReportCommand fetches a rendered execution report.
func newReportCommand(flags *globalFlags) *cobra.Command {
	var (
		format         string
		includeDetails bool
		outputFile     string
	)
	cmd := &cobra.Command{
		Use:   "report <execution-id>",
		Short: "Fetch an execution report",
		Long: `Report fetches the rendered report for a completed (or running)
execution. Formats: json (default), html, csv.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			body, _, err := c.Report(cmd.Context(), args[0], format, includeDetails)
			if err != nil {
				return err
			}
			if outputFile != "" {
				if err := os.WriteFile(outputFile, body, 0o644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", outputFile)
				return nil
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "F", "json", "Report format: json, html, or csv")
	cmd.Flags().BoolVar(&includeDetails, "details", false, "Include per-step results")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the report to a file")
	return cmd
}
