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

	"github.com/spf13/cobra"
)

// newStatsCommand groups analytics, trends, statistics, and health.
func newStatsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Analytics over your executions",
	}

	var hours int
	analyticsCmd := &cobra.Command{
		Use:   "analytics",
		Short: "Aggregate counts and durations for a trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			report, err := c.Analytics(cmd.Context(), hours)
			if err != nil {
				return err
			}
			if !flags.useTable() {
				return flags.printJSON(cmd.OutOrStdout(), report)
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintf(w, "Window\t%dh\n", report.TimeRangeHours)
			fmt.Fprintf(w, "Executions\t%d\n", report.TotalExecutions)
			fmt.Fprintf(w, "Success rate\t%.0f%%\n", report.SuccessRate*100)
			fmt.Fprintf(w, "Avg duration\t%.0fms\n", report.AverageDurationMS)
			return w.Flush()
		},
	}
	analyticsCmd.Flags().IntVar(&hours, "hours", 0, "Trailing window in hours (1-168, default 24)")

	var days int
	trendsCmd := &cobra.Command{
		Use:   "trends",
		Short: "Per-day outcome counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			report, err := c.Trends(cmd.Context(), days)
			if err != nil {
				return err
			}
			if !flags.useTable() {
				return flags.printJSON(cmd.OutOrStdout(), report)
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "DATE\tTOTAL\tPASSED\tFAILED")
			for _, p := range report.Points {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", p.Date, p.Total, p.Passed, p.Failed)
			}
			return w.Flush()
		},
	}
	trendsCmd.Flags().IntVar(&days, "days", 0, "Days of history (1-30, default 7)")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show engine component health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			health, err := c.SystemHealth(cmd.Context())
			if err != nil {
				return err
			}
			if !flags.useTable() {
				return flags.printJSON(cmd.OutOrStdout(), health)
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintf(w, "Overall\t%s\n", health.Overall)
			for _, check := range health.Checks {
				fmt.Fprintf(w, "%s\t%s\t%s\n", check.Component, check.Status, check.Message)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(analyticsCmd, trendsCmd, healthCmd)
	return cmd
}
