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

// newGetCommand fetches one execution.
func newGetCommand(flags *globalFlags) *cobra.Command {
	var (
		includeFields string
		includeSteps  string
	)
	cmd := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			view, err := c.GetExecution(cmd.Context(), args[0], includeFields, includeSteps)
			if err != nil {
				return err
			}
			if !flags.useTable() {
				return flags.printJSON(cmd.OutOrStdout(), view)
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintf(w, "ID\t%s\n", stringField(view, "execution_id"))
			fmt.Fprintf(w, "Status\t%s\n", stringField(view, "status"))
			fmt.Fprintf(w, "Type\t%s\n", stringField(view, "execution_type"))
			fmt.Fprintf(w, "Triggered by\t%s\n", stringField(view, "triggered_by"))
			fmt.Fprintf(w, "Triggered at\t%s\n", stringField(view, "triggered_at"))
			if v := stringField(view, "test_case_id"); v != "" {
				fmt.Fprintf(w, "Test case\t%s\n", v)
			}
			if v := stringField(view, "test_suite_id"); v != "" {
				fmt.Fprintf(w, "Test suite\t%s\n", v)
			}
			if v := stringField(view, "completed_at"); v != "" {
				fmt.Fprintf(w, "Completed at\t%s\n", v)
			}
			if stats, ok := view["statistics"].(map[string]any); ok {
				fmt.Fprintf(w, "Steps\t%v/%v passed\n", stats["passed_steps"], stats["total_steps"])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&includeFields, "include-fields", "", "Trace projection: CORE, SUMMARY, DETAILED, or FULL")
	cmd.Flags().StringVar(&includeSteps, "include-steps", "", "Step projection: BASIC, STANDARD, DETAILED, or FULL")
	return cmd
}
