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

// newCancelCommand cancels a queued or running execution.
func newCancelCommand(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a queued or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			trace, err := c.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if flags.useTable() {
				fmt.Fprintf(cmd.OutOrStdout(), "execution %s is now %s\n", trace.ExecutionID, trace.Status)
				return nil
			}
			return flags.printJSON(cmd.OutOrStdout(), trace)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded in the state history")
	return cmd
}
