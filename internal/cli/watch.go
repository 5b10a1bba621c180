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

	"github.com/crucible-dev/crucible/internal/client"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// newWatchCommand streams events for one execution.
func newWatchCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <execution-id>",
		Short: "Stream state and progress events for an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			return watchExecution(cmd, flags, c, args[0])
		},
	}
}

// finishRun prints the submitted trace and optionally follows it.
func finishRun(cmd *cobra.Command, flags *globalFlags, c *client.Client, trace *execution.Trace, follow bool) error {
	if flags.useTable() {
		fmt.Fprintf(cmd.OutOrStdout(), "execution %s submitted (%s)\n", trace.ExecutionID, trace.Status)
	} else if err := flags.printJSON(cmd.OutOrStdout(), trace); err != nil {
		return err
	}
	if !follow {
		return nil
	}
	return watchExecution(cmd, flags, c, trace.ExecutionID)
}

func watchExecution(cmd *cobra.Command, flags *globalFlags, c *client.Client, executionID string) error {
	out := cmd.OutOrStdout()
	table := flags.useTable()
	var terminalStatus execution.Status

	err := c.Watch(cmd.Context(), executionID, func(ev execution.StateChangeEvent) {
		if table {
			status, _ := ev.Data["new_status"].(string)
			if status == "" {
				status = string(ev.EventType)
			}
			fmt.Fprintf(out, "%s  %s\n", ev.Timestamp.Format("15:04:05"), status)
		} else {
			_ = flags.printJSON(out, ev)
		}
		if status, ok := ev.Data["new_status"].(string); ok {
			if s, err := execution.ParseStatus(status); err == nil && s.IsTerminal() {
				terminalStatus = s
			}
		}
	})
	if err != nil {
		return err
	}
	if table && terminalStatus != "" {
		fmt.Fprintf(out, "execution %s finished: %s\n", executionID, terminalStatus)
	}
	return nil
}
