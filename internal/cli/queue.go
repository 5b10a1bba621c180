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

// newQueueCommand groups queue status, pause, and resume.
func newQueueCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control the execution queue",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue state and depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			status, err := c.QueueStatus(cmd.Context())
			if err != nil {
				return err
			}
			if !flags.useTable() {
				return flags.printJSON(cmd.OutOrStdout(), status)
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintf(w, "State\t%s\n", status.State)
			fmt.Fprintf(w, "Queued\t%d\n", status.TotalQueued)
			fmt.Fprintf(w, "In flight\t%d\n", status.InFlight)
			fmt.Fprintf(w, "Dead letters\t%d\n", status.DeadLetterCount)
			if status.OldestQueuedAt != nil {
				fmt.Fprintf(w, "Oldest queued\t%s\n", status.OldestQueuedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause dequeuing; queued work stays put",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			if err := c.PauseQueue(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queue paused")
			return nil
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume dequeuing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			if err := c.ResumeQueue(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queue resumed")
			return nil
		},
	}

	cmd.AddCommand(statusCmd, pauseCmd, resumeCmd)
	return cmd
}
