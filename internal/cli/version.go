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

// newVersionCommand prints client and, when reachable, server versions.
func newVersionCommand(flags *globalFlags, build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and server version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "crucible %s (commit: %s, built: %s)\n", build.Version, build.Commit, build.BuildDate)

			c, err := flags.client()
			if err != nil {
				return nil
			}
			info, err := c.Version(cmd.Context())
			if err != nil {
				// Server unreachable is not a version failure.
				return nil
			}
			fmt.Fprintf(out, "crucibled %s (commit: %s, built: %s)\n",
				info["version"], info["commit"], info["build_date"])
			return nil
		},
	}
}
