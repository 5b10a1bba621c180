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

// Package cli implements the crucible command line client.
package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/crucible-dev/crucible/internal/client"
)

// BuildInfo identifies the CLI binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// globalFlags are the persistent connection and output options.
type globalFlags struct {
	server   string
	token    string
	user     string
	jsonOut  bool
	jqFilter string
}

// NewRootCommand builds the crucible command tree.
func NewRootCommand(build BuildInfo) *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "crucible",
		Short: "Client for the crucible test execution engine",
		Long: `crucible submits test cases and suites to a crucibled daemon,
inspects their progress, and manages the execution queue.

The server address and credentials come from flags or the environment:
  --server  CRUCIBLE_SERVER   daemon base URL (default http://127.0.0.1:8780)
  --token   CRUCIBLE_TOKEN    bearer token (JWT or static)
  --user    CRUCIBLE_USER     user id, honored only when daemon auth is off`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Accept snake_case spellings of multi-word flags.
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.PersistentFlags().StringVarP(&flags.server, "server", "s", "", "Daemon base URL (env: CRUCIBLE_SERVER)")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "Bearer token (env: CRUCIBLE_TOKEN)")
	cmd.PersistentFlags().StringVar(&flags.user, "user", "", "User id for daemons without auth (env: CRUCIBLE_USER)")
	cmd.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Force JSON output even on a terminal")
	cmd.PersistentFlags().StringVar(&flags.jqFilter, "jq", "", "Filter JSON output through a jq expression")

	cmd.AddCommand(
		newRunCommand(flags),
		newGetCommand(flags),
		newListCommand(flags),
		newCancelCommand(flags),
		newQueueCommand(flags),
		newReportCommand(flags),
		newWatchCommand(flags),
		newStatsCommand(flags),
		newVersionCommand(flags, build),
	)
	return cmd
}

func (f *globalFlags) serverURL() string {
	if f.server != "" {
		return f.server
	}
	if v := os.Getenv("CRUCIBLE_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:8780"
}

func (f *globalFlags) client() (*client.Client, error) {
	token := f.token
	if token == "" {
		token = os.Getenv("CRUCIBLE_TOKEN")
	}
	user := f.user
	if user == "" {
		user = os.Getenv("CRUCIBLE_USER")
	}
	return client.New(f.serverURL(), client.Options{Token: token, User: user})
}
