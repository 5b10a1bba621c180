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
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// newListCommand lists the caller's executions.
func newListCommand(flags *globalFlags) *cobra.Command {
	var (
		statuses []string
		execType string
		tags     []string
		page     int
		pageSize int
		sortBy   string
		sortAsc  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			q := url.Values{}
			for _, s := range statuses {
				q.Add("status", s)
			}
			for _, tag := range tags {
				q.Add("tags", tag)
			}
			if execType != "" {
				q.Set("execution_type", execType)
			}
			if page > 0 {
				q.Set("page", strconv.Itoa(page))
			}
			if pageSize > 0 {
				q.Set("page_size", strconv.Itoa(pageSize))
			}
			if sortBy != "" {
				q.Set("sort_by", sortBy)
			}
			if sortAsc {
				q.Set("sort_order", "asc")
			}

			result, err := c.ListExecutions(cmd.Context(), q)
			if err != nil {
				return err
			}
			if !flags.useTable() {
				return flags.printJSON(cmd.OutOrStdout(), result)
			}

			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tTRIGGERED AT")
			for _, view := range result.Executions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					stringField(view, "execution_id"),
					stringField(view, "status"),
					stringField(view, "execution_type"),
					stringField(view, "triggered_at"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d total (page %d, %d per page)\n",
				result.Total, result.Page, result.PageSize)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&execType, "type", "", "Filter by execution type (TEST_CASE, TEST_SUITE)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Filter by tag (repeatable, all must match)")
	cmd.Flags().IntVar(&page, "page", 0, "Page number (1-based)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Results per page (max 100)")
	cmd.Flags().StringVar(&sortBy, "sort-by", "", "Sort field (triggered_at, started_at, completed_at, status, execution_type, total_duration_ms)")
	cmd.Flags().BoolVar(&sortAsc, "asc", false, "Sort ascending instead of descending")
	return cmd
}
