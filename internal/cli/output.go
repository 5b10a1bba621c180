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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/crucible-dev/crucible/internal/jq"
)

// useTable reports whether human-readable table output should be used:
// stdout is a terminal and --json was not given.
func (f *globalFlags) useTable() bool {
	if f.jsonOut || f.jqFilter != "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// printJSON writes v as indented JSON, applying the --jq filter first
// when one is set. Typed responses are round-tripped through JSON before
// filtering so expressions see the wire field names.
func (f *globalFlags) printJSON(w io.Writer, v any) error {
	if f.jqFilter != "" {
		doc, err := toJSONValue(v)
		if err != nil {
			return err
		}
		filtered, err := jq.NewExecutor(0).Execute(context.Background(), f.jqFilter, doc)
		if err != nil {
			return fmt.Errorf("jq filter failed: %w", err)
		}
		v = filtered
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// toJSONValue converts v into plain maps, slices, and scalars.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// newTable returns a tab-aligned writer for column output. Callers must
// Flush it.
func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// stringField reads a string key from a projected execution view.
func stringField(view map[string]any, key string) string {
	s, _ := view[key].(string)
	return s
}
