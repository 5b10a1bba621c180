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

package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"
	"time"

	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// ReportFormat selects the report renderer.
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatHTML ReportFormat = "html"
	FormatCSV  ReportFormat = "csv"
)

// ParseReportFormat validates a format string.
func ParseReportFormat(s string) (ReportFormat, error) {
	switch ReportFormat(s) {
	case FormatJSON, FormatHTML, FormatCSV:
		return ReportFormat(s), nil
	case "":
		return FormatJSON, nil
	}
	return "", &errors.ValidationError{Field: "format", Value: s, Message: "must be json, html, or csv"}
}

// Report bundles everything a rendered report draws from.
type Report struct {
	Trace  *execution.Trace           `json:"trace"`
	Result *execution.ProcessedResult `json:"result,omitempty"`
	Steps  []execution.StepResult     `json:"steps,omitempty"`
}

// Render produces the report in the requested format. includeSteps adds
// the per-step detail to HTML and CSV output; JSON always carries
// whatever Steps holds.
func Render(report Report, format ReportFormat, includeSteps bool) ([]byte, error) {
	switch format {
	case FormatJSON:
		return renderJSON(report)
	case FormatHTML:
		return renderHTML(report, includeSteps)
	case FormatCSV:
		return renderCSV(report, includeSteps)
	}
	return nil, &errors.ValidationError{Field: "format", Value: string(format), Message: "unknown report format"}
}

func renderJSON(report Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return buf.Bytes(), nil
}

var htmlReport = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><title>Execution {{.Trace.ExecutionID}}</title></head>
<body>
<h1>Execution {{.Trace.ExecutionID}}</h1>
<table>
<tr><th>Status</th><td>{{.Trace.Status}}</td></tr>
<tr><th>Type</th><td>{{.Trace.ExecutionType}}</td></tr>
<tr><th>Triggered by</th><td>{{.Trace.TriggeredBy}}</td></tr>
<tr><th>Triggered at</th><td>{{.Trace.TriggeredAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>
<tr><th>Duration</th><td>{{.Trace.TotalDurationMS}} ms</td></tr>
<tr><th>Progress</th><td>{{printf "%.1f" .Trace.Statistics.ProgressPercent}}%</td></tr>
<tr><th>Steps</th><td>{{.Trace.Statistics.PassedSteps}} passed / {{.Trace.Statistics.FailedSteps}} failed / {{.Trace.Statistics.SkippedSteps}} skipped</td></tr>
</table>
{{if .Result}}
<h2>Recommendations</h2>
<ul>
{{range .Result.Recommendations}}<li><strong>{{.Kind}}</strong>: {{.Message}}</li>
{{else}}<li>none</li>
{{end}}</ul>
{{end}}
{{if .Steps}}
<h2>Steps</h2>
<table>
<tr><th>#</th><th>Step</th><th>Status</th><th>Duration (ms)</th><th>Error</th></tr>
{{range .Steps}}<tr><td>{{.StepOrder}}</td><td>{{.StepName}}</td><td>{{.Status}}</td><td>{{.DurationMS}}</td><td>{{if .ErrorDetails}}{{.ErrorDetails.Message}}{{end}}</td></tr>
{{end}}</table>
{{end}}
</body>
</html>
`))

func renderHTML(report Report, includeSteps bool) ([]byte, error) {
	view := report
	if !includeSteps {
		view.Steps = nil
	}
	var buf bytes.Buffer
	if err := htmlReport.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("failed to render HTML report: %w", err)
	}
	return buf.Bytes(), nil
}

func renderCSV(report Report, includeSteps bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"record_type", "execution_id", "status", "execution_type", "triggered_by", "triggered_at", "duration_ms", "passed", "failed", "skipped"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	t := report.Trace
	row := []string{
		"execution",
		t.ExecutionID,
		t.Status.String(),
		t.ExecutionType.String(),
		t.TriggeredBy,
		t.TriggeredAt.UTC().Format(time.RFC3339),
		strconv.FormatInt(t.TotalDurationMS, 10),
		strconv.Itoa(t.Statistics.PassedSteps),
		strconv.Itoa(t.Statistics.FailedSteps),
		strconv.Itoa(t.Statistics.SkippedSteps),
	}
	if err := w.Write(row); err != nil {
		return nil, err
	}

	if includeSteps {
		for _, s := range report.Steps {
			errMsg := ""
			if s.ErrorDetails != nil {
				errMsg = s.ErrorDetails.Message
			}
			stepRow := []string{
				"step",
				t.ExecutionID,
				s.Status.String(),
				s.StepID,
				s.StepName,
				"",
				strconv.FormatInt(s.DurationMS, 10),
				"", "",
				errMsg,
			}
			if err := w.Write(stepRow); err != nil {
				return nil, err
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
