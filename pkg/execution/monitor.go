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

package execution

import "time"

// MetricType classifies metric samples.
type MetricType string

const (
	// MetricCounter is a monotonically increasing count.
	MetricCounter MetricType = "counter"
	// MetricGauge is a point-in-time value.
	MetricGauge MetricType = "gauge"
	// MetricHistogram is a distribution sample.
	MetricHistogram MetricType = "histogram"
	// MetricTimer is a duration sample in milliseconds.
	MetricTimer MetricType = "timer"
)

// Metric is one persisted metric sample, pruned by retention.
type Metric struct {
	Name      string            `json:"name" bson:"name"`
	Type      MetricType        `json:"type" bson:"type"`
	Value     float64           `json:"value" bson:"value"`
	Tags      map[string]string `json:"tags,omitempty" bson:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp" bson:"timestamp"`
}

// HealthState grades a component health check.
type HealthState string

const (
	// HealthHealthy means the component is operating normally.
	HealthHealthy HealthState = "HEALTHY"
	// HealthWarning means the component works but breaches a threshold.
	HealthWarning HealthState = "WARNING"
	// HealthCritical means the component is close to failing.
	HealthCritical HealthState = "CRITICAL"
	// HealthDown means the component is unavailable.
	HealthDown HealthState = "DOWN"
)

// severityRank orders health states from best to worst.
var severityRank = map[HealthState]int{
	HealthHealthy:  0,
	HealthWarning:  1,
	HealthCritical: 2,
	HealthDown:     3,
}

// WorseThan reports whether s ranks worse than other.
func (s HealthState) WorseThan(other HealthState) bool {
	return severityRank[s] > severityRank[other]
}

// HealthCheck is one component check result, pruned by retention.
type HealthCheck struct {
	Component      string         `json:"component" bson:"component"`
	Status         HealthState    `json:"status" bson:"status"`
	Message        string         `json:"message,omitempty" bson:"message,omitempty"`
	Details        map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	ResponseTimeMS int64          `json:"response_time_ms" bson:"response_time_ms"`
	CheckedAt      time.Time      `json:"checked_at" bson:"checked_at"`
}

// AlertSeverity grades alerts.
type AlertSeverity string

const (
	// SeverityInfo is advisory.
	SeverityInfo AlertSeverity = "info"
	// SeverityWarning needs eventual attention.
	SeverityWarning AlertSeverity = "warning"
	// SeverityCritical needs immediate attention.
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a persisted threshold breach. It stays unacknowledged until a
// client acknowledges it.
type Alert struct {
	ID           string         `json:"id" bson:"id"`
	Severity     AlertSeverity  `json:"severity" bson:"severity"`
	Title        string         `json:"title" bson:"title"`
	Message      string         `json:"message" bson:"message"`
	Details      map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	GeneratedAt  time.Time      `json:"generated_at" bson:"generated_at"`
	Acknowledged bool           `json:"acknowledged" bson:"acknowledged"`
}

// SystemHealth is the aggregate of the latest round of health checks.
type SystemHealth struct {
	Overall   HealthState   `json:"overall" bson:"overall"`
	Checks    []HealthCheck `json:"checks" bson:"checks"`
	CheckedAt time.Time     `json:"checked_at" bson:"checked_at"`
}
