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

package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records execution engine metrics. All record methods
// are safe on a nil receiver so callers can run without telemetry wired.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	enqueuedTotal     metric.Int64Counter
	completedTotal    metric.Int64Counter
	retriedTotal      metric.Int64Counter
	deadLetteredTotal metric.Int64Counter
	stepsTotal        metric.Int64Counter

	// Histograms
	executionDuration metric.Float64Histogram
	stepDuration      metric.Float64Histogram

	// Gauge state, read by observable callbacks.
	activeExecutions map[string]bool
	activeMu         sync.RWMutex
	queueDepth       int64
	queueDepthMu     sync.RWMutex

	// Resource gauges fed by the monitoring loop.
	cpuPercent float64
	memoryMB   float64
	resourceMu sync.RWMutex
}

// NewMetricsCollector creates the collector and registers its instruments
// on the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("crucible")

	mc := &MetricsCollector{
		meter:            meter,
		activeExecutions: make(map[string]bool),
	}

	var err error

	mc.enqueuedTotal, err = meter.Int64Counter(
		"crucible_executions_enqueued_total",
		metric.WithDescription("Total number of executions enqueued"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	mc.completedTotal, err = meter.Int64Counter(
		"crucible_executions_completed_total",
		metric.WithDescription("Total number of executions reaching a terminal status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	mc.retriedTotal, err = meter.Int64Counter(
		"crucible_executions_retried_total",
		metric.WithDescription("Total number of queue-level retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	mc.deadLetteredTotal, err = meter.Int64Counter(
		"crucible_executions_dead_lettered_total",
		metric.WithDescription("Total number of executions moved to the dead-letter queue"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepsTotal, err = meter.Int64Counter(
		"crucible_steps_total",
		metric.WithDescription("Total number of test steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.executionDuration, err = meter.Float64Histogram(
		"crucible_execution_duration_seconds",
		metric.WithDescription("End-to-end execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"crucible_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"crucible_active_executions",
		metric.WithDescription("Number of currently running executions"),
		metric.WithUnit("{execution}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			mc.activeMu.RLock()
			count := len(mc.activeExecutions)
			mc.activeMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"crucible_queue_depth",
		metric.WithDescription("Number of executions waiting in the queue"),
		metric.WithUnit("{execution}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			mc.queueDepthMu.RLock()
			depth := mc.queueDepth
			mc.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Float64ObservableGauge(
		"crucible_cpu_percent",
		metric.WithDescription("Process host CPU utilisation sampled by the monitor"),
		metric.WithUnit("%"),
		metric.WithFloat64Callback(func(_ context.Context, observer metric.Float64Observer) error {
			mc.resourceMu.RLock()
			cpu := mc.cpuPercent
			mc.resourceMu.RUnlock()
			observer.Observe(cpu)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Float64ObservableGauge(
		"crucible_memory_mb",
		metric.WithDescription("Process memory usage sampled by the monitor"),
		metric.WithUnit("MBy"),
		metric.WithFloat64Callback(func(_ context.Context, observer metric.Float64Observer) error {
			mc.resourceMu.RLock()
			mem := mc.memoryMB
			mc.resourceMu.RUnlock()
			observer.Observe(mem)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordEnqueued counts a queue insertion.
func (mc *MetricsCollector) RecordEnqueued(ctx context.Context, execType string, priority int) {
	if mc == nil {
		return
	}
	mc.enqueuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("execution_type", execType),
		attribute.Int("priority", priority),
	))
}

// RecordExecutionStart tracks the execution in the active gauge.
func (mc *MetricsCollector) RecordExecutionStart(executionID string) {
	if mc == nil {
		return
	}
	mc.activeMu.Lock()
	mc.activeExecutions[executionID] = true
	mc.activeMu.Unlock()
}

// RecordExecutionComplete counts a terminal execution and records its
// duration.
func (mc *MetricsCollector) RecordExecutionComplete(ctx context.Context, executionID, execType, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.activeMu.Lock()
	delete(mc.activeExecutions, executionID)
	mc.activeMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("execution_type", execType),
		attribute.String("status", status),
	}
	mc.completedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.executionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStep counts one step outcome and its duration.
func (mc *MetricsCollector) RecordStep(ctx context.Context, execType, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("execution_type", execType),
		attribute.String("status", status),
	}
	mc.stepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRetry counts a queue-level retry.
func (mc *MetricsCollector) RecordRetry(ctx context.Context, execType string) {
	if mc == nil {
		return
	}
	mc.retriedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("execution_type", execType),
	))
}

// RecordDeadLetter counts a dead-lettered execution.
func (mc *MetricsCollector) RecordDeadLetter(ctx context.Context, execType string) {
	if mc == nil {
		return
	}
	mc.deadLetteredTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("execution_type", execType),
	))
}

// SetQueueDepth updates the queue depth gauge.
func (mc *MetricsCollector) SetQueueDepth(depth int) {
	if mc == nil {
		return
	}
	mc.queueDepthMu.Lock()
	mc.queueDepth = int64(depth)
	mc.queueDepthMu.Unlock()
}

// SetResourceUsage updates the resource gauges from a monitor sample.
func (mc *MetricsCollector) SetResourceUsage(cpuPercent, memoryMB float64) {
	if mc == nil {
		return
	}
	mc.resourceMu.Lock()
	mc.cpuPercent = cpuPercent
	mc.memoryMB = memoryMB
	mc.resourceMu.Unlock()
}
