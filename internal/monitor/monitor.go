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

// Package monitor runs the periodic health loop: component checks with
// worst-status-wins aggregation, threshold alerts, resource sampling,
// and retention pruning of metric and health rows.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/crucible-dev/crucible/internal/config"
	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/internal/tracing"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Component names used in health checks.
const (
	ComponentStore       = "store"
	ComponentEngine      = "engine"
	ComponentQueue       = "queue"
	ComponentPerformance = "performance"
)

// Store is the persistence surface the monitor needs.
type Store interface {
	store.TraceStore
	store.QueueStore
	store.MetricStore
	store.HealthStore
	store.AlertStore
	Ping(ctx context.Context) error
}

// Monitor runs the health loop.
type Monitor struct {
	store   Store
	metrics *tracing.MetricsCollector
	cfg     config.MonitorConfig
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	breached map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a monitor. metrics may be nil.
func New(st Store, metrics *tracing.MetricsCollector, cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:    st,
		metrics:  metrics,
		cfg:      cfg,
		logger:   log.WithComponent(logger, "monitor"),
		now:      func() time.Time { return time.Now().UTC() },
		breached: make(map[string]bool),
	}
}

// Start launches the monitoring loop. It returns a ConflictError when the
// loop is already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return &errors.ConflictError{Resource: "monitor", Reason: "already running"}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx)
	m.logger.Info("monitoring loop started",
		log.Duration("interval", m.cfg.HealthCheckInterval.Milliseconds()))
	return nil
}

// Stop halts the loop and waits for the current round to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("monitoring loop stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		if _, err := m.RunChecks(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("health check round failed", log.Error(err))
		}
		m.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunChecks performs one round of health checks, persists the results,
// emits alerts for threshold breaches, and samples process resources.
// Overall status is the worst component status.
func (m *Monitor) RunChecks(ctx context.Context) (execution.SystemHealth, error) {
	checkedAt := m.now()
	checks := []execution.HealthCheck{
		m.checkStore(ctx),
		m.checkEngine(ctx),
		m.checkQueue(ctx),
		m.checkPerformance(ctx),
	}

	overall := execution.HealthHealthy
	for _, c := range checks {
		if c.Status.WorseThan(overall) {
			overall = c.Status
		}
	}
	health := execution.SystemHealth{Overall: overall, Checks: checks, CheckedAt: checkedAt}

	if err := m.store.RecordHealthChecks(ctx, checks); err != nil {
		m.logger.Error("failed to persist health checks", log.Error(err))
	}
	m.sampleResources(ctx)

	if overall != execution.HealthHealthy {
		m.logger.Warn("system health degraded", log.String(log.StatusKey, string(overall)))
	}
	return health, nil
}

func (m *Monitor) checkStore(ctx context.Context) execution.HealthCheck {
	start := m.now()
	err := m.store.Ping(ctx)
	elapsed := m.now().Sub(start)

	check := execution.HealthCheck{
		Component:      ComponentStore,
		Status:         execution.HealthHealthy,
		ResponseTimeMS: elapsed.Milliseconds(),
		CheckedAt:      m.now(),
	}
	switch {
	case err != nil:
		check.Status = execution.HealthDown
		check.Message = "store unreachable: " + err.Error()
	case elapsed > m.cfg.StoreResponseWarn:
		check.Status = execution.HealthWarning
		check.Message = fmt.Sprintf("store responded in %v, threshold %v", elapsed, m.cfg.StoreResponseWarn)
	}
	return check
}

func (m *Monitor) checkEngine(ctx context.Context) execution.HealthCheck {
	start := m.now()
	check := execution.HealthCheck{
		Component: ComponentEngine,
		Status:    execution.HealthHealthy,
		CheckedAt: start,
	}

	running, _, err := m.store.ListTraces(ctx, store.TraceFilter{
		Statuses: []execution.Status{execution.StatusRunning},
	})
	if err != nil {
		check.Status = execution.HealthWarning
		check.Message = "failed to inspect running executions: " + err.Error()
		return check
	}

	cutoff := start.Add(-m.cfg.StuckRunAge)
	stuck := 0
	for _, t := range running {
		if t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			stuck++
		}
	}
	check.Details = map[string]any{
		"running_executions": len(running),
		"stuck_executions":   stuck,
	}
	if stuck > 0 {
		check.Status = execution.HealthWarning
		check.Message = fmt.Sprintf("%d executions running longer than %v", stuck, m.cfg.StuckRunAge)
		m.raiseAlert(ctx, "stuck-executions", execution.SeverityWarning,
			"Stuck executions detected", check.Message, check.Details)
	} else {
		m.clearBreach("stuck-executions")
	}
	check.ResponseTimeMS = m.now().Sub(start).Milliseconds()
	return check
}

func (m *Monitor) checkQueue(ctx context.Context) execution.HealthCheck {
	start := m.now()
	check := execution.HealthCheck{
		Component: ComponentQueue,
		Status:    execution.HealthHealthy,
		CheckedAt: start,
	}

	counts, err := m.store.QueueCounts(ctx)
	if err != nil {
		check.Status = execution.HealthWarning
		check.Message = "failed to read queue counts: " + err.Error()
		return check
	}
	check.Details = map[string]any{
		"queued":       counts.TotalQueued,
		"in_flight":    counts.InFlight,
		"dead_letters": counts.DeadLetters,
	}
	m.metrics.SetQueueDepth(counts.TotalQueued)
	m.recordGauge(ctx, "queue_depth", float64(counts.TotalQueued), nil)

	if counts.TotalQueued > m.cfg.QueueDepthWarn {
		check.Status = execution.HealthWarning
		check.Message = fmt.Sprintf("queue depth %d exceeds threshold %d", counts.TotalQueued, m.cfg.QueueDepthWarn)
		m.raiseAlert(ctx, "queue-depth", execution.SeverityWarning,
			"Queue backlog building", check.Message, check.Details)
	} else {
		m.clearBreach("queue-depth")
	}
	check.ResponseTimeMS = m.now().Sub(start).Milliseconds()
	return check
}

func (m *Monitor) checkPerformance(ctx context.Context) execution.HealthCheck {
	start := m.now()
	check := execution.HealthCheck{
		Component: ComponentPerformance,
		Status:    execution.HealthHealthy,
		CheckedAt: start,
	}

	since := start.Add(-m.cfg.PerformanceWindow)
	completed, _, err := m.store.ListTraces(ctx, store.TraceFilter{
		Statuses: []execution.Status{
			execution.StatusPassed, execution.StatusFailed,
			execution.StatusCancelled, execution.StatusAborted,
		},
		CompletedAfter: &since,
	})
	if err != nil {
		check.Status = execution.HealthWarning
		check.Message = "failed to inspect completed executions: " + err.Error()
		return check
	}

	var totalDuration int64
	failed := 0
	for _, t := range completed {
		totalDuration += t.TotalDurationMS
		if t.Status == execution.StatusFailed || t.Status == execution.StatusAborted {
			failed++
		}
	}

	sample := len(completed)
	check.Details = map[string]any{"completed_in_window": sample}
	if sample == 0 {
		check.ResponseTimeMS = m.now().Sub(start).Milliseconds()
		return check
	}

	avg := time.Duration(totalDuration/int64(sample)) * time.Millisecond
	failureRate := float64(failed) / float64(sample)
	check.Details["average_duration_ms"] = totalDuration / int64(sample)
	check.Details["failure_rate"] = failureRate

	if avg > m.cfg.AvgDurationWarn {
		check.Status = execution.HealthWarning
		check.Message = fmt.Sprintf("average execution duration %v exceeds %v", avg, m.cfg.AvgDurationWarn)
	}
	if failureRate > m.cfg.FailureRateWarn {
		check.Status = execution.HealthWarning
		if check.Message != "" {
			check.Message += "; "
		}
		check.Message += fmt.Sprintf("failure rate %.0f%% exceeds %.0f%%", failureRate*100, m.cfg.FailureRateWarn*100)
		// Thin samples produce noisy rates; alert only with enough data.
		if sample >= m.cfg.MinSamplesForAlert {
			m.raiseAlert(ctx, "failure-rate", execution.SeverityCritical,
				"High execution failure rate", check.Message, check.Details)
		}
	} else {
		m.clearBreach("failure-rate")
	}
	check.ResponseTimeMS = m.now().Sub(start).Milliseconds()
	return check
}

// raiseAlert persists one alert per continuous breach: re-checks during
// an ongoing breach do not duplicate the alert.
func (m *Monitor) raiseAlert(ctx context.Context, key string, severity execution.AlertSeverity, title, message string, details map[string]any) {
	m.mu.Lock()
	already := m.breached[key]
	m.breached[key] = true
	m.mu.Unlock()
	if already {
		return
	}

	alert := execution.Alert{
		ID:          uuid.NewString(),
		Severity:    severity,
		Title:       title,
		Message:     message,
		Details:     details,
		GeneratedAt: m.now(),
	}
	if err := m.store.InsertAlert(ctx, alert); err != nil {
		m.logger.Error("failed to persist alert", log.String("title", title), log.Error(err))
		return
	}
	m.logger.Warn("alert raised",
		log.String("severity", string(severity)),
		log.String("title", title))
}

func (m *Monitor) clearBreach(key string) {
	m.mu.Lock()
	delete(m.breached, key)
	m.mu.Unlock()
}

// sampleResources records process CPU and memory as gauges, best effort.
func (m *Monitor) sampleResources(ctx context.Context) {
	var cpuPercent, memoryMB float64

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		cpuPercent = percentages[0]
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			memoryMB = float64(info.RSS) / (1024 * 1024)
		}
	}

	m.metrics.SetResourceUsage(cpuPercent, memoryMB)
	m.recordGauge(ctx, "cpu_percent", cpuPercent, nil)
	m.recordGauge(ctx, "memory_mb", memoryMB, nil)
}

func (m *Monitor) recordGauge(ctx context.Context, name string, value float64, tags map[string]string) {
	err := m.store.RecordMetric(ctx, execution.Metric{
		Name:      name,
		Type:      execution.MetricGauge,
		Value:     value,
		Tags:      tags,
		Timestamp: m.now(),
	})
	if err != nil {
		m.logger.Debug("failed to record metric", log.String("metric", name), log.Error(err))
	}
}

// prune drops metric and health rows older than the retention window.
func (m *Monitor) prune(ctx context.Context) {
	if m.cfg.MetricsRetentionDays <= 0 {
		return
	}
	before := m.now().AddDate(0, 0, -m.cfg.MetricsRetentionDays)
	if n, err := m.store.PruneMetrics(ctx, before); err != nil {
		m.logger.Error("metric pruning failed", log.Error(err))
	} else if n > 0 {
		m.logger.Debug("pruned metrics", log.Int("rows", n))
	}
	if n, err := m.store.PruneHealthChecks(ctx, before); err != nil {
		m.logger.Error("health check pruning failed", log.Error(err))
	} else if n > 0 {
		m.logger.Debug("pruned health checks", log.Int("rows", n))
	}
}

// LatestHealth returns the most recent persisted round, aggregated.
func (m *Monitor) LatestHealth(ctx context.Context) (execution.SystemHealth, error) {
	checks, err := m.store.LatestHealthChecks(ctx)
	if err != nil {
		return execution.SystemHealth{}, err
	}
	health := execution.SystemHealth{Overall: execution.HealthHealthy, Checks: checks}
	for _, c := range checks {
		if c.Status.WorseThan(health.Overall) {
			health.Overall = c.Status
		}
		if c.CheckedAt.After(health.CheckedAt) {
			health.CheckedAt = c.CheckedAt
		}
	}
	return health, nil
}
