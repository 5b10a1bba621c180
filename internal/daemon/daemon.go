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

// Package daemon assembles the execution engine: store, state machine,
// queue, orchestrator, monitor, and the HTTP API, with graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/crucible-dev/crucible/internal/api"
	"github.com/crucible-dev/crucible/internal/auth"
	"github.com/crucible-dev/crucible/internal/catalog"
	"github.com/crucible-dev/crucible/internal/config"
	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/monitor"
	"github.com/crucible-dev/crucible/internal/orchestrator"
	"github.com/crucible-dev/crucible/internal/queue"
	"github.com/crucible-dev/crucible/internal/results"
	"github.com/crucible-dev/crucible/internal/runner"
	"github.com/crucible-dev/crucible/internal/service"
	"github.com/crucible-dev/crucible/internal/state"
	"github.com/crucible-dev/crucible/internal/store"
	"github.com/crucible-dev/crucible/internal/store/memory"
	"github.com/crucible-dev/crucible/internal/store/mongo"
	"github.com/crucible-dev/crucible/internal/store/sqlite"
	"github.com/crucible-dev/crucible/internal/tracing"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Store is the full persistence surface the daemon wires together. All
// three backends implement it.
type Store interface {
	store.TraceStore
	store.StepStore
	store.HistoryStore
	store.QueueStore
	store.ResultStore
	store.MetricStore
	store.HealthStore
	store.AlertStore

	Ping(ctx context.Context) error
	Close() error
}

// Daemon owns the engine components and their lifecycles.
type Daemon struct {
	cfg    *config.Config
	build  api.BuildInfo
	logger *slog.Logger

	store    Store
	provider *tracing.Provider
	stateSvc *state.Service
	queueSvc *queue.Service
	orch     *orchestrator.Orchestrator
	mon      *monitor.Monitor
	catalog  catalog.Loader
	server   *api.Server

	httpServer    *http.Server
	metricsServer *http.Server
}

// New builds the daemon from configuration. It opens the store and
// constructs every component but starts nothing; call Run.
func New(ctx context.Context, cfg *config.Config, build api.BuildInfo, logger *slog.Logger) (*Daemon, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	provider, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:    "crucibled",
		ServiceVersion: build.Version,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPInsecure:   cfg.Observability.OTLPInsecure,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	metrics := provider.Metrics()

	loader, err := buildCatalog(cfg.Catalog, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	stateSvc := state.NewService(st, logger)

	queueSvc := queue.NewService(st, stateSvc, metrics, queue.Config{
		PollInterval:      cfg.Queue.PollInterval,
		ProcessingTimeout: cfg.Queue.ProcessingTimeout,
		MaxRetries:        cfg.Queue.MaxRetries,
		BatchSize:         cfg.Queue.BatchSize,
		MaxConcurrent:     cfg.Engine.MaxConcurrentExecutions,
		Backoff:           queue.LinearBackoff(cfg.Queue.BackoffBase),
	}, logger)

	registry := runner.NewRegistry(logger)
	registry.Register(runner.NewGenericRunner(logger))
	registry.Register(runner.NewBDDRunner(logger))
	registry.Register(runner.NewManualRunner(logger))

	processor := results.NewProcessor(st, results.Thresholds{
		SlowStep:    cfg.Monitor.SlowStepThreshold,
		FailureRate: cfg.Monitor.FailureRateWarn,
	}, logger)

	orch := orchestrator.New(st, stateSvc, registry, loader, processor, metrics, orchestrator.Config{
		DefaultTimeout:     cfg.Engine.DefaultTimeout,
		DefaultStepTimeout: cfg.Engine.DefaultStepTimeout,
		MaxParallelCases:   cfg.Engine.MaxParallelCases,
	}, logger)

	mon := monitor.New(st, metrics, cfg.Monitor, logger)

	svc := service.New(st, stateSvc, queueSvc, loader, mon, logger)

	server := api.NewServer(svc, auth.New(cfg.Auth), api.Config{
		Build:           build,
		SubmissionRate:  rate.Limit(cfg.Server.RateLimit),
		SubmissionBurst: cfg.Server.RateBurst,
	}, logger)
	if cfg.Observability.MetricsEnabled {
		server.SetMetricsHandler(provider.MetricsHandler())
	}

	return &Daemon{
		cfg:      cfg,
		build:    build,
		logger:   log.WithComponent(logger, "daemon"),
		store:    st,
		provider: provider,
		stateSvc: stateSvc,
		queueSvc: queueSvc,
		orch:     orch,
		mon:      mon,
		catalog:  loader,
		server:   server,
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: cfg.SQLite.WAL})
	case "mongo":
		return mongo.New(ctx, mongo.Config{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
			Timeout:  cfg.Mongo.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func buildCatalog(cfg config.CatalogConfig, logger *slog.Logger) (catalog.Loader, error) {
	if cfg.Dir == "" {
		return catalog.NewStaticLoader(), nil
	}
	fc, err := catalog.NewFileCatalog(cfg.Dir, cfg.Patterns, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if cfg.Watch {
		if err := fc.Watch(); err != nil {
			logger.Warn("catalog watch unavailable, reload on restart only", log.Error(err))
		}
	}
	return fc, nil
}

// Run starts the engine and blocks until ctx is cancelled or a listener
// fails, then shuts everything down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.mon.Start(ctx); err != nil {
		return err
	}

	handler := func(ctx context.Context, item *execution.QueueItem) error {
		_, err := d.orch.Orchestrate(ctx, item.ExecutionID)
		return err
	}
	if err := d.queueSvc.StartBackgroundProcessing(ctx, handler); err != nil {
		d.mon.Stop()
		return err
	}

	errCh := make(chan error, 2)

	d.httpServer = &http.Server{
		Addr:              d.cfg.Server.Listen,
		Handler:           d.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		d.logger.Info("api listening",
			log.String("addr", d.cfg.Server.Listen),
			log.String("version", d.build.Version))
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if d.cfg.Observability.MetricsEnabled && d.cfg.Observability.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", d.provider.MetricsHandler())
		d.metricsServer = &http.Server{
			Addr:              d.cfg.Observability.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			d.logger.Info("metrics listening", log.String("addr", d.cfg.Observability.MetricsListen))
			if err := d.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		d.logger.Error("listener failed", log.Error(runErr))
	}

	if err := d.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown drains in order: stop accepting submissions, wait for running
// executions, stop the workers and monitor, then close listeners and the
// store. Uses fresh contexts because the run context is already done.
func (d *Daemon) shutdown() error {
	d.logger.Info("shutting down")
	d.server.Drain()

	drainTimeout := d.cfg.Server.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := d.queueSvc.WaitForDrain(drainCtx); err != nil {
		d.logger.Warn("drain timed out, abandoning in-flight executions", log.Error(err))
	}
	cancel()
	d.queueSvc.StopBackgroundProcessing()
	d.mon.Stop()

	shutdownTimeout := d.cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if fc, ok := d.catalog.(*catalog.FileCatalog); ok {
		fc.StopWatching()
	}
	d.stateSvc.Close()
	if err := d.provider.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("telemetry shutdown failed", log.Error(err))
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	d.logger.Info("shutdown complete")
	return firstErr
}
