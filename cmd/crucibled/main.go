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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/crucible-dev/crucible/internal/api"
	"github.com/crucible-dev/crucible/internal/config"
	"github.com/crucible-dev/crucible/internal/daemon"
	"github.com/crucible-dev/crucible/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		listen      = flag.String("listen", "", "API listen address (overrides config)")
		storeType   = flag.String("store", "", "Store backend (memory, sqlite, mongo)")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database path")
		catalogDir  = flag.String("catalog-dir", "", "Directory of test case and suite definitions")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		checkConfig = flag.Bool("check-config", false, "Validate configuration and exit")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("crucibled %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *storeType != "" {
		cfg.Store.Type = *storeType
	}
	if *sqlitePath != "" {
		cfg.Store.SQLite.Path = *sqlitePath
	}
	if *catalogDir != "" {
		cfg.Catalog.Dir = *catalogDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if *checkConfig {
		fmt.Println("configuration OK")
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, api.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}, logger)
	if err != nil {
		logger.Error("Failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	if err := d.Run(ctx); err != nil {
		logger.Error("Daemon error", slog.Any("error", err))
		os.Exit(1)
	}
}
