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

package daemon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-dev/crucible/internal/api"
	"github.com/crucible-dev/crucible/internal/catalog"
	"github.com/crucible-dev/crucible/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStoreUnknownType(t *testing.T) {
	_, err := openStore(context.Background(), config.StoreConfig{Type: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestOpenStoreMemory(t *testing.T) {
	st, err := openStore(context.Background(), config.StoreConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, st.Ping(context.Background()))
	require.NoError(t, st.Close())
}

func TestBuildCatalogWithoutDir(t *testing.T) {
	loader, err := buildCatalog(config.CatalogConfig{}, testLogger())
	require.NoError(t, err)
	_, ok := loader.(*catalog.StaticLoader)
	assert.True(t, ok)
}

func TestDaemonRunAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.DrainTimeout = time.Second
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Store.Type = "memory"
	cfg.Observability.MetricsEnabled = false
	require.NoError(t, cfg.Validate())

	d, err := New(context.Background(), cfg, api.BuildInfo{Version: "test"}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Give the listeners a moment, then trigger the shutdown path.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
