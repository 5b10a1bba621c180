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

// Package tracing wires OpenTelemetry metrics and traces for the engine.
// Metrics are exported through the Prometheus bridge and served by
// promhttp; traces go to an OTLP collector when an endpoint is configured.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects which exporters the provider sets up.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint enables the gRPC trace exporter when non-empty.
	OTLPEndpoint string
	OTLPInsecure bool
}

// Provider owns the OpenTelemetry SDK pieces: a meter provider backed by
// the Prometheus exporter and, optionally, an OTLP trace provider.
type Provider struct {
	tp        *sdktrace.TracerProvider
	mp        *sdkmetric.MeterProvider
	collector *MetricsCollector
}

// NewProvider builds the provider. Metrics are always set up; traces only
// when an OTLP endpoint is configured.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	// Empty schema URL avoids merge conflicts with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	collector, err := NewMetricsCollector(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	p := &Provider{mp: mp, collector: collector}

	if cfg.OTLPEndpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		p.tp = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(p.tp)
	}

	return p, nil
}

// Tracer returns a tracer for the given instrumentation scope. Without an
// OTLP endpoint it is a no-op tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Metrics returns the engine's metrics collector.
func (p *Provider) Metrics() *MetricsCollector {
	return p.collector
}

// MetricsHandler serves the Prometheus scrape endpoint. The OTel
// prometheus exporter registers with the default registry.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes pending telemetry and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.mp != nil {
		return p.mp.Shutdown(ctx)
	}
	return nil
}
