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

// Package telemetry builds the OpenTelemetry tracer/meter providers the
// rest of the runtime's components emit spans and counters to: a
// console, OTLP/gRPC, or OTLP/HTTP span exporter, plus a Prometheus
// metrics endpoint, selected by Config rather than compiled in.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Exporter selects where spans are sent.
type Exporter string

const (
	ExporterNone      Exporter = "none"
	ExporterConsole   Exporter = "console"
	ExporterOTLPGRPC  Exporter = "otlp-grpc"
	ExporterOTLPHTTP  Exporter = "otlp-http"
)

// Config controls provider construction.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       Exporter
	Endpoint       string // required for otlp-grpc/otlp-http
	Insecure       bool
}

// FromEnv builds a Config from environment variables:
//   - CORE_SERVICE_NAME (default "core")
//   - CORE_TRACE_EXPORTER: none, console, otlp-grpc, otlp-http (default none)
//   - CORE_OTLP_ENDPOINT: host:port (grpc) or URL (http)
//   - CORE_OTLP_INSECURE: 1 to disable TLS
func FromEnv() Config {
	cfg := Config{
		ServiceName:    "core",
		ServiceVersion: "dev",
		Exporter:       ExporterNone,
	}
	if name := os.Getenv("CORE_SERVICE_NAME"); name != "" {
		cfg.ServiceName = name
	}
	if exp := os.Getenv("CORE_TRACE_EXPORTER"); exp != "" {
		cfg.Exporter = Exporter(exp)
	}
	cfg.Endpoint = os.Getenv("CORE_OTLP_ENDPOINT")
	if insecure, err := strconv.ParseBool(os.Getenv("CORE_OTLP_INSECURE")); err == nil {
		cfg.Insecure = insecure
	}
	return cfg
}

// Provider wraps a tracer provider and a Prometheus-backed meter
// provider. Both are set as their package's global provider so
// libraries reaching for otel.Tracer/otel.Meter pick them up too.
type Provider struct {
	tp   *sdktrace.TracerProvider
	mp   *metric.MeterProvider
	prom *prometheus.Exporter
}

// New builds a Provider from cfg. ExporterNone still returns a working
// Provider backed by an always-sampling no-export TracerProvider, so
// callers don't need a nil-check branch.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(promExporter))
	otel.SetMeterProvider(mp)

	return &Provider{tp: tp, mp: mp, prom: promExporter}, nil
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return nil, nil

	case ExporterConsole:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: create console exporter: %w", err)
		}
		return exp, nil

	case ExporterOTLPGRPC:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("telemetry: otlp-grpc exporter requires an endpoint")
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create otlp-grpc exporter: %w", err)
		}
		return exp, nil

	case ExporterOTLPHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("telemetry: otlp-http exporter requires an endpoint")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create otlp-http exporter: %w", err)
		}
		return exp, nil

	default:
		return nil, fmt.Errorf("telemetry: unknown exporter %q", cfg.Exporter)
	}
}

// Tracer returns a tracer scoped to name, suitable for
// runner.WithTracer/broker span instrumentation.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Meter returns a meter scoped to name, suitable for
// runner.WithMeter/broker counter instrumentation.
func (p *Provider) Meter(name string) otelmetric.Meter {
	return p.mp.Meter(name)
}

// MetricsHandler serves the Prometheus exposition format for every
// metric recorded against this Provider's meter provider.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes pending spans/metrics and releases exporter
// resources. Safe to call once during process shutdown.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown tracer provider: %w", err)
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown meter provider: %w", err)
	}
	return nil
}

// ShutdownTimeout is the default budget Shutdown callers should give
// exporters to flush before giving up.
const ShutdownTimeout = 5 * time.Second
