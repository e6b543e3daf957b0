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

package runner

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Runner.
type Option func(*Runner)

// WithHandlerLoader sets the loader used to resolve HandlerReferences.
// Defaults to a PluginLoader; tests typically substitute a StaticLoader.
func WithHandlerLoader(loader HandlerLoader) Option {
	return func(r *Runner) {
		r.loader = loader
	}
}

// WithLogger sets the structured logger used for runner-level events
// (spawn failures, drain timeouts). Per-invocation logs always travel
// on ExecutionResult.Logs regardless of this setting.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer used for per-invocation
// spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

// WithMeter sets the OpenTelemetry meter used to record an
// invocations-by-outcome counter. Nil (the default) disables metric
// recording entirely.
func WithMeter(meter metric.Meter) Option {
	return func(r *Runner) {
		r.meter = meter
	}
}

// WithCrashDir sets the directory crash reports are written to
// (CORE_CRASH_DIR).
func WithCrashDir(dir string) Option {
	return func(r *Runner) {
		r.crashDir = dir
	}
}

// WithMaxConcurrent bounds the number of invocations running at once.
// Default is unbounded (0).
func WithMaxConcurrent(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.semaphore = make(chan struct{}, n)
		}
	}
}

// WithCapabilitySecret enables signed capability tokens: each isolated
// worker is started with CORE_CAPABILITY_TOKEN set to a JWT encoding
// its Permissions, so it can verify its own allow-lists without a
// round trip to the supervisor. Unset (nil) disables token issuance.
func WithCapabilitySecret(secret []byte) Option {
	return func(r *Runner) {
		r.capabilitySecret = secret
	}
}
