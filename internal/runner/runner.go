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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgecore/runtime/internal/corelog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Runner is the Sandbox Execution Runner: it executes one
// HandlerInvocation at a time per call to Run, under isolated
// (subprocess) or in-process (development) mode, and always returns
// exactly one ExecutionResult.
type Runner struct {
	loader    HandlerLoader
	logger    *slog.Logger
	tracer    trace.Tracer
	meter     metric.Meter
	crashDir  string
	semaphore chan struct{}

	capabilitySecret  []byte
	invocationCounter metric.Int64Counter

	mu          sync.RWMutex
	subscribers map[string][]chan LogRecord

	active   atomic.Int64
	draining atomic.Bool
}

// New creates a Runner. A nil logger or tracer disables the
// corresponding side effect; loader defaults to a PluginLoader.
func New(opts ...Option) *Runner {
	r := &Runner{
		loader:      NewPluginLoader(),
		logger:      slog.Default(),
		subscribers: make(map[string][]chan LogRecord),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}

	if r.meter != nil {
		counter, err := r.meter.Int64Counter(
			"core.runner.invocations",
			metric.WithDescription("handler invocations, labelled by outcome"),
		)
		if err != nil {
			r.logger.Warn("runner: failed to create invocation counter", "error", err)
		} else {
			r.invocationCounter = counter
		}
	}

	return r
}

// Run executes invocation and blocks until it terminates, returning
// exactly one ExecutionResult. The runner never returns an error from
// Run itself; all outcomes, including runtime-imposed termination, are
// carried in the result.
func (r *Runner) Run(ctx context.Context, inv HandlerInvocation) ExecutionResult {
	if r.draining.Load() {
		return errorResult("QUEUE_FULL", "runner is draining and accepts no new invocations", "")
	}

	if inv.Limits.SpawnTimeout == 0 {
		inv.Limits = mergeDefaultLimits(inv.Limits)
	}
	if inv.RequestID == "" {
		inv.RequestID = uuid.New().String()
	}

	if r.semaphore != nil {
		select {
		case r.semaphore <- struct{}{}:
			defer func() { <-r.semaphore }()
		case <-ctx.Done():
			return errorResult("CANCELLED", "invocation cancelled while waiting for a worker slot", "")
		}
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	parentSpan := trace.SpanContextFromContext(ctx)

	spanCtx, span := r.startSpan(ctx, inv)
	defer r.endSpan(span)

	exec := r.buildExecutionContext(spanCtx, inv, parentSpan)
	logger := r.invocationLogger(exec)

	result := r.dispatch(spanCtx, inv, exec, logger)
	r.recordSpanOutcome(span, result)
	r.recordMetric(spanCtx, inv, result)
	r.logOutcome(logger, inv, result)
	r.publish(inv, result)

	return result
}

// buildExecutionContext assembles the runtime envelope handed to the
// handler: the invocation's identity/policy fields, plus tracing ids
// pulled from ctx's active span (started by startSpan) and parentSpan
// (the span, if any, that was active before this invocation's own
// span was started).
func (r *Runner) buildExecutionContext(ctx context.Context, inv HandlerInvocation, parentSpan trace.SpanContext) ExecutionContext {
	exec := ExecutionContext{
		RequestID:      inv.RequestID,
		PluginID:       inv.PluginID,
		PluginVersion:  inv.PluginVersion,
		PluginRoot:     inv.PluginRoot,
		WorkDir:        inv.WorkDir,
		OutDir:         inv.OutDir,
		AdapterKind:    inv.AdapterKind,
		AdapterPayload: inv.AdapterPayload,
		Argv:           inv.Argv,
		Flags:          inv.Flags,
		Permissions:    inv.Permissions,
		Limits:         inv.Limits,
		Debug:          inv.Debug,
	}
	if exec.PluginRoot == "" {
		exec.PluginRoot = inv.WorkDir
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		exec.TraceID = sc.TraceID().String()
		exec.SpanID = sc.SpanID().String()
	}
	if parentSpan.IsValid() {
		exec.ParentSpanID = parentSpan.SpanID().String()
	}

	return exec
}

// invocationLogger scopes r.logger with the correlation fields every
// log line for this invocation should carry.
func (r *Runner) invocationLogger(exec ExecutionContext) *slog.Logger {
	logger := corelog.WithRequestID(r.logger, exec.RequestID)
	if exec.TraceID != "" {
		logger = corelog.WithTraceID(logger, exec.TraceID)
	}
	if exec.PluginID != "" {
		logger = corelog.WithPlugin(logger, exec.PluginID)
	}
	return logger
}

// logOutcome emits one log line per invocation, carrying the
// correlation fields invocationLogger attached.
func (r *Runner) logOutcome(logger *slog.Logger, inv HandlerInvocation, result ExecutionResult) {
	if result.OK {
		logger.Debug("runner: invocation completed",
			slog.String("handler", inv.Handler.Export),
			corelog.Duration("duration", result.DurationMs))
		return
	}
	logger.Warn("runner: invocation failed",
		slog.String("handler", inv.Handler.Export),
		corelog.Duration("duration", result.DurationMs),
		slog.Any("error", result.Error))
}

func (r *Runner) recordMetric(ctx context.Context, inv HandlerInvocation, result ExecutionResult) {
	if r.invocationCounter == nil {
		return
	}

	outcome := "ok"
	if !result.OK {
		outcome = "error"
	}
	r.invocationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", inv.Handler.Export),
		attribute.String("outcome", outcome),
	))
}

func (r *Runner) dispatch(ctx context.Context, inv HandlerInvocation, exec ExecutionContext, logger *slog.Logger) ExecutionResult {
	if inv.Isolated {
		ws := newWorkerSupervisor(r, inv, exec, logger)
		return ws.run(ctx)
	}
	return r.runInProcess(ctx, inv, exec)
}

func mergeDefaultLimits(l Limits) Limits {
	d := DefaultLimits()
	if l.SpawnTimeout == 0 {
		l.SpawnTimeout = d.SpawnTimeout
	}
	if l.Timeout == 0 {
		l.Timeout = d.Timeout
	}
	if l.Grace == 0 {
		l.Grace = d.Grace
	}
	if l.MemoryMB == 0 {
		l.MemoryMB = d.MemoryMB
	}
	return l
}

// startSpan starts a per-invocation span, recovering from any panic in
// the tracer so a misbehaving exporter can never take down a worker.
func (r *Runner) startSpan(ctx context.Context, inv HandlerInvocation) (spanCtx context.Context, span trace.Span) {
	if r.tracer == nil {
		return ctx, nil
	}

	spanCtx = ctx
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("panic during span start", "error", rec, "handler", inv.Handler.Export)
			spanCtx, span = ctx, nil
		}
	}()

	attrs := []attribute.KeyValue{
		attribute.String("handler", inv.Handler.Export),
		attribute.String("request_id", inv.RequestID),
	}
	if inv.PluginID != "" {
		attrs = append(attrs, attribute.String("plugin_id", inv.PluginID))
	}

	spanCtx, span = r.tracer.Start(ctx, fmt.Sprintf("runner.invoke %s", inv.Handler.Export), trace.WithAttributes(attrs...))
	return spanCtx, span
}

func (r *Runner) endSpan(span trace.Span) {
	if span == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("panic during span end", "error", rec)
		}
	}()

	span.End()
}

func (r *Runner) recordSpanOutcome(span trace.Span, result ExecutionResult) {
	if span == nil || result.OK {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("panic during span set status", "error", rec)
		}
	}()

	span.SetStatus(codes.Error, errorMessage(result))
}

func errorMessage(result ExecutionResult) string {
	if result.Error == nil {
		return ""
	}
	return result.Error.Code + ": " + result.Error.Message
}

// Subscribe returns a channel of log records for the given handler
// export name, plus an unsubscribe function.
func (r *Runner) Subscribe(handlerExport string) (<-chan LogRecord, func()) {
	ch := make(chan LogRecord, 100)

	r.mu.Lock()
	r.subscribers[handlerExport] = append(r.subscribers[handlerExport], ch)
	r.mu.Unlock()

	unsub := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[handlerExport]
		for i, sub := range subs {
			if sub == ch {
				r.subscribers[handlerExport] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}

	return ch, unsub
}

func (r *Runner) publish(inv HandlerInvocation, result ExecutionResult) {
	r.mu.RLock()
	subs := r.subscribers[inv.Handler.Export]
	r.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	for _, log := range result.Logs {
		for _, ch := range subs {
			select {
			case ch <- log:
			default:
			}
		}
	}
}

// StartDraining stops the runner from accepting new invocations.
func (r *Runner) StartDraining() {
	r.draining.Store(true)
}

// IsDraining reports whether the runner is shutting down and rejecting
// new invocations, so callers such as the cron scheduler can skip
// dispatching new work instead of piling up QUEUE_FULL results.
func (r *Runner) IsDraining() bool {
	return r.draining.Load()
}

// ActiveCount returns the number of invocations currently executing.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// WaitForDrain blocks until all active invocations complete or timeout
// elapses, returning an error in the latter case.
func (r *Runner) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	r.StartDraining()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if remaining := r.ActiveCount(); remaining > 0 {
				return fmt.Errorf("runner: drain timeout with %d invocation(s) still active", remaining)
			}
			return nil
		case <-ticker.C:
			if r.ActiveCount() == 0 {
				return nil
			}
		}
	}
}

// Dispose drains outstanding invocations within timeout and releases
// subscriber channels.
func (r *Runner) Dispose(ctx context.Context, timeout time.Duration) error {
	err := r.WaitForDrain(ctx, timeout)

	r.mu.Lock()
	for _, subs := range r.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	r.subscribers = make(map[string][]chan LogRecord)
	r.mu.Unlock()

	return err
}
