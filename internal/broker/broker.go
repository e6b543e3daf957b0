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

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	coreerrors "github.com/forgecore/runtime/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// resourceState is everything the broker tracks for one registered
// resource: its descriptor, its priority queue, and its dispatcher's
// cancellation.
type resourceState struct {
	descriptor Descriptor
	queue      *priorityQueue
	cancel     context.CancelFunc
	draining   atomic.Bool

	completed   atomic.Int64
	totalWaitNs atomic.Int64
	totalProcNs atomic.Int64
}

// Broker is the Resource Broker: it admits, queues, rate-limits, and
// retries operations against registered resources.
type Broker struct {
	logger  *slog.Logger
	backend RateLimitBackend
	clock   Clock

	mu        sync.RWMutex
	resources map[string]*resourceState

	group   *errgroup.Group
	groupCtx context.Context
	cancel  context.CancelFunc

	startedAt time.Time

	totalRequests atomic.Int64
	totalSuccess  atomic.Int64
	totalErrors   atomic.Int64

	shuttingDown atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithClock substitutes the wall clock, for deterministic tumbling-
// window tests.
func WithClock(clock Clock) Option {
	return func(b *Broker) { b.clock = clock }
}

// WithRateLimitBackend substitutes the counter store, e.g. a shared
// backend over the state broker for cross-process coordination.
func WithRateLimitBackend(backend RateLimitBackend) Option {
	return func(b *Broker) { b.backend = backend }
}

// New creates a Broker ready to accept Register/Enqueue calls.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger:    slog.Default(),
		resources: make(map[string]*resourceState),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.backend == nil {
		b.backend = newMemoryRateLimitBackend(b.clock)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	b.group = group
	b.groupCtx = groupCtx
	b.cancel = cancel

	return b
}

// Register adds or replaces a resource's descriptor. Idempotent.
// Replacing a descriptor does not drain the old one first: the old
// dispatcher is cancelled at once, requests still queued under it fail,
// and executor calls in flight under it see their context cancelled.
func (b *Broker) Register(id string, d Descriptor) {
	b.mu.Lock()
	old, existed := b.resources[id]
	b.mu.Unlock()

	if existed {
		old.draining.Store(true)
		old.cancel()
	}

	state := &resourceState{descriptor: d, queue: newPriorityQueue()}
	ctx, cancel := context.WithCancel(b.groupCtx)
	state.cancel = cancel

	b.mu.Lock()
	b.resources[id] = state
	b.mu.Unlock()

	b.group.Go(func() error {
		b.dispatch(ctx, id, state)
		return nil
	})
}

// Enqueue submits req and blocks until it terminally succeeds or fails.
func (b *Broker) Enqueue(ctx context.Context, req Request) Response {
	b.totalRequests.Add(1)

	if b.shuttingDown.Load() {
		return b.finish(Response{Success: false, Error: &coreerrors.ResourceError{
			Resource: req.Resource, Message: "broker is shutting down",
		}})
	}

	b.mu.RLock()
	state, ok := b.resources[req.Resource]
	b.mu.RUnlock()
	if !ok {
		return b.finish(Response{Success: false, Error: &coreerrors.ResourceError{
			Resource: req.Resource, Message: "resource not registered",
		}})
	}

	resultC := make(chan Response, 1)
	state.queue.push(item{req: req, resultC: resultC, enqueuedAt: time.Now()})

	select {
	case resp := <-resultC:
		return b.finish(resp)
	case <-ctx.Done():
		return b.finish(Response{Success: false, Error: &coreerrors.ResourceError{
			Resource: req.Resource, Class: coreerrors.RetryClassNone, Message: "cancelled while queued",
		}})
	}
}

func (b *Broker) finish(resp Response) Response {
	if resp.Success {
		b.totalSuccess.Add(1)
	} else {
		b.totalErrors.Add(1)
	}
	return resp
}

// dispatch is the per-resource loop: pick the oldest item from the
// highest non-empty sub-queue, wait for rate-limit admission, execute
// with retry, deliver the response.
func (b *Broker) dispatch(ctx context.Context, id string, state *resourceState) {
	for {
		it, ok := state.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-state.queue.signal:
				continue
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		if ctx.Err() != nil {
			it.resultC <- Response{Success: false, Error: &coreerrors.ResourceError{
				Resource: id, Message: "resource deregistered or broker shutting down",
			}}
			continue
		}

		resp := b.execute(ctx, id, state, it.req, it.enqueuedAt)
		it.resultC <- resp
	}
}

// execute runs one request through admission + retry + the registered
// Executor, timing the wait-for-admission and executor phases
// separately so Response and the resource's running stats can report
// both.
func (b *Broker) execute(ctx context.Context, id string, state *resourceState, req Request, enqueuedAt time.Time) Response {
	d := state.descriptor

	timeout := d.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := b.admit(reqCtx, id, req, d.RateLimit); err != nil {
		timeQueued := time.Since(enqueuedAt)
		b.recordTiming(state, timeQueued, 0)
		return Response{
			Success:    false,
			TimeQueued: timeQueued,
			Total:      timeQueued,
			Error: &coreerrors.ResourceError{
				Resource: id, Class: Classify(err), Message: err.Error(), Cause: err,
			},
		}
	}
	defer b.backend.Release(id)

	execStart := time.Now()
	timeQueued := execStart.Sub(enqueuedAt)

	retries := 0
	var lastErr error

	for attempt := 1; ; attempt++ {
		data, err := d.Executor.Execute(reqCtx, req)
		if err == nil {
			timeExecuting := time.Since(execStart)
			b.recordTiming(state, timeQueued, timeExecuting)
			return Response{
				Success:       true,
				Data:          data,
				Retries:       retries,
				TimeQueued:    timeQueued,
				TimeExecuting: timeExecuting,
				Total:         timeQueued + timeExecuting,
			}
		}
		lastErr = err

		class := Classify(err)
		if !isRetryable(class, d.Retry) || attempt > d.Retry.MaxRetries {
			break
		}

		retries++
		select {
		case <-time.After(backoff(attempt, d.Retry)):
		case <-reqCtx.Done():
			lastErr = reqCtx.Err()
			goto done
		}
	}

done:
	code := coreerrors.CodeRetryExhausted
	if reqCtx.Err() != nil {
		code = coreerrors.CodeTimeout
	}
	timeExecuting := time.Since(execStart)
	b.recordTiming(state, timeQueued, timeExecuting)
	return Response{
		Success:       false,
		Retries:       retries,
		TimeQueued:    timeQueued,
		TimeExecuting: timeExecuting,
		Total:         timeQueued + timeExecuting,
		Error: &coreerrors.ResourceError{
			Resource: id,
			Class:    Classify(lastErr),
			Message:  fmt.Sprintf("%s: %v", code, lastErr),
			Cause:    lastErr,
		},
	}
}

// recordTiming folds one request's wait/processing time into the
// resource's running totals, used to compute ResourceStats'
// AvgWaitTime/AvgProcessingTime.
func (b *Broker) recordTiming(state *resourceState, timeQueued, timeExecuting time.Duration) {
	state.completed.Add(1)
	state.totalWaitNs.Add(timeQueued.Nanoseconds())
	state.totalProcNs.Add(timeExecuting.Nanoseconds())
}

// admit blocks until rate-limit admission succeeds or reqCtx expires.
func (b *Broker) admit(ctx context.Context, id string, req Request, spec *RateLimitSpec) error {
	if spec == nil {
		return nil
	}

	for {
		result := b.backend.Acquire(id, req.Tokens, *spec)
		if result.Admitted {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(result.WaitMs) * time.Millisecond):
		}
	}
}

// Stats returns the broker's aggregate counters and every registered
// resource's per-resource snapshot.
func (b *Broker) Stats() (AggregateStats, map[string]ResourceStats) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	perResource := make(map[string]ResourceStats, len(b.resources))
	queueSize := 0
	for id, state := range b.resources {
		stats := b.backend.GetStats(id)
		high, normal, low := state.queue.lenByPriority()
		stats.QueueByPriority = QueueDepths{High: high, Normal: normal, Low: low}

		if completed := state.completed.Load(); completed > 0 {
			stats.TotalWaitTime = time.Duration(state.totalWaitNs.Load())
			stats.TotalProcessingTime = time.Duration(state.totalProcNs.Load())
			stats.AvgWaitTime = stats.TotalWaitTime / time.Duration(completed)
			stats.AvgProcessingTime = stats.TotalProcessingTime / time.Duration(completed)
		}

		perResource[id] = stats
		queueSize += high + normal + low
	}

	agg := AggregateStats{
		TotalRequests: b.totalRequests.Load(),
		TotalSuccess:  b.totalSuccess.Load(),
		TotalErrors:   b.totalErrors.Load(),
		QueueSize:     queueSize,
		UptimeMs:      time.Since(b.startedAt).Milliseconds(),
	}
	return agg, perResource
}

// Shutdown stops accepting new requests, cancels every dispatcher, and
// waits for them to exit, bounded by ctx: an executor that ignores
// cancellation can't hang Shutdown past ctx's deadline.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shuttingDown.Store(true)
	b.cancel()

	done := make(chan error, 1)
	go func() { done <- b.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
