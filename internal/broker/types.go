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

// Package broker implements the Resource Broker: admission, priority
// queueing, rate limiting, and retry for operations against heavy
// external resources. One Broker instance registers many
// ResourceDescriptors by id.
package broker

import (
	"context"
	"time"

	coreerrors "github.com/forgecore/runtime/pkg/errors"
)

// Priority is a strict FIFO-sub-queue ordering; starvation avoidance is
// not required.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// RateLimitSpec bounds a resource's throughput. Nil pointer fields mean
// "no limit of that kind".
type RateLimitSpec struct {
	RequestsPerSecond *int
	RequestsPerMinute *int
	TokensPerMinute   *int

	// SafetyMargin scales every configured limit down before admission:
	// effective = floor(limit * SafetyMargin). Defaults to 1.0 (no
	// margin) when zero.
	SafetyMargin float64

	// MaxConcurrentRequests bounds in-flight requests regardless of
	// the windowed counters. Zero means unbounded.
	MaxConcurrentRequests int
}

// RetrySpec declares the retry/backoff policy for a resource.
type RetrySpec struct {
	MaxRetries      int
	BaseDelayMs     int
	MaxDelayMs      int
	Jitter          float64
	RetryableErrors []coreerrors.RetryClass
}

// DefaultRetrySpec returns a sensible default retry/backoff policy for
// a resource that doesn't declare its own.
func DefaultRetrySpec() RetrySpec {
	return RetrySpec{
		MaxRetries:  3,
		BaseDelayMs: 100,
		MaxDelayMs:  10_000,
		Jitter:      0.1,
		RetryableErrors: []coreerrors.RetryClass{
			coreerrors.RetryClassRateLimit,
			coreerrors.RetryClassServerErr,
			coreerrors.RetryClassTimeout,
			coreerrors.RetryClassNetwork,
		},
	}
}

// Executor performs the actual call against the external resource.
// Implementations classify their own failures by returning a
// *coreerrors.ResourceError with Class set; an unclassified error is
// treated as non-retryable.
type Executor interface {
	Execute(ctx context.Context, req Request) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// Descriptor registers one resource with the broker.
type Descriptor struct {
	RateLimit      *RateLimitSpec
	Retry          RetrySpec
	DefaultTimeout time.Duration
	Executor       Executor
}

// Request is one unit of admitted work against a registered resource.
type Request struct {
	Resource  string
	Priority  Priority
	TimeoutMs int
	Tokens    int
	Payload   any
}

// Response is returned from Enqueue once the request terminally
// succeeds or fails; the broker never raises.
type Response struct {
	Success bool
	Data    any
	Error   *coreerrors.ResourceError
	Retries int

	// TimeQueued is how long the request waited between Enqueue and
	// admission (rate-limit acquisition).
	TimeQueued time.Duration

	// TimeExecuting is how long the admitted request spent in the
	// executor, including any retries.
	TimeExecuting time.Duration

	// Total is TimeQueued + TimeExecuting.
	Total time.Duration
}
