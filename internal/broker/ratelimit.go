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
	"math"
	"sync"
	"time"
)

// Clock abstracts wall-clock time so window rollover is deterministically
// testable without real sleeps.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// AcquireResult is returned by RateLimitBackend.Acquire.
type AcquireResult struct {
	Admitted bool
	// WaitMs is the minimum time until at least one limiting counter
	// frees capacity, when Admitted is false.
	WaitMs int64
}

// RateLimitBackend is the counter store behind rate-limit admission.
// The in-memory implementation is mandatory; a shared backend over the
// state broker can be substituted to coordinate admission across
// processes.
type RateLimitBackend interface {
	Acquire(resource string, tokens int, spec RateLimitSpec) AcquireResult
	Release(resource string)
	GetStats(resource string) ResourceStats
	Reset(resource string)
}

// effectiveLimit applies the configured safety margin, clamped to
// max(1, floor(limit*margin)) whenever the configured limit is >= 1.
func effectiveLimit(limit int, margin float64) int {
	if margin <= 0 {
		margin = 1.0
	}
	unclamped := math.Floor(float64(limit) * margin)
	if limit >= 1 {
		return int(math.Max(1, unclamped))
	}
	return int(unclamped)
}

// window is a tumbling wall-clock counter: it resets to zero the first
// time it's touched in a new window, rather than leaking continuously
// like a sliding token bucket.
type window struct {
	periodStart time.Time
	period      time.Duration
	count       int
}

func (w *window) tumble(now time.Time) {
	if w.periodStart.IsZero() || now.Sub(w.periodStart) >= w.period {
		w.periodStart = now
		w.count = 0
	}
}

func (w *window) remainingMs(now time.Time) int64 {
	elapsed := now.Sub(w.periodStart)
	remaining := w.period - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining.Milliseconds()
}

// resourceCounters holds one resource's window/concurrency state.
type resourceCounters struct {
	mu sync.Mutex

	perSecond window
	perMinReq window
	perMinTok window
	active    int

	stats ResourceStats
}

// memoryRateLimitBackend is the in-memory RateLimitBackend.
type memoryRateLimitBackend struct {
	clock Clock

	mu       sync.Mutex
	counters map[string]*resourceCounters
}

func newMemoryRateLimitBackend(clock Clock) *memoryRateLimitBackend {
	if clock == nil {
		clock = realClock{}
	}
	return &memoryRateLimitBackend{clock: clock, counters: make(map[string]*resourceCounters)}
}

func (b *memoryRateLimitBackend) forResource(resource string) *resourceCounters {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.counters[resource]
	if !ok {
		c = &resourceCounters{
			perSecond: window{period: time.Second},
			perMinReq: window{period: time.Minute},
			perMinTok: window{period: time.Minute},
		}
		b.counters[resource] = c
	}
	return c
}

// Acquire admits a request when all configured limits are satisfied
// and activeCount < maxConcurrentRequests.
func (b *memoryRateLimitBackend) Acquire(resource string, tokens int, spec RateLimitSpec) AcquireResult {
	c := b.forResource(resource)
	now := b.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.perSecond.tumble(now)
	c.perMinReq.tumble(now)
	c.perMinTok.tumble(now)

	var waitMs int64

	if spec.RequestsPerSecond != nil {
		limit := effectiveLimit(*spec.RequestsPerSecond, spec.SafetyMargin)
		if c.perSecond.count >= limit {
			waitMs = maxInt64(waitMs, c.perSecond.remainingMs(now))
		}
	}
	if spec.RequestsPerMinute != nil {
		limit := effectiveLimit(*spec.RequestsPerMinute, spec.SafetyMargin)
		if c.perMinReq.count >= limit {
			waitMs = maxInt64(waitMs, c.perMinReq.remainingMs(now))
		}
	}
	if spec.TokensPerMinute != nil {
		limit := effectiveLimit(*spec.TokensPerMinute, spec.SafetyMargin)
		if c.perMinTok.count+tokens > limit {
			waitMs = maxInt64(waitMs, c.perMinTok.remainingMs(now))
		}
	}
	if spec.MaxConcurrentRequests > 0 && c.active >= spec.MaxConcurrentRequests {
		// No windowed deadline applies; the caller retries admission
		// shortly after the next release.
		waitMs = maxInt64(waitMs, 50)
	}

	if waitMs > 0 {
		c.stats.WaitCount++
		return AcquireResult{Admitted: false, WaitMs: waitMs}
	}

	c.perSecond.count++
	c.perMinReq.count++
	c.perMinTok.count += tokens
	c.active++

	c.stats.ActiveRequests = c.active
	c.stats.TotalRequests++
	c.stats.TotalTokens += int64(tokens)
	c.stats.RequestsThisSecond = c.perSecond.count
	c.stats.RequestsThisMinute = c.perMinReq.count
	c.stats.TokensThisMinute = c.perMinTok.count

	return AcquireResult{Admitted: true}
}

// Release decrements the active-request counter after execution.
func (b *memoryRateLimitBackend) Release(resource string) {
	c := b.forResource(resource)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
	c.stats.ActiveRequests = c.active
}

// GetStats returns a snapshot of the resource's counters.
func (b *memoryRateLimitBackend) GetStats(resource string) ResourceStats {
	c := b.forResource(resource)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Reset clears a resource's counters entirely.
func (b *memoryRateLimitBackend) Reset(resource string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.counters, resource)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
