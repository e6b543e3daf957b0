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

package state

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Option configures a Store.
type Option func(*Store)

// WithClock substitutes the wall clock, for deterministic TTL tests.
func WithClock(clock Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the store's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithSweepInterval overrides the background-sweep period (default
// 30s).
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// Store is the State Broker's in-memory key/value store. All methods
// are safe for concurrent use; operations on a single key observe
// program order.
type Store struct {
	clock  Clock
	logger *slog.Logger

	sweepInterval time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	hits, misses, sets, deletes, evictions int64

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// New creates a Store and starts its background sweep goroutine.
func New(opts ...Option) *Store {
	s := &Store{
		clock:         realClock{},
		logger:        slog.Default(),
		sweepInterval: 30 * time.Second,
		entries:       make(map[string]*entry),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.sweepLoop()
	return s
}

// Get returns the value stored at key, or (nil, false) if absent or
// expired. A read past expiry removes the entry and counts as a miss
// (lazy expiry).
func (s *Store) Get(key string) (any, bool) {
	now := nowMs(s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}
	if e.expired(now) {
		delete(s.entries, key)
		s.misses++
		s.evictions++
		return nil, false
	}

	s.hits++
	return e.value, true
}

// Set stores value at key. ttl of 0 means no expiry.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	now := nowMs(s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{createdAtMs: now}
		s.entries[key] = e
	}
	e.value = value
	e.updatedAtMs = now
	if ttl > 0 {
		e.expiresAtMs = now + ttl.Milliseconds()
	} else {
		e.expiresAtMs = 0
	}
	s.sets++
}

// Delete removes key, if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.deletes++
	}
}

// Clear removes every key matching pattern, a prefix terminated by
// "*"; any other pattern is matched as a doublestar glob. An empty
// pattern clears everything.
func (s *Store) Clear(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pattern == "" {
		n := len(s.entries)
		s.entries = make(map[string]*entry)
		s.deletes += int64(n)
		return
	}

	prefix, isPrefix := strings.CutSuffix(pattern, "*")
	for key := range s.entries {
		matched := isPrefix && strings.HasPrefix(key, prefix)
		if !matched {
			matched, _ = doublestar.Match(pattern, key)
		}
		if !matched {
			continue
		}
		delete(s.entries, key)
		s.deletes++
	}
}

// Stats returns the broker's counters and per-namespace key counts.
func (s *Store) Stats() Stats {
	now := nowMs(s.clock.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	byNS := make(map[string]NamespaceStat)
	live := 0
	for key, e := range s.entries {
		if e.expired(now) {
			continue
		}
		live++
		tenant, ns := namespaceOf(key)
		id := tenant + "/" + ns
		stat, ok := byNS[id]
		if !ok {
			stat = NamespaceStat{Tenant: tenant, Namespace: ns}
		}
		stat.Keys++
		byNS[id] = stat
	}

	return Stats{
		Keys:       live,
		Hits:       s.hits,
		Misses:     s.misses,
		Sets:       s.sets,
		Deletes:    s.deletes,
		Evictions:  s.evictions,
		Namespaces: byNS,
	}
}

// Health reports the store's liveness, for the HTTP facade's /health
// route.
func (s *Store) Health(version string) Health {
	return Health{Status: "ok", Version: version, Stats: s.Stats()}
}

// Stop halts the background sweep goroutine. Safe to call more than
// once and safe to call concurrently with in-flight Get/Set/Delete.
func (s *Store) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweepLoop evicts expired entries on sweepInterval. Not required for
// correctness (Get already lazy-expires) — only bounds memory (spec
// §4.4 "Sweep is not required for correctness").
func (s *Store) sweepLoop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := nowMs(s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			s.evictions++
		}
	}
}
