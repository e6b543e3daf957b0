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

package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgecore/runtime/internal/runner"
	"golang.org/x/sync/errgroup"
)

// Clock abstracts wall-clock time for deterministic scheduling tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Lease persists cron state across restarts, backed by the
// environment_leases/environment_events tables. Optional: a Scheduler
// with no Lease keeps jobs purely in memory.
type Lease interface {
	RecordFire(jobID string, scheduledAt time.Time) error
	RecordComplete(jobID string, scheduledAt time.Time, ok bool) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the wall clock.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger sets the scheduler's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithLease attaches a lease store for cross-restart persistence.
func WithLease(lease Lease) Option {
	return func(s *Scheduler) { s.lease = lease }
}

// WithTickInterval overrides the scheduling loop's wake interval
// (default 1s).
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// Scheduler hosts CronJob descriptors and dispatches their firings to
// a runner.Runner.
type Scheduler struct {
	runner *runner.Runner
	clock  Clock
	logger *slog.Logger
	lease  Lease

	tickInterval time.Duration

	mu   sync.RWMutex
	jobs map[string]*Job

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// New creates a Scheduler dispatching into r and starts its scheduling
// loop.
func New(r *runner.Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:       r,
		clock:        realClock{},
		logger:       slog.Default(),
		tickInterval: time.Second,
		jobs:         make(map[string]*Job),
		stopCh:       make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.loop()
	return s
}

// Register adds a CronJob. id must not already be registered.
func (s *Scheduler) Register(j *Job) error {
	expr, err := Parse(j.CronExpr)
	if err != nil {
		return fmt.Errorf("cron: register %s: %w", j.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("cron: job %s already registered", j.ID)
	}

	j.mu.Lock()
	j.expr = expr
	j.nextFire = expr.Next(s.clock.Now())
	j.mu.Unlock()

	s.jobs[j.ID] = j
	return nil
}

// List returns every registered job's current snapshot.
func (s *Scheduler) List() []Stat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]Stat, 0, len(s.jobs))
	for _, j := range s.jobs {
		stats = append(stats, j.snapshot())
	}
	return stats
}

// Pause stops id from being dispatched; its nextFire does not advance
// while paused.
func (s *Scheduler) Pause(id string) error {
	j, err := s.job(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.paused = true
	j.mu.Unlock()
	return nil
}

// Resume re-enables dispatch for id, recomputing its next firing from
// now.
func (s *Scheduler) Resume(id string) error {
	j, err := s.job(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.paused = false
	j.nextFire = j.expr.Next(s.clock.Now())
	j.mu.Unlock()
	return nil
}

// Trigger fires id immediately, regardless of its schedule. Skipped if
// id's previous firing has not finished (serial-per-id).
func (s *Scheduler) Trigger(id string) error {
	j, err := s.job(id)
	if err != nil {
		return err
	}
	go s.fire(context.Background(), j)
	return nil
}

// GetStats returns id's current snapshot.
func (s *Scheduler) GetStats(id string) (Stat, error) {
	j, err := s.job(id)
	if err != nil {
		return Stat{}, err
	}
	return j.snapshot(), nil
}

// Dispose stops the scheduling loop. Safe to call more than once.
func (s *Scheduler) Dispose(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) job(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("cron: job %s not registered", id)
	}
	return j, nil
}

// loop wakes on tickInterval and dispatches every job whose nextFire
// has arrived. A fixed-interval tick stands in for a wakeup scheduled
// against min(nextFireAt) across all jobs.
func (s *Scheduler) loop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick collects every job due at now and fans its firings out through an
// errgroup, so the set of firings woken by a single tick can be tracked
// and waited on as a unit without the scheduling loop itself blocking on
// them (fire() may run far longer than tickInterval).
func (s *Scheduler) tick(now time.Time) {
	s.mu.RLock()
	due := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		if !j.paused && !now.Before(j.nextFire) {
			due = append(due, j)
		}
		j.mu.Unlock()
	}
	s.mu.RUnlock()

	if len(due) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, j := range due {
		j := j
		g.Go(func() error {
			s.fire(ctx, j)
			return nil
		})

		j.mu.Lock()
		j.nextFire = j.expr.Next(now)
		j.mu.Unlock()
	}
	go func() {
		_ = g.Wait()
	}()
}

// fire dispatches one firing of j. Skipped entirely if j's previous
// execution has not finished by the time this firing is due.
func (s *Scheduler) fire(ctx context.Context, j *Job) {
	if s.runner.IsDraining() {
		s.logger.Info("cron: skipping firing during drain", slog.String("job_id", j.ID))
		return
	}

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		s.logger.Warn("cron: skipping overlapping firing", slog.String("job_id", j.ID))
		return
	}
	j.running = true
	runCount := j.runCount + 1
	j.runCount = runCount
	j.mu.Unlock()

	scheduledAt := s.clock.Now()
	if s.lease != nil {
		if err := s.lease.RecordFire(j.ID, scheduledAt); err != nil {
			s.logger.Warn("cron: lease record-fire failed", slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"jobId":       j.ID,
		"scheduledAt": scheduledAt,
		"runCount":    runCount,
	})

	limits := j.Limits
	if limits.SpawnTimeout == 0 {
		limits = runner.DefaultLimits()
	}

	result := s.runner.Run(ctx, runner.HandlerInvocation{
		Handler:        j.Handler,
		PluginID:       j.PluginID,
		PluginVersion:  j.PluginVersion,
		PluginRoot:     j.PluginRoot,
		AdapterKind:    runner.AdapterJob,
		AdapterPayload: payload,
		WorkDir:        j.PluginRoot,
		Permissions:    j.Permissions,
		Limits:         limits,
		Isolated:       j.Isolated,
	})

	if !result.OK {
		s.logger.Error("cron: job firing failed", slog.String("job_id", j.ID), slog.Any("error", result.Error))
	}

	if s.lease != nil {
		if err := s.lease.RecordComplete(j.ID, scheduledAt, result.OK); err != nil {
			s.logger.Warn("cron: lease record-complete failed", slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}

	now := s.clock.Now()
	j.mu.Lock()
	j.running = false
	j.lastRun = &now
	if !result.OK {
		j.errCount++
	}
	j.mu.Unlock()
}
