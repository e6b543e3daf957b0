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
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgecore/runtime/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(loader *runner.StaticLoader) *runner.Runner {
	return runner.New(runner.WithHandlerLoader(loader))
}

func newTestJob(id string, h runner.Handler) (*Job, *runner.StaticLoader) {
	loader := runner.NewStaticLoader()
	loader.Register("job.so", "Handle", h)
	return &Job{
		ID:         id,
		CronExpr:   "@hourly",
		Handler:    runner.HandlerReference{File: "job.so", Export: "Handle"},
		PluginID:   "test-plugin",
		PluginRoot: "/work",
		Limits:     runner.Limits{SpawnTimeout: time.Second, Timeout: time.Second, Grace: time.Second, MemoryMB: 64},
	}, loader
}

func TestScheduler_RegisterRejectsDuplicate(t *testing.T) {
	job, loader := newTestJob("j1", func(ctx context.Context, input json.RawMessage, exec runner.ExecutionContext) (json.RawMessage, error) {
		return json.RawMessage("null"), nil
	})
	r := newTestRunner(loader)
	s := New(r, WithTickInterval(10*time.Millisecond))
	defer s.Dispose(context.Background())

	require.NoError(t, s.Register(job))
	dup, _ := newTestJob("j1", nil)
	assert.Error(t, s.Register(dup))
}

func TestScheduler_TriggerDispatchesImmediately(t *testing.T) {
	var calls atomic.Int32
	job, loader := newTestJob("j1", func(ctx context.Context, input json.RawMessage, exec runner.ExecutionContext) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage("null"), nil
	})
	r := newTestRunner(loader)
	s := New(r, WithTickInterval(10*time.Millisecond))
	defer s.Dispose(context.Background())

	require.NoError(t, s.Register(job))
	require.NoError(t, s.Trigger("j1"))

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 10*time.Millisecond)

	stat, err := s.GetStats("j1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.RunCount)
}

func TestScheduler_SkipsOverlappingFiring(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	job, loader := newTestJob("j1", func(ctx context.Context, input json.RawMessage, exec runner.ExecutionContext) (json.RawMessage, error) {
		calls.Add(1)
		close(started)
		<-release
		return json.RawMessage("null"), nil
	})
	job.Limits.Timeout = 5 * time.Second

	r := newTestRunner(loader)
	s := New(r, WithTickInterval(10*time.Millisecond))
	defer s.Dispose(context.Background())

	require.NoError(t, s.Register(job))
	require.NoError(t, s.Trigger("j1"))

	<-started
	require.NoError(t, s.Trigger("j1"))
	time.Sleep(50 * time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestScheduler_PauseStopsDispatch(t *testing.T) {
	var calls atomic.Int32
	job, loader := newTestJob("j1", func(ctx context.Context, input json.RawMessage, exec runner.ExecutionContext) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage("null"), nil
	})
	r := newTestRunner(loader)
	s := New(r, WithTickInterval(10*time.Millisecond))
	defer s.Dispose(context.Background())

	require.NoError(t, s.Register(job))
	require.NoError(t, s.Pause("j1"))

	job.mu.Lock()
	job.nextFire = time.Now().Add(-time.Minute)
	job.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestScheduler_DisposeIsIdempotent(t *testing.T) {
	_, loader := newTestJob("j1", nil)
	r := newTestRunner(loader)
	s := New(r, WithTickInterval(10*time.Millisecond))

	require.NoError(t, s.Dispose(context.Background()))
	require.NoError(t, s.Dispose(context.Background()))
}
