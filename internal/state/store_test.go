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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	ms atomic.Int64
}

func (c *fakeClock) Now() time.Time {
	return time.UnixMilli(c.ms.Load())
}

func (c *fakeClock) advance(d time.Duration) {
	c.ms.Add(d.Milliseconds())
}

func newTestStore(clock Clock) *Store {
	return New(WithClock(clock), WithSweepInterval(time.Hour))
}

func TestStore_SetGet(t *testing.T) {
	s := newTestStore(&fakeClock{})
	defer s.Stop(context.Background())

	s.Set("k", "v", 0)
	value, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestStore_GetMissingIsMiss(t *testing.T) {
	s := newTestStore(&fakeClock{})
	defer s.Stop(context.Background())

	_, ok := s.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Stats().Misses)
}

func TestStore_LazyExpiry(t *testing.T) {
	clock := &fakeClock{}
	s := newTestStore(clock)
	defer s.Stop(context.Background())

	s.Set("k", "v", 100*time.Millisecond)
	clock.advance(200 * time.Millisecond)

	_, ok := s.Get("k")
	assert.False(t, ok)

	stats := s.Stats()
	assert.Equal(t, 0, stats.Keys)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(&fakeClock{})
	defer s.Stop(context.Background())

	s.Set("k", "v", 0)
	s.Delete("k")
	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestStore_ClearByPrefixPattern(t *testing.T) {
	s := newTestStore(&fakeClock{})
	defer s.Stop(context.Background())

	s.Set("ns:a", 1, 0)
	s.Set("ns:b", 2, 0)
	s.Set("other:c", 3, 0)

	s.Clear("ns:*")

	_, okA := s.Get("ns:a")
	_, okB := s.Get("ns:b")
	_, okC := s.Get("other:c")
	assert.False(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestStore_ClearEmptyPatternClearsAll(t *testing.T) {
	s := newTestStore(&fakeClock{})
	defer s.Stop(context.Background())

	s.Set("a", 1, 0)
	s.Set("b", 2, 0)
	s.Clear("")

	assert.Equal(t, 0, s.Stats().Keys)
}

func TestNamespaceOf(t *testing.T) {
	cases := []struct {
		key            string
		tenant, namespace string
	}{
		{"tenant:acme:jobs:1", "acme", "jobs"},
		{"jobs:1", "default", "jobs"},
		{"solo", "default", "solo"},
	}

	for _, tc := range cases {
		tenant, ns := namespaceOf(tc.key)
		assert.Equal(t, tc.tenant, tenant, tc.key)
		assert.Equal(t, tc.namespace, ns, tc.key)
	}
}

func TestStore_StatsNamespaceBreakdown(t *testing.T) {
	s := newTestStore(&fakeClock{})
	defer s.Stop(context.Background())

	s.Set("tenant:acme:jobs:1", 1, 0)
	s.Set("tenant:acme:jobs:2", 2, 0)
	s.Set("cache:x", 3, 0)

	stats := s.Stats()
	assert.Equal(t, 3, stats.Keys)
	assert.Equal(t, 2, stats.Namespaces["acme/jobs"].Keys)
	assert.Equal(t, 1, stats.Namespaces["default/cache"].Keys)
}

func TestStore_SweepEvictsExpiredEntries(t *testing.T) {
	clock := &fakeClock{}
	s := New(WithClock(clock), WithSweepInterval(10*time.Millisecond))
	defer s.Stop(context.Background())

	s.Set("k", "v", 5*time.Millisecond)
	clock.advance(20 * time.Millisecond)

	require.Eventually(t, func() bool {
		return s.Stats().Evictions > 0
	}, time.Second, 5*time.Millisecond)
}

func TestStore_StopIsIdempotent(t *testing.T) {
	s := newTestStore(&fakeClock{})
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}
