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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_PutGetDelete(t *testing.T) {
	store := newTestStore(&fakeClock{})
	defer store.Stop(context.Background())

	srv := NewServer(store, "test", nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.URL, nil)
	ctx := context.Background()

	client.Set(ctx, "greeting", "hello", 0)

	value, ok := client.Get(ctx, "greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", value)

	client.Delete(ctx, "greeting")
	_, ok = client.Get(ctx, "greeting")
	assert.False(t, ok)
}

func TestServer_GetMissingReturns404(t *testing.T) {
	store := newTestStore(&fakeClock{})
	defer store.Stop(context.Background())

	srv := NewServer(store, "test", nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/state/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ClearByPattern(t *testing.T) {
	store := newTestStore(&fakeClock{})
	defer store.Stop(context.Background())

	srv := NewServer(store, "test", nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.URL, nil)
	ctx := context.Background()
	client.Set(ctx, "ns:a", 1, 0)
	client.Set(ctx, "ns:b", 2, 0)

	client.Clear(ctx, "ns:*")

	_, ok := client.Get(ctx, "ns:a")
	assert.False(t, ok)
}

func TestServer_Health(t *testing.T) {
	store := newTestStore(&fakeClock{})
	defer store.Stop(context.Background())

	srv := NewServer(store, "v1.2.3", nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_DegradesWhenUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	value, ok := client.Get(ctx, "k")
	assert.False(t, ok)
	assert.Nil(t, value)

	// Writes must not panic even though nothing is listening.
	client.Set(ctx, "k", "v", 0)
	client.Delete(ctx, "k")
	client.Clear(ctx, "*")
}
