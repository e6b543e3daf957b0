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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a remote Server over HTTP. Unlike Store, a Client
// degrades: if the daemon is unreachable, Get returns (nil, false)
// and Set/Delete/Clear silently no-op, so optional cross-process
// coordination is never a crash vector. A key or pattern that cannot
// be built into a request URL panics rather than degrading.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a Client against baseURL (e.g. "http://127.0.0.1:7777").
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// Get fetches key. Returns (nil, false) both when the key is absent
// and when the daemon cannot be reached.
func (c *Client) Get(ctx context.Context, key string) (any, bool) {
	req, err := c.newRequest(ctx, http.MethodGet, "/state/"+url.PathEscape(key), nil)
	if err != nil {
		panic(fmt.Sprintf("state client: malformed key %q: %v", key, err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("state client: get unreachable, degrading to miss", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	var value any
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		return nil, false
	}
	return value, true
}

// Set stores key. Errors are logged and swallowed (degrading write).
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	body, err := json.Marshal(setRequest{Value: value, TTL: ttl.Milliseconds()})
	if err != nil {
		c.logger.Warn("state client: set encode failed, dropping write", slog.String("key", key), slog.Any("error", err))
		return
	}

	req, err := c.newRequest(ctx, http.MethodPut, "/state/"+url.PathEscape(key), bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("state client: malformed key %q: %v", key, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("state client: set unreachable, dropping write", slog.String("key", key), slog.Any("error", err))
		return
	}
	resp.Body.Close()
}

// Delete removes key. Unreachable daemon: silent no-op.
func (c *Client) Delete(ctx context.Context, key string) {
	req, err := c.newRequest(ctx, http.MethodDelete, "/state/"+url.PathEscape(key), nil)
	if err != nil {
		panic(fmt.Sprintf("state client: malformed key %q: %v", key, err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("state client: delete unreachable, dropping write", slog.String("key", key), slog.Any("error", err))
		return
	}
	resp.Body.Close()
}

// Clear removes every key matching pattern. Unreachable daemon: silent no-op.
func (c *Client) Clear(ctx context.Context, pattern string) {
	req, err := c.newRequest(ctx, http.MethodPost, "/state/clear?pattern="+url.QueryEscape(pattern), nil)
	if err != nil {
		panic(fmt.Sprintf("state client: malformed clear request: %v", err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("state client: clear unreachable, dropping write", slog.Any("error", err))
		return
	}
	resp.Body.Close()
}

// Stats fetches the remote store's statistics. Returns the zero value
// and false if the daemon is unreachable.
func (c *Client) Stats(ctx context.Context) (Stats, bool) {
	req, err := c.newRequest(ctx, http.MethodGet, "/stats", nil)
	if err != nil {
		return Stats{}, false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("state client: stats unreachable", slog.Any("error", err))
		return Stats{}, false
	}
	defer resp.Body.Close()

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, false
	}
	return stats, true
}

func (c *Client) newRequest(ctx context.Context, method, path string, body *bytes.Reader) (*http.Request, error) {
	if _, err := url.Parse(c.baseURL + path); err != nil {
		return nil, err
	}
	if body == nil {
		return http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	return http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
}
