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

package fixture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgecore/runtime/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadInvocation(t *testing.T) {
	path := writeFixture(t, "invocation.yaml", `
handler:
  file: job.so
  export: Handle
plugin_id: weather-plugin
plugin_version: 1.2.0
plugin_root: /work
adapter: job
limits:
  timeout_ms: 1500
input:
  foo: bar
`)
	m, err := LoadInvocation(path)
	require.NoError(t, err)

	inv := m.ToInvocation()
	assert.Equal(t, "job.so", inv.Handler.File)
	assert.Equal(t, runner.AdapterJob, inv.AdapterKind)
	assert.Equal(t, "weather-plugin", inv.PluginID)
	assert.Equal(t, "1.2.0", inv.PluginVersion)
	assert.Equal(t, "/work", inv.PluginRoot)
	assert.Equal(t, int64(1500), inv.Limits.Timeout.Milliseconds())
	assert.False(t, inv.Isolated)
}

func TestLoadInvocation_DefaultLimits(t *testing.T) {
	path := writeFixture(t, "invocation.yaml", `
handler:
  file: job.so
  export: Handle
`)
	m, err := LoadInvocation(path)
	require.NoError(t, err)

	inv := m.ToInvocation()
	assert.Equal(t, runner.DefaultLimits(), inv.Limits)
	assert.Equal(t, "null", string(inv.Input))
}

func TestLoadCronJob(t *testing.T) {
	path := writeFixture(t, "job.yaml", `
id: nightly
cron: "@daily"
handler:
  file: job.so
  export: Handle
plugin_root: /work
`)
	m, err := LoadCronJob(path)
	require.NoError(t, err)

	job := m.ToJob()
	assert.Equal(t, "nightly", job.ID)
	assert.Equal(t, "@daily", job.CronExpr)
}

func TestLoadResource(t *testing.T) {
	rps := 5
	path := writeFixture(t, "resource.yaml", `
id: weather-api
url: https://example.invalid/v1
max_retries: 2
rate_limit:
  requests_per_second: 5
  safety_margin: 0.9
`)
	m, err := LoadResource(path)
	require.NoError(t, err)
	require.Equal(t, "weather-api", m.ID)

	descriptor := m.ToDescriptor(nil)
	require.NotNil(t, descriptor.RateLimit)
	assert.Equal(t, rps, *descriptor.RateLimit.RequestsPerSecond)
	assert.Equal(t, 2, descriptor.Retry.MaxRetries)
}

func TestLoadInvocation_MissingFile(t *testing.T) {
	_, err := LoadInvocation(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
