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

package corelog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("CORE_LOG_LEVEL", "")
	t.Setenv("CORE_LOG_DIR", "")
	t.Setenv("CORE_LOG_FORMAT", "")
	t.Setenv("CORE_LOG_SOURCE", "")

	cfg := FromEnv()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.False(t, cfg.AddSource)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("CORE_LOG_LEVEL", "DEBUG")
	t.Setenv("CORE_LOG_DIR", "/var/log/core")
	t.Setenv("CORE_LOG_FORMAT", "TEXT")
	t.Setenv("CORE_LOG_SOURCE", "1")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "/var/log/core", cfg.Dir)
	assert.Equal(t, FormatText, cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestNew_JSONHandlerByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("hello", slog.String("k", "v"))

	require.Contains(t, buf.String(), `"msg":"hello"`)
	require.Contains(t, buf.String(), `"k":"v"`)
}

func TestTrace_SkippedWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	Trace(logger, "should not appear")
	assert.Empty(t, buf.String())
}

func TestTrace_EmittedWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	Trace(logger, "verbose detail")
	assert.True(t, strings.Contains(buf.String(), "verbose detail"))
}
