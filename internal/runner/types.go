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

// Package runner implements the Sandbox Execution Runner: it spawns and
// supervises workers (isolated mode) or invokes handlers directly
// in-process (development mode), enforcing the declared timeout and
// memory limits and returning exactly one ExecutionResult per
// invocation.
package runner

import (
	"encoding/json"
	"time"

	"github.com/forgecore/runtime/internal/sandbox"
)

// AdapterKind selects how the runner shapes arguments for a handler.
type AdapterKind string

const (
	AdapterCLI  AdapterKind = "cli"
	AdapterREST AdapterKind = "rest"
	AdapterJob  AdapterKind = "job"
)

// HandlerReference points at the handler to invoke: a compiled plugin
// (File) and the symbol it exports (Export).
type HandlerReference struct {
	File   string
	Export string
}

// Limits bounds one invocation's resource usage.
type Limits struct {
	// SpawnTimeout bounds how long Spawning may take before READY.
	// Default 5s.
	SpawnTimeout time.Duration

	// Timeout is the hard deadline for the Running state.
	Timeout time.Duration

	// Grace is how long Draining waits for a polite exit before a
	// hard kill.
	Grace time.Duration

	// MemoryMB is the worker's resident-size budget. Exceeding 85% of
	// it adds a pre-OOM warning to the result's logs; the supervisor
	// captures no heap snapshot. Exceeding 100% moves the worker to
	// Draining with code MEMORY.
	MemoryMB int
}

// DefaultLimits returns the runner's fallback limits for invocations
// that don't declare their own.
func DefaultLimits() Limits {
	return Limits{
		SpawnTimeout: 5 * time.Second,
		Timeout:      30 * time.Second,
		Grace:        2 * time.Second,
		MemoryMB:     512,
	}
}

// ExecutionContext is the runtime envelope passed to every handler
// invocation: identity and tracing correlation, the plugin's
// provenance, the directories it runs under, the adapter's shaping
// data, and the policy the invocation is bound by. The runner builds
// one fresh for each Run call; handlers never construct it themselves.
type ExecutionContext struct {
	// RequestID correlates this invocation across logs, spans, and the
	// adapter's own response. Generated by the runner when the
	// invocation doesn't supply one.
	RequestID string `json:"requestId"`

	// TraceID/SpanID are the OpenTelemetry identifiers of this
	// invocation's span, empty when no tracer is configured.
	TraceID string `json:"traceId,omitempty"`
	SpanID  string `json:"spanId,omitempty"`

	// ParentSpanID is the span this invocation's span was started
	// under, when the caller arrived with one already active.
	ParentSpanID string `json:"parentSpanId,omitempty"`

	// PluginID/PluginVersion identify the handler's owning plugin;
	// PluginRoot is the directory it was loaded from.
	PluginID      string `json:"pluginId,omitempty"`
	PluginVersion string `json:"pluginVersion,omitempty"`
	PluginRoot    string `json:"pluginRoot,omitempty"`

	// WorkDir is the directory the invocation executes in; OutDir, if
	// set, is where it should write output artifacts rather than
	// WorkDir itself.
	WorkDir string `json:"workdir"`
	OutDir  string `json:"outdir,omitempty"`

	// AdapterKind/AdapterPayload/Argv/Flags are the adapter-specific
	// shaping data the handler is invoked with.
	AdapterKind    AdapterKind       `json:"adapterKind"`
	AdapterPayload json.RawMessage   `json:"adapterPayload,omitempty"`
	Argv           []string          `json:"argv,omitempty"`
	Flags          map[string]string `json:"flags,omitempty"`

	Permissions sandbox.Permissions `json:"permissions"`
	Limits      Limits              `json:"limits"`

	// Debug requests verbose handler-side diagnostics (e.g. extra log
	// lines); it does not change runner-side enforcement.
	Debug bool `json:"debug,omitempty"`
}

// HandlerInvocation is the unit of work the runner executes.
type HandlerInvocation struct {
	Handler HandlerReference
	Input   json.RawMessage

	// RequestID, left empty, is generated by the runner. Callers that
	// already have one (e.g. a REST adapter carrying an inbound
	// request id) set it so logs/spans/responses share it.
	RequestID string

	PluginID      string
	PluginVersion string
	PluginRoot    string

	AdapterKind    AdapterKind
	AdapterPayload json.RawMessage
	Argv           []string
	Flags          map[string]string

	WorkDir string
	OutDir  string

	Permissions sandbox.Permissions
	Limits      Limits
	Debug       bool

	// Isolated selects subprocess isolation; false runs in-process
	// (development mode only).
	Isolated bool
}

// ErrorDetail is the error payload carried on a failed ExecutionResult.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ExecutionResult is the one outcome every invocation ultimately
// produces. The runner never throws to its caller; failure is
// represented here with OK=false.
type ExecutionResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`

	Logs       []LogRecord `json:"logs,omitempty"`
	DurationMs int64       `json:"durationMs"`

	// ExitCode is set when the invocation's AdapterKind == AdapterCLI and
	// the handler returned a numeric value, interpreted as a process
	// exit code.
	ExitCode *int `json:"exitCode,omitempty"`

	// CrashArtifact is set when the worker ends the invocation with a
	// CRASH message. A worker that exits without sending OK, ERR or CRASH
	// yields a HANDLER_ERROR result with no CrashArtifact.
	CrashArtifact *CrashArtifact `json:"crashArtifact,omitempty"`
}

// LogRecord is one structured log line attached to a result.
type LogRecord struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
	TS      time.Time      `json:"ts"`
}

// CrashArtifact records the paths of diagnostic attachments reported
// in a worker's CRASH message. ReportPath names the crash report written
// under the runner's crash directory and is empty when none is set.
type CrashArtifact struct {
	ReportPath       string `json:"reportPath"`
	HeapSnapshotPath string `json:"heapSnapshotPath,omitempty"`
	TracePath        string `json:"tracePath,omitempty"`
}
