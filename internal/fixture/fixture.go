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

// Package fixture loads YAML manifests describing HandlerInvocations,
// CronJobs, and broker Resources into the runtime types that actually
// execute them. It exists so cmd/core and integration tests can declare
// fixtures on disk instead of constructing Go literals by hand.
package fixture

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/forgecore/runtime/internal/broker"
	"github.com/forgecore/runtime/internal/cron"
	"github.com/forgecore/runtime/internal/runner"
	"github.com/forgecore/runtime/internal/sandbox"
	"gopkg.in/yaml.v3"
)

// HandlerRef names the plugin file and exported symbol a manifest
// dispatches to.
type HandlerRef struct {
	File   string `yaml:"file"`
	Export string `yaml:"export"`
}

// Permissions mirrors sandbox.Permissions in YAML form.
type Permissions struct {
	EnvAllow []string `yaml:"env_allow,omitempty"`
	FSAllow  []string `yaml:"fs_allow,omitempty"`
	FSDeny   []string `yaml:"fs_deny,omitempty"`
}

func (p Permissions) toSandbox() sandbox.Permissions {
	return sandbox.Permissions{EnvAllow: p.EnvAllow, FSAllow: p.FSAllow, FSDeny: p.FSDeny}
}

// Limits mirrors runner.Limits in YAML form; zero fields fall back to
// runner.DefaultLimits().
type Limits struct {
	SpawnTimeoutMs int `yaml:"spawn_timeout_ms,omitempty"`
	TimeoutMs      int `yaml:"timeout_ms,omitempty"`
	GraceMs        int `yaml:"grace_ms,omitempty"`
	MemoryMB       int `yaml:"memory_mb,omitempty"`
}

func (l Limits) toRunner() runner.Limits {
	d := runner.DefaultLimits()
	out := d
	if l.SpawnTimeoutMs > 0 {
		out.SpawnTimeout = time.Duration(l.SpawnTimeoutMs) * time.Millisecond
	}
	if l.TimeoutMs > 0 {
		out.Timeout = time.Duration(l.TimeoutMs) * time.Millisecond
	}
	if l.GraceMs > 0 {
		out.Grace = time.Duration(l.GraceMs) * time.Millisecond
	}
	if l.MemoryMB > 0 {
		out.MemoryMB = l.MemoryMB
	}
	return out
}

// Invocation is a YAML-declared runner.HandlerInvocation, used by
// `core run`.
type Invocation struct {
	Handler       HandlerRef      `yaml:"handler"`
	PluginID      string          `yaml:"plugin_id,omitempty"`
	PluginVersion string          `yaml:"plugin_version,omitempty"`
	PluginRoot    string          `yaml:"plugin_root"`
	Permissions   Permissions     `yaml:"permissions,omitempty"`
	Limits        Limits          `yaml:"limits,omitempty"`
	Isolated      bool            `yaml:"isolated,omitempty"`
	Adapter       string          `yaml:"adapter,omitempty"`
	Input         json.RawMessage `yaml:"input,omitempty"`
	Debug         bool            `yaml:"debug,omitempty"`
}

// ToInvocation builds the runner.HandlerInvocation this manifest
// describes.
func (m Invocation) ToInvocation() runner.HandlerInvocation {
	kind := runner.AdapterJob
	switch m.Adapter {
	case "cli":
		kind = runner.AdapterCLI
	case "rest":
		kind = runner.AdapterREST
	}
	input := m.Input
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	return runner.HandlerInvocation{
		Handler:        runner.HandlerReference{File: m.Handler.File, Export: m.Handler.Export},
		Input:          input,
		PluginID:       m.PluginID,
		PluginVersion:  m.PluginVersion,
		PluginRoot:     m.PluginRoot,
		AdapterKind:    kind,
		AdapterPayload: input,
		WorkDir:        m.PluginRoot,
		Permissions:    m.Permissions.toSandbox(),
		Limits:         m.Limits.toRunner(),
		Isolated:       m.Isolated,
		Debug:          m.Debug,
	}
}

// LoadInvocation reads and parses an Invocation manifest from path.
func LoadInvocation(path string) (Invocation, error) {
	var m Invocation
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("fixture: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("fixture: parse %s: %w", path, err)
	}
	return m, nil
}

// CronJob is a YAML-declared cron.Job, used by `core serve`'s
// --jobs directory.
type CronJob struct {
	ID            string      `yaml:"id"`
	CronExpr      string      `yaml:"cron"`
	Handler       HandlerRef  `yaml:"handler"`
	PluginID      string      `yaml:"plugin_id,omitempty"`
	PluginVersion string      `yaml:"plugin_version,omitempty"`
	PluginRoot    string      `yaml:"plugin_root"`
	Permissions   Permissions `yaml:"permissions,omitempty"`
	Limits        Limits      `yaml:"limits,omitempty"`
	Isolated      bool        `yaml:"isolated,omitempty"`
}

// ToJob builds the cron.Job this manifest describes.
func (m CronJob) ToJob() *cron.Job {
	return &cron.Job{
		ID:            m.ID,
		CronExpr:      m.CronExpr,
		Handler:       runner.HandlerReference{File: m.Handler.File, Export: m.Handler.Export},
		PluginID:      m.PluginID,
		PluginVersion: m.PluginVersion,
		PluginRoot:    m.PluginRoot,
		Permissions:   m.Permissions.toSandbox(),
		Limits:        m.Limits.toRunner(),
		Isolated:      m.Isolated,
	}
}

// LoadCronJob reads and parses a CronJob manifest from path.
func LoadCronJob(path string) (CronJob, error) {
	var m CronJob
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("fixture: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("fixture: parse %s: %w", path, err)
	}
	return m, nil
}

// RateLimit mirrors broker.RateLimitSpec in YAML form.
type RateLimit struct {
	RequestsPerSecond     *int    `yaml:"requests_per_second,omitempty"`
	RequestsPerMinute     *int    `yaml:"requests_per_minute,omitempty"`
	TokensPerMinute       *int    `yaml:"tokens_per_minute,omitempty"`
	SafetyMargin          float64 `yaml:"safety_margin,omitempty"`
	MaxConcurrentRequests int     `yaml:"max_concurrent_requests,omitempty"`
}

func (r *RateLimit) toBroker() *broker.RateLimitSpec {
	if r == nil {
		return nil
	}
	return &broker.RateLimitSpec{
		RequestsPerSecond:     r.RequestsPerSecond,
		RequestsPerMinute:     r.RequestsPerMinute,
		TokensPerMinute:       r.TokensPerMinute,
		SafetyMargin:          r.SafetyMargin,
		MaxConcurrentRequests: r.MaxConcurrentRequests,
	}
}

// Resource is a YAML-declared broker.Descriptor, used by `core broker
// <resource.yaml>`. It names an HTTP endpoint the broker's executor forwards
// requests to; the broker itself stays transport-agnostic.
type Resource struct {
	ID               string     `yaml:"id"`
	URL              string     `yaml:"url"`
	RateLimit        *RateLimit `yaml:"rate_limit,omitempty"`
	MaxRetries       int        `yaml:"max_retries,omitempty"`
	DefaultTimeoutMs int        `yaml:"default_timeout_ms,omitempty"`
}

// ToDescriptor builds the broker.Descriptor this manifest describes,
// wiring exec as the resource's Executor.
func (m Resource) ToDescriptor(exec broker.Executor) broker.Descriptor {
	retry := broker.DefaultRetrySpec()
	if m.MaxRetries > 0 {
		retry.MaxRetries = m.MaxRetries
	}
	timeout := 30 * time.Second
	if m.DefaultTimeoutMs > 0 {
		timeout = time.Duration(m.DefaultTimeoutMs) * time.Millisecond
	}
	return broker.Descriptor{
		RateLimit:      m.RateLimit.toBroker(),
		Retry:          retry,
		DefaultTimeout: timeout,
		Executor:       exec,
	}
}

// LoadResource reads and parses a Resource manifest from path.
func LoadResource(path string) (Resource, error) {
	var m Resource
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("fixture: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("fixture: parse %s: %w", path, err)
	}
	return m, nil
}
