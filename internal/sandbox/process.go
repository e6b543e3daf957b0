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

// Package sandbox builds the OS-process isolation primitives an
// isolated-mode worker is spawned with: a restricted environment built
// from an allow-list, a private working directory, and process-group
// cleanup. It deliberately does not attempt container isolation:
// isolation bottoms out at OS-process separation and capability-style
// environment filtering.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
)

// Permissions mirrors the permissions.env.allow / fs allow-list an
// invocation declares. Only names present in EnvAllow are copied from
// the supervisor's environment into the worker's.
type Permissions struct {
	EnvAllow []string
	FSAllow  []string
	FSDeny   []string
}

// ProcessSpec describes the worker process about to be spawned.
type ProcessSpec struct {
	// Command and Args launch the worker (e.g. the plugin's declared
	// runtime binary and entry-point script).
	Command string
	Args    []string

	// WorkDir is the worker's working directory (invocation.workdir).
	// A private temp dir is created and used as HOME/TMPDIR regardless,
	// so a crashing worker never litters the supervisor's own dirs.
	WorkDir string

	Permissions Permissions

	// ExtraEnv is appended to the restricted environment verbatim, e.g.
	// a signed capability token the worker can verify on its own.
	ExtraEnv []string

	// ExtraFiles are additional file descriptors passed to the child
	// beyond stdin/stdout/stderr, as fd 3 onward; the runner passes the
	// control channel's two pipes here (fd 3 inbound, fd 4 outbound).
	ExtraFiles []*os.File
}

// Process wraps a spawned worker and its private temp directory.
type Process struct {
	cmd    *exec.Cmd
	tmpDir string
}

// Spawn starts the worker process described by spec. The returned
// Process must have Cleanup called once the worker has exited.
func Spawn(ctx context.Context, spec ProcessSpec) (*Process, error) {
	tmpDir, err := os.MkdirTemp("", "core-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create temp dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)

	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	} else {
		cmd.Dir = tmpDir
	}

	cmd.Env = append(buildRestrictedEnv(spec.Permissions.EnvAllow, tmpDir), spec.ExtraEnv...)
	cmd.ExtraFiles = spec.ExtraFiles

	// New process group so a hard kill in Draining reaches any children
	// the worker itself spawned, not just the immediate PID.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("sandbox: start worker: %w", err)
	}

	return &Process{cmd: cmd, tmpDir: tmpDir}, nil
}

// PID returns the worker's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the worker exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// SoftTerminate sends a polite termination signal (SIGTERM) to the
// worker's process group, used to enter Draining before the grace
// window elapses.
func (p *Process) SoftTerminate() error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
}

// HardKill forcibly terminates the worker's process group, used when
// the grace window in Draining expires.
func (p *Process) HardKill() error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

// Cleanup removes the worker's private temp directory. Safe to call
// more than once.
func (p *Process) Cleanup() error {
	if p.tmpDir == "" {
		return nil
	}
	err := os.RemoveAll(p.tmpDir)
	p.tmpDir = ""
	return err
}

// buildRestrictedEnv starts from an empty set and injects exactly the
// names listed in allow, reading their values from the supervisor's own
// environment.
func buildRestrictedEnv(allow []string, tmpDir string) []string {
	env := []string{
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
	}

	for _, name := range allow {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, fmt.Sprintf("%s=%s", name, v))
		}
	}

	return env
}

// AllowsPath reports whether path is permitted under perms' FS
// allow/deny lists. The supervisor does not chroot; this is used by the
// handler abstraction layer to record a violation if a worker reports
// an out-of-bounds write.
func AllowsPath(perms Permissions, path string) bool {
	for _, deny := range perms.FSDeny {
		if matched, _ := doublestar.Match(deny, path); matched {
			return false
		}
	}
	if len(perms.FSAllow) == 0 {
		return true
	}
	for _, allow := range perms.FSAllow {
		if matched, _ := doublestar.Match(allow, path); matched {
			return true
		}
	}
	return false
}
