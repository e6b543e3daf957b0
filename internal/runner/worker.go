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

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/forgecore/runtime/internal/sandbox"
	"github.com/forgecore/runtime/internal/wire"
	coreerrors "github.com/forgecore/runtime/pkg/errors"
)

// workerState is the isolated-mode lifecycle.
type workerState int

const (
	stateSpawning workerState = iota
	stateReady
	stateRunning
	stateDraining
	stateTerminated
)

func (s workerState) String() string {
	switch s {
	case stateSpawning:
		return "Spawning"
	case stateReady:
		return "Ready"
	case stateRunning:
		return "Running"
	case stateDraining:
		return "Draining"
	case stateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// workerSupervisor drives one isolated-mode invocation end to end,
// through Spawning -> Ready -> Running -> (Draining) -> Terminated.
type workerSupervisor struct {
	r       *Runner
	inv     HandlerInvocation
	exec    ExecutionContext
	logger  *slog.Logger
	proc    *sandbox.Process
	in      *wire.Writer // supervisor -> worker (worker's fd 3)
	out     *wire.Reader // worker -> supervisor (worker's fd 4)

	state      workerState
	logs       []LogRecord
	crashDir   string
	invocation string
}

func newWorkerSupervisor(r *Runner, inv HandlerInvocation, exec ExecutionContext, logger *slog.Logger) *workerSupervisor {
	return &workerSupervisor{
		r:          r,
		inv:        inv,
		exec:       exec,
		logger:     logger,
		state:      stateSpawning,
		invocation: exec.RequestID,
		crashDir:   r.crashDir,
	}
}

// run executes the full isolated-mode lifecycle and returns exactly one
// ExecutionResult. Blocks until the invocation terminates.
func (ws *workerSupervisor) run(ctx context.Context) ExecutionResult {
	start := time.Now()

	ws.logger.Debug("runner: spawning worker", slog.String("handler", ws.inv.Handler.Export))

	proc, stdin, stdout, err := ws.spawn(ctx)
	if err != nil {
		return ws.finish(start, errorResult(coreerrors.CodeSpawnTimeout, err.Error(), ""))
	}
	ws.proc = proc
	ws.in = wire.NewWriter(stdin)
	ws.out = wire.NewReader(stdout)
	defer ws.proc.Cleanup()

	spawnCtx, cancelSpawn := context.WithTimeout(ctx, ws.inv.Limits.SpawnTimeout)
	defer cancelSpawn()
	if err := ws.awaitReady(spawnCtx); err != nil {
		ws.hardKill()
		return ws.finish(start, errorResult(coreerrors.CodeSpawnTimeout, err.Error(), ""))
	}
	ws.state = stateReady
	ws.logger.Debug("runner: worker ready", slog.Int("pid", ws.proc.PID()))

	payload, err := ws.buildRunPayload()
	if err != nil {
		ws.hardKill()
		return ws.finish(start, errorResult(coreerrors.CodeSerializationError, err.Error(), ""))
	}
	if err := ws.in.Send(wire.NewRun(ws.in.Seq(), payload)); err != nil {
		ws.hardKill()
		return ws.finish(start, errorResult(coreerrors.CodeHandlerError, err.Error(), ""))
	}
	ws.state = stateRunning

	result := ws.runUntilTerminal(ctx)
	return ws.finish(start, result)
}

func (ws *workerSupervisor) spawn(ctx context.Context) (*sandbox.Process, io.WriteCloser, io.ReadCloser, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("runner: create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("runner: create stdout pipe: %w", err)
	}

	spec := sandbox.ProcessSpec{
		Command:     ws.inv.Handler.File,
		WorkDir:     ws.inv.WorkDir,
		Permissions: ws.inv.Permissions,
		ExtraEnv:    ws.capabilityEnv(),
		ExtraFiles:  []*os.File{stdinR, stdoutW},
	}

	proc, err := sandbox.Spawn(ctx, spec)
	stdinR.Close()
	stdoutW.Close()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, nil, nil, err
	}

	return proc, stdinW, stdoutR, nil
}

// capabilityEnv returns the CORE_CAPABILITY_TOKEN env assignment for
// this invocation, or nil if the runner has no capability secret
// configured.
func (ws *workerSupervisor) capabilityEnv() []string {
	if len(ws.r.capabilitySecret) == 0 {
		return nil
	}

	ttl := ws.inv.Limits.SpawnTimeout + ws.inv.Limits.Timeout + ws.inv.Limits.Grace
	token, err := sandbox.IssueCapabilityToken(ws.inv.Permissions, ws.r.capabilitySecret, ws.invocation, ttl)
	if err != nil {
		ws.r.logger.Warn("runner: failed to issue capability token", "error", err)
		return nil
	}
	return []string{"CORE_CAPABILITY_TOKEN=" + token}
}

func (ws *workerSupervisor) awaitReady(ctx context.Context) error {
	type readResult struct {
		msg wire.Message
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		msg, err := ws.out.Next()
		ch <- readResult{msg, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("worker did not become ready within %s", ws.inv.Limits.SpawnTimeout)
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("runner: awaiting READY: %w", r.err)
		}
		if r.msg.Tag != wire.TagReady {
			return fmt.Errorf("runner: expected READY, got %s", r.msg.Tag)
		}
		return nil
	}
}

func (ws *workerSupervisor) buildRunPayload() (wire.RunPayload, error) {
	ctxBytes, err := json.Marshal(ws.exec)
	if err != nil {
		return wire.RunPayload{}, fmt.Errorf("runner: serialize execution context: %w", err)
	}
	return wire.RunPayload{
		Handler:           ws.inv.Handler.Export,
		SerializedInput:   ws.inv.Input,
		SerializedContext: ctxBytes,
	}, nil
}

// runUntilTerminal reads LOG* OK|ERR|CRASH while enforcing timeout and
// memory limits, transitioning through Draining when either fires.
func (ws *workerSupervisor) runUntilTerminal(ctx context.Context) ExecutionResult {
	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, ws.inv.Limits.Timeout)
	defer cancelTimeout()

	memEvents := make(chan memoryEvent, 4)
	memCtx, cancelMem := context.WithCancel(timeoutCtx)
	defer cancelMem()
	if watcher, err := newMemoryWatcher(ws.proc.PID(), ws.inv.Limits.MemoryMB); err == nil {
		go watcher.watch(memCtx, memEvents)
	}

	frames := make(chan wireFrame, 16)
	go ws.readFrames(frames)

	for {
		select {
		case <-timeoutCtx.Done():
			return ws.drain(ctx, coreerrors.CodeTimeout, "invocation exceeded timeoutMs")

		case ev := <-memEvents:
			switch ev {
			case memoryEventPreOOM:
				ws.writeHeapSnapshot()
			case memoryEventOOM:
				return ws.drain(ctx, coreerrors.CodeMemory, "invocation exceeded memoryMB")
			}

		case f := <-frames:
			if f.err != nil {
				return errorResult(coreerrors.CodeHandlerError, f.err.Error(), "")
			}
			switch f.msg.Tag {
			case wire.TagLog:
				ws.appendLog(f.msg.Log)
			case wire.TagOK:
				return ExecutionResult{OK: true, Data: f.msg.OK.Data}
			case wire.TagErr:
				return errorResult(coreerrors.ErrorCode(f.msg.Err.Code), f.msg.Err.Message, f.msg.Err.Stack)
			case wire.TagCrash:
				return ws.handleCrash(f.msg.Crash)
			}

		case <-ctx.Done():
			return ws.drain(ctx, coreerrors.CodeCancelled, "invocation cancelled")
		}
	}
}

type wireFrame struct {
	msg wire.Message
	err error
}

func (ws *workerSupervisor) readFrames(out chan<- wireFrame) {
	for {
		msg, err := ws.out.Next()
		out <- wireFrame{msg: msg, err: err}
		if err != nil {
			return
		}
	}
}

// drain issues a soft termination signal and waits up to Grace before a
// hard kill.
func (ws *workerSupervisor) drain(ctx context.Context, code coreerrors.ErrorCode, message string) ExecutionResult {
	ws.state = stateDraining
	_ = ws.proc.SoftTerminate()

	done := make(chan struct{})
	go func() {
		ws.proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ws.inv.Limits.Grace):
		ws.hardKill()
	}

	return errorResult(code, message, "")
}

func (ws *workerSupervisor) hardKill() {
	_ = ws.proc.HardKill()
}

func (ws *workerSupervisor) appendLog(l *wire.LogPayload) {
	if l == nil {
		return
	}
	ts, _ := time.Parse(time.RFC3339Nano, l.TS)
	ws.logs = append(ws.logs, LogRecord{Level: l.Level, Message: l.Message, Meta: l.Meta, TS: ts})
}

func (ws *workerSupervisor) handleCrash(c *wire.CrashPayload) ExecutionResult {
	if c == nil {
		return errorResult(coreerrors.CodeUncaughtException, "worker crashed without detail", "")
	}
	result := errorResult(coreerrors.ErrorCode(c.Code), c.Message, "")
	result.CrashArtifact = ws.writeCrashReport(c)
	return result
}

func (ws *workerSupervisor) writeCrashReport(c *wire.CrashPayload) *CrashArtifact {
	if ws.crashDir == "" {
		return &CrashArtifact{HeapSnapshotPath: c.HeapSnapshotPath, TracePath: c.TracePath}
	}

	path := filepath.Join(ws.crashDir, fmt.Sprintf("%d-%d.json", ws.proc.PID(), time.Now().UnixMilli()))
	report := map[string]any{
		"pid":              ws.proc.PID(),
		"invocation":       ws.invocation,
		"code":             c.Code,
		"message":          c.Message,
		"heapSnapshotPath": c.HeapSnapshotPath,
		"tracePath":        c.TracePath,
		"logs":             ws.logs,
	}
	if data, err := json.MarshalIndent(report, "", "  "); err == nil {
		_ = os.MkdirAll(ws.crashDir, 0o755)
		_ = os.WriteFile(path, data, 0o644)
	}

	return &CrashArtifact{ReportPath: path, HeapSnapshotPath: c.HeapSnapshotPath, TracePath: c.TracePath}
}

// writeHeapSnapshot records a pre-OOM event. The snapshot content is
// produced worker-side; the supervisor's responsibility is only to note
// the crossing.
func (ws *workerSupervisor) writeHeapSnapshot() {
	ws.appendLog(&wire.LogPayload{
		Level:   "warn",
		Message: "memory usage crossed 85% of memoryMB budget",
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (ws *workerSupervisor) finish(start time.Time, result ExecutionResult) ExecutionResult {
	ws.state = stateTerminated
	result.Logs = append(result.Logs, ws.logs...)
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func errorResult(code coreerrors.ErrorCode, message, stack string) ExecutionResult {
	return ExecutionResult{
		OK:    false,
		Error: &ErrorDetail{Code: string(code), Message: message, Stack: stack},
	}
}
