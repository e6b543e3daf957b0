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
	"errors"
	"fmt"
	"time"

	coreerrors "github.com/forgecore/runtime/pkg/errors"
)

// runInProcess implements development mode: the handler is loaded and
// invoked in the runner's own process. It offers the same
// ExecutionResult shape as isolated mode but no isolation — intended
// for local iteration only.
func (r *Runner) runInProcess(ctx context.Context, inv HandlerInvocation, exec ExecutionContext) ExecutionResult {
	start := time.Now()

	h, err := r.loader.Load(inv.Handler)
	if err != nil {
		return finishDuration(start, errorResult(codeOf(err, coreerrors.CodeHandlerNotFound), err.Error(), ""))
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.Limits.Timeout)
	defer cancel()

	type outcome struct {
		data json.RawMessage
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", errUncaught, rec)}
			}
		}()
		data, err := h(runCtx, inv.Input, exec)
		done <- outcome{data: data, err: err}
	}()

	select {
	case <-runCtx.Done():
		return finishDuration(start, errorResult(coreerrors.CodeTimeout, "invocation exceeded timeoutMs", ""))
	case o := <-done:
		if o.err != nil {
			code := coreerrors.CodeHandlerError
			if isUncaught(o.err) {
				code = coreerrors.CodeUncaughtException
			}
			return finishDuration(start, errorResult(code, o.err.Error(), ""))
		}
		result := ExecutionResult{OK: true, Data: o.data}
		return finishDuration(start, applyCLIExitCode(exec, result))
	}
}

var errUncaught = errors.New("runner: handler panicked")

func isUncaught(err error) bool {
	return errors.Is(err, errUncaught)
}

func codeOf(err error, fallback coreerrors.ErrorCode) coreerrors.ErrorCode {
	if code, ok := coreerrors.Code(err); ok {
		return code
	}
	return fallback
}

func finishDuration(start time.Time, result ExecutionResult) ExecutionResult {
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// applyCLIExitCode interprets a numeric OK.Data as a process exit code
// for the cli adapter kind. The wire/result success shape stays uniform
// (OK{data}); exit-code interpretation happens here, in result
// assembly, not on the wire.
func applyCLIExitCode(exec ExecutionContext, result ExecutionResult) ExecutionResult {
	if exec.AdapterKind != AdapterCLI || !result.OK {
		return result
	}

	var code int
	if err := json.Unmarshal(result.Data, &code); err != nil {
		return result
	}

	result.ExitCode = &code
	if code != 0 {
		result.OK = false
		result.Error = &ErrorDetail{
			Code:    string(coreerrors.CodeHandlerExitCode),
			Message: fmt.Sprintf("handler exited with code %d", code),
		}
	}
	return result
}
