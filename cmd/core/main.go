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

// Command core is a thin demonstration CLI wiring the Sandbox
// Execution Runner, Resource Broker, State Broker, and Cron Scheduler
// together for local use. It is not itself part of the execution core;
// its only obligation is producing valid HandlerInvocations for the
// runner to execute.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/forgecore/runtime/internal/corelog"
	coreerrors "github.com/forgecore/runtime/pkg/errors"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	logger := corelog.New(corelog.FromEnv())

	rootCmd := newRootCommand(logger)
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, formatCLIError(err))
		os.Exit(1)
	}
}

// formatCLIError renders err the way a user should see it: a
// UserVisibleError's own message and suggestion take precedence over
// the raw Go error chain.
func formatCLIError(err error) string {
	var uve coreerrors.UserVisibleError
	if errors.As(err, &uve) && uve.IsUserVisible() {
		if s := uve.Suggestion(); s != "" {
			return fmt.Sprintf("error: %s\nsuggestion: %s", uve.UserMessage(), s)
		}
		return fmt.Sprintf("error: %s", uve.UserMessage())
	}
	return fmt.Sprintf("error: %s", err.Error())
}
