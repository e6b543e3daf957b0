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

package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// newRootCommand builds the core CLI's command tree.
func newRootCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "core",
		Short: "core - sandbox execution runner, resource broker, state broker, cron scheduler",
		Long: `core wires together the execution runtime's four pieces for local
use and demonstration:

  run     execute a single HandlerInvocation manifest and print its result
  serve   host the state broker's HTTP facade and the cron scheduler
  state   get/set/delete/clear keys against a running state broker
  broker  enqueue one request against a resource descriptor manifest`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand(logger))
	cmd.AddCommand(newServeCommand(logger))
	cmd.AddCommand(newStateCommand(logger))
	cmd.AddCommand(newBrokerCommand(logger))

	return cmd
}
