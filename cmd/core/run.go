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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgecore/runtime/internal/fixture"
	"github.com/forgecore/runtime/internal/runner"
	"github.com/forgecore/runtime/internal/telemetry"
	"github.com/spf13/cobra"
)

func newRunCommand(logger *slog.Logger) *cobra.Command {
	var pluginDir string

	cmd := &cobra.Command{
		Use:   "run <invocation.yaml>",
		Short: "execute a single HandlerInvocation manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := fixture.LoadInvocation(args[0])
			if err != nil {
				return err
			}

			telProvider, err := telemetry.New(cmd.Context(), telemetry.FromEnv())
			if err != nil {
				return fmt.Errorf("core: init telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetry.ShutdownTimeout)
				defer cancel()
				telProvider.Shutdown(shutdownCtx)
			}()

			loader := runner.NewPluginLoader()
			r := runner.New(
				runner.WithLogger(logger),
				runner.WithHandlerLoader(loader),
				runner.WithTracer(telProvider.Tracer("core/run")),
				runner.WithMeter(telProvider.Meter("core/run")),
			)
			defer r.Dispose(context.Background(), 5*time.Second)

			inv := manifest.ToInvocation()
			if pluginDir != "" && inv.WorkDir == "" {
				inv.WorkDir = pluginDir
			}

			result := r.Run(cmd.Context(), inv)
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("core: marshal result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if !result.OK {
				return fmt.Errorf("core: invocation failed: %s", result.Error.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pluginDir, "plugin-dir", "", "working directory for the handler, if not set in the manifest")
	return cmd
}
