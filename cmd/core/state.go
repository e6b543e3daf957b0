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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgecore/runtime/internal/state"
	"github.com/spf13/cobra"
)

func newStateCommand(logger *slog.Logger) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "talk to a running state broker's HTTP facade",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8091", "state broker base URL")

	cmd.AddCommand(newStateGetCommand(logger, &addr))
	cmd.AddCommand(newStateSetCommand(logger, &addr))
	cmd.AddCommand(newStateDeleteCommand(logger, &addr))
	cmd.AddCommand(newStateClearCommand(logger, &addr))
	return cmd
}

func newStateGetCommand(logger *slog.Logger, addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "get a key; prints null if absent or the daemon is unreachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := state.NewClient(*addr, logger)
			value, ok := client.Get(cmd.Context(), args[0])
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "null")
				return nil
			}
			out, err := json.Marshal(value)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newStateSetCommand(logger *slog.Logger, addr *string) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "set <key> <json-value>",
		Short: "set a key to a JSON value, with an optional TTL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				return fmt.Errorf("core: value must be valid JSON: %w", err)
			}
			client := state.NewClient(*addr, logger)
			client.Set(cmd.Context(), args[0], value, ttl)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the key after this duration (0 = no expiry)")
	return cmd
}

func newStateDeleteCommand(logger *slog.Logger, addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := state.NewClient(*addr, logger)
			client.Delete(cmd.Context(), args[0])
			return nil
		},
	}
}

func newStateClearCommand(logger *slog.Logger, addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [pattern]",
		Short: "clear keys matching a prefix* or doublestar pattern, or everything if omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			client := state.NewClient(*addr, logger)
			client.Clear(cmd.Context(), pattern)
			return nil
		},
	}
}
