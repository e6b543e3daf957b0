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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/forgecore/runtime/internal/broker"
	"github.com/forgecore/runtime/internal/fixture"
	coreerrors "github.com/forgecore/runtime/pkg/errors"
	"github.com/spf13/cobra"
)

func newBrokerCommand(logger *slog.Logger) *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "broker <resource.yaml>",
		Short: "enqueue one request against a resource descriptor manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := fixture.LoadResource(args[0])
			if err != nil {
				return err
			}

			b := broker.New(broker.WithLogger(logger))
			defer b.Shutdown(context.Background())

			b.Register(manifest.ID, manifest.ToDescriptor(httpExecutor{url: manifest.URL, logger: logger}))

			resp := b.Enqueue(cmd.Context(), broker.Request{
				Resource: manifest.ID,
				Priority: broker.PriorityNormal,
				Payload:  json.RawMessage(payload),
			})

			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !resp.Success {
				return fmt.Errorf("core: request failed: %s", resp.Error.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "null", "JSON payload to POST to the resource's URL")
	return cmd
}

// httpExecutor forwards broker requests as JSON POSTs, classifying
// failures by HTTP status so the broker's retry policy can act on
// them.
type httpExecutor struct {
	url    string
	logger *slog.Logger
}

func (e httpExecutor) Execute(ctx context.Context, req broker.Request) (any, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, &coreerrors.ResourceError{Resource: req.Resource, Class: coreerrors.RetryClassNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &coreerrors.ResourceError{
			Resource:   req.Resource,
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	var data any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &data); err != nil {
			return string(respBody), nil
		}
	}
	return data, nil
}
