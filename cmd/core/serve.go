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
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/forgecore/runtime/internal/cron"
	"github.com/forgecore/runtime/internal/fixture"
	"github.com/forgecore/runtime/internal/runner"
	"github.com/forgecore/runtime/internal/state"
	"github.com/forgecore/runtime/internal/telemetry"
	"github.com/spf13/cobra"
)

func newServeCommand(logger *slog.Logger) *cobra.Command {
	var (
		stateAddr   string
		jobsDir     string
		leaseDB     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "host the state broker's HTTP facade and the cron scheduler until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger, stateAddr, jobsDir, leaseDB, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&stateAddr, "state-addr", "127.0.0.1:8091", "address the state broker's HTTP facade listens on")
	cmd.Flags().StringVar(&jobsDir, "jobs", "", "directory of CronJob YAML manifests to register at startup")
	cmd.Flags().StringVar(&leaseDB, "lease-db", "", "path to a SQLite database for cron lease persistence; empty disables persistence")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:8092", "address the Prometheus metrics endpoint listens on")
	return cmd
}

func runServe(ctx context.Context, logger *slog.Logger, stateAddr, jobsDir, leaseDB, metricsAddr string) error {
	telProvider, err := telemetry.New(ctx, telemetry.FromEnv())
	if err != nil {
		return fmt.Errorf("core: init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetry.ShutdownTimeout)
		defer cancel()
		if err := telProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("core: telemetry shutdown", slog.Any("error", err))
		}
	}()

	metricsServer := &http.Server{Addr: metricsAddr, Handler: telProvider.MetricsHandler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("core: metrics endpoint exited", slog.Any("error", err))
		}
	}()
	defer metricsServer.Shutdown(context.Background())

	store := state.New(state.WithLogger(logger))
	defer store.Stop(context.Background())

	httpServer := &http.Server{
		Addr:    stateAddr,
		Handler: state.NewServer(store, "dev", logger),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("core: state facade exited", slog.Any("error", err))
		}
	}()
	defer httpServer.Shutdown(context.Background())

	runnerOpts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithHandlerLoader(runner.NewPluginLoader()),
		runner.WithTracer(telProvider.Tracer("core/runner")),
		runner.WithMeter(telProvider.Meter("core/runner")),
	}
	if secret := os.Getenv("CORE_CAPABILITY_SECRET"); secret != "" {
		runnerOpts = append(runnerOpts, runner.WithCapabilitySecret([]byte(secret)))
	}
	r := runner.New(runnerOpts...)
	defer r.Dispose(context.Background(), 10*time.Second)

	schedOpts := []cron.Option{cron.WithLogger(logger)}
	var lease *cron.SQLiteLease
	if leaseDB != "" {
		var err error
		lease, err = cron.NewSQLiteLease(leaseDB)
		if err != nil {
			return fmt.Errorf("core: open lease db: %w", err)
		}
		defer lease.Close()
		schedOpts = append(schedOpts, cron.WithLease(lease))
	}

	scheduler := cron.New(r, schedOpts...)
	defer scheduler.Dispose(context.Background())

	if jobsDir != "" {
		if err := registerJobs(scheduler, jobsDir, logger); err != nil {
			return err
		}
	}

	logger.Info("core: serving", slog.String("state_addr", stateAddr), slog.String("metrics_addr", metricsAddr), slog.String("jobs", jobsDir))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("core: received signal, shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}
	return nil
}

func registerJobs(scheduler *cron.Scheduler, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("core: read jobs dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		manifest, err := fixture.LoadCronJob(path)
		if err != nil {
			return err
		}
		if err := scheduler.Register(manifest.ToJob()); err != nil {
			return fmt.Errorf("core: register %s: %w", path, err)
		}
		logger.Info("core: registered cron job", slog.String("id", manifest.ID), slog.String("cron", manifest.CronExpr))
	}
	return nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
