// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/orchestrator"
	"github.com/noldarim/buildgate/internal/orchestrator/database"
	"github.com/noldarim/buildgate/internal/orchestrator/pipelines"
	"github.com/noldarim/buildgate/internal/orchestrator/services"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/workers"
	"github.com/noldarim/buildgate/internal/protocol"
	"github.com/noldarim/buildgate/internal/server"
	"github.com/noldarim/buildgate/internal/telemetry"
)

const version = "0.1.0-alpha"

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.NewConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	if err := run(cfg); err != nil {
		mainLog := logger.GetLogger("main")
		mainLog.Error().Err(err).Msg("Server exited with error")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.CloseGlobal()
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig) error {
	mainLog := logger.GetLogger("main")
	mainLog.Info().Str("runner", cfg.Pipeline.Runner).Str("environment", cfg.Pipeline.Environment).Msg("Starting buildgate server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			mainLog.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	pipeline, err := pipelines.Resolve(cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("failed to load pipeline: %w", err)
	}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	stack, err := orchestrator.BuildStack(cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	// Containers labelled by an earlier process that died mid-run.
	if n, err := stack.Reap(ctx); err != nil {
		mainLog.Warn().Err(err).Msg("Failed to reap leftover containers")
	} else if n > 0 {
		mainLog.Info().Int("count", n).Msg("Reaped leftover containers")
	}

	eventChan := make(chan protocol.Event, 256)
	policy := orchestrator.PolicyFromConfig(cfg.Pipeline)

	var runner services.Runner
	switch cfg.Pipeline.Runner {
	case "temporal":
		tc, err := temporal.NewClient(cfg.Temporal)
		if err != nil {
			return fmt.Errorf("failed to connect to Temporal: %w", err)
		}
		defer tc.Close()

		worker := workers.NewWorker(tc.GetTemporalClient(), cfg.Temporal, stack.Cells, eventChan)
		if err := worker.Start(); err != nil {
			return fmt.Errorf("failed to start Temporal worker: %w", err)
		}
		defer func() {
			if err := worker.Stop(); err != nil {
				mainLog.Warn().Err(err).Msg("Error stopping Temporal worker")
			}
		}()

		runner = temporal.NewRunner(tc, temporal.RunnerOptions{
			Policy:           policy,
			Origin:           cfg.Pipeline.SourceDir,
			MaxParallelCells: cfg.Pipeline.MaxParallelCells,
			Temporal:         cfg.Temporal,
			Events:           eventChan,
		})
	default:
		runner = orchestrator.New(stack.Cells, orchestrator.Options{
			Policy:           policy,
			MaxParallelCells: cfg.Pipeline.MaxParallelCells,
			Origin:           cfg.Pipeline.SourceDir,
			Events:           eventChan,
		})
	}

	runService := services.NewRunService(runner, db, pipeline, cfg.Webhook.DedupWindow)

	srv := server.New(&cfg.Server, cfg.Webhook.Secret, eventChan, runService)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case serveErr = <-serverErrChan:
		if serveErr != nil {
			mainLog.Error().Err(serveErr).Msg("Server error")
		}
	}

	// Graceful shutdown: fresh contexts, independent of the run context.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	runsCtx, runsCancel := context.WithTimeout(context.Background(), cfg.Pipeline.StepTimeout)
	defer runsCancel()
	mainLog.Info().Int("active_runs", runService.Active()).Msg("Waiting for in-flight runs")
	if err := runService.Shutdown(runsCtx); err != nil {
		mainLog.Warn().Err(err).Msg("In-flight runs cancelled")
	}

	cancel()
	mainLog.Info().Msg("Buildgate server shut down")
	return serveErr
}
