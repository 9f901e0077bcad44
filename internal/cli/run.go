// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/orchestrator"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/orchestrator/pipelines"
	"github.com/noldarim/buildgate/internal/protocol"
	"github.com/noldarim/buildgate/internal/telemetry"
)

type runOptions struct {
	common      commonFlags
	event       eventFlags
	local       bool
	sourceDir   string
	maxParallel int
	jsonOutput  bool
}

func runCommand(args []string, stdout, stderr io.Writer) error {
	opts := &runOptions{}
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.common.register(fs)
	opts.event.register(fs)
	fs.BoolVar(&opts.local, "local", false, "Run cells in local work directories instead of containers")
	fs.StringVar(&opts.sourceDir, "source", "", "Repository cells check out when the event names none (default: pipeline.source_dir)")
	fs.IntVar(&opts.maxParallel, "max-parallel", -1, "Maximum concurrently running cells, 0 for unbounded (default: pipeline.max_parallel_cells)")
	fs.BoolVar(&opts.jsonOutput, "json", false, "Print the finished run as JSON instead of a report")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	event, err := opts.event.event(time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return &ExitError{Code: 2}
	}

	cfg, err := opts.common.loadConfig()
	if err != nil {
		return err
	}
	opts.apply(cfg)

	if err := logger.Initialize(&cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.CloseGlobal()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, appVersion)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			getLog().Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	run, err := executeRun(ctx, cfg, event, opts, stderr)
	if run == nil {
		return err
	}
	if err != nil {
		getLog().Debug().Err(err).Str("run_id", run.ID).Msg("Run returned an error")
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, renderReport(run, newStyles(!opts.common.noColor)))
	}

	if code := run.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// apply folds command line overrides into the loaded configuration.
func (o *runOptions) apply(cfg *config.AppConfig) {
	if o.local {
		cfg.Pipeline.Environment = "local"
	}
	if o.sourceDir != "" {
		cfg.Pipeline.SourceDir = o.sourceDir
	}
	if o.maxParallel >= 0 {
		cfg.Pipeline.MaxParallelCells = o.maxParallel
	}
}

// executeRun evaluates the event and, when it is eligible, executes the
// pipeline. The container runtime is only contacted for eligible events.
// A nil run means nothing could be evaluated.
func executeRun(ctx context.Context, cfg *config.AppConfig, event models.Event, opts *runOptions, progress io.Writer) (*models.PipelineRun, error) {
	pipeline, err := pipelines.Resolve(cfg.Pipeline)
	if err != nil && pipeline.Name == "" {
		fmt.Fprintf(progress, "✗ %v\n", err)
		return nil, &ExitError{Code: 2}
	}

	runID := uuid.NewString()
	policy := orchestrator.PolicyFromConfig(cfg.Pipeline)
	if run, _, err := orchestrator.Prepare(runID, event, pipeline, policy); run.Verdict != models.VerdictRunning {
		return run, err
	}

	stack, err := orchestrator.BuildStack(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			getLog().Warn().Err(err).Msg("Failed to close cell stack")
		}
	}()

	events := make(chan protocol.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		printProgress(events, progress, opts.jsonOutput)
	}()

	orch := orchestrator.New(stack.Cells, orchestrator.Options{
		Policy:           policy,
		MaxParallelCells: cfg.Pipeline.MaxParallelCells,
		Origin:           cfg.Pipeline.SourceDir,
		Events:           events,
	})
	run, err := orch.RunWithID(ctx, runID, event, pipeline)
	close(events)
	<-done
	return run, err
}

// printProgress writes one line per job and cell transition until events
// is closed.
func printProgress(events <-chan protocol.Event, w io.Writer, quiet bool) {
	for ev := range events {
		if quiet {
			continue
		}
		switch e := ev.(type) {
		case protocol.RunLifecycleEvent:
			if e.Type == protocol.RunStarted {
				fmt.Fprintf(w, "▸ Run %s started for %s\n", e.RunID, e.Event.Ref)
			}
		case protocol.JobLifecycleEvent:
			switch e.Type {
			case protocol.JobStarted:
				fmt.Fprintf(w, "▸ %s: %d cell(s)\n", e.Job, e.Cells)
			case protocol.JobSkipped:
				fmt.Fprintf(w, "▸ %s skipped: %s\n", e.Job, e.Reason)
			case protocol.JobFinished:
				fmt.Fprintf(w, "▸ %s %s\n", e.Job, e.State)
			}
		case protocol.CellLifecycleEvent:
			if e.Type == protocol.CellFinished {
				fmt.Fprintf(w, "    %s %s\n", e.Cell, e.State)
			}
		}
	}
}
