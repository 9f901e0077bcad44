// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor runs the steps of one matrix cell inside its environment.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/buildgate/internal/environment"
	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/orchestrator/cache"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetExecutorLogger()
		log = &l
	})
	return log
}

const (
	// DefaultStepTimeout applies to steps that declare no timeout of their own.
	DefaultStepTimeout = 30 * time.Minute

	// MaxStepOutput caps the output kept per step. The tail is kept.
	MaxStepOutput = 64 * 1024
)

// StepFailure is the error recorded for a step that halted its cell.
type StepFailure struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %q exited with %d", e.Step, e.ExitCode)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// Source is where checkout steps fetch from.
type Source struct {
	// Origin is a repository URL or a local path.
	Origin string
	// Ref is the revision to check out.
	Ref string
}

// Options configures an Executor.
type Options struct {
	Cache          *cache.Facade
	StepTimeout    time.Duration
	NativePackages []string
	CacheManifest  string
	CachePaths     []string
}

// Executor runs cells. It is safe for concurrent use; each cell brings its
// own environment.
type Executor struct {
	opts   Options
	source Source
	tracer trace.Tracer
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewFacade(cache.NopStore{})
	}
	return &Executor{
		opts:   opts,
		tracer: otel.Tracer("github.com/noldarim/buildgate/internal/orchestrator/executor"),
	}
}

// WithSource returns a copy of the executor that checks out from src.
func (x *Executor) WithSource(src Source) *Executor {
	c := *x
	c.source = src
	return &c
}

// BuildPredicateTable evaluates every step predicate against the cell once,
// at dispatch. Entry i reports whether step i runs.
func BuildPredicateTable(job models.JobDefinition, cell models.MatrixCell) []bool {
	table := make([]bool, len(job.Steps))
	for i, step := range job.Steps {
		table[i] = step.If.Holds(cell)
	}
	return table
}

// Run executes the job's steps for one cell, strictly in order. The first
// failing step halts the cell; later steps are recorded as not run. Steps
// whose predicate is false are recorded as skipped.
func (x *Executor) Run(ctx context.Context, env environment.Environment, job models.JobDefinition, cell models.MatrixCell) models.CellRun {
	run := models.CellRun{
		Job:       job.Name,
		Cell:      cell,
		State:     models.CellStateRunning,
		StartedAt: time.Now(),
		Steps:     make([]models.StepOutcome, 0, len(job.Steps)),
	}
	table := BuildPredicateTable(job, cell)
	l := getLog().With().Str("job", job.Name).Str("cell", cell.Key()).Logger()

	var failure error
	for i, step := range job.Steps {
		switch {
		case failure != nil:
			run.Steps = append(run.Steps, models.StepOutcome{Name: step.Name, Kind: step.Uses, Status: models.StepStatusNotRun})
			continue
		case !table[i]:
			l.Debug().Str("step", step.Name).Str("if", step.If.String()).Msg("Step skipped by predicate")
			run.Steps = append(run.Steps, models.StepOutcome{Name: step.Name, Kind: step.Uses, Status: models.StepStatusSkipped})
			continue
		}

		outcome := x.runStep(ctx, env, step, cell)
		run.Steps = append(run.Steps, outcome)
		if outcome.Status == models.StepStatusFailed {
			sf := &StepFailure{Step: step.Name, ExitCode: outcome.ExitCode}
			if outcome.Error != "" {
				sf.Err = errors.New(outcome.Error)
			}
			failure = sf
			l.Info().Str("step", step.Name).Int("exit_code", outcome.ExitCode).Msg("Step failed, halting cell")
		}
	}

	run.CompletedAt = time.Now()
	if failure != nil {
		run.State = models.CellStateFailure
		run.Error = failure.Error()
	} else {
		run.State = models.CellStateSuccess
	}
	l.Debug().Str("state", run.State.String()).Dur("duration", run.CompletedAt.Sub(run.StartedAt)).Msg("Cell finished")
	return run
}

func (x *Executor) runStep(ctx context.Context, env environment.Environment, step models.StepDefinition, cell models.MatrixCell) models.StepOutcome {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = x.opts.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stepCtx, span := x.tracer.Start(stepCtx, "step "+step.Name, trace.WithAttributes(
		attribute.String("step.kind", string(step.Uses)),
		attribute.String("cell", cell.Key()),
	))
	defer span.End()

	start := time.Now()
	outcome := models.StepOutcome{Name: step.Name, Kind: step.Uses, Status: models.StepStatusOK}

	h, ok := handlers[step.Uses]
	if !ok {
		outcome.Status = models.StepStatusFailed
		outcome.Error = fmt.Sprintf("unknown step kind %q", step.Uses)
	} else {
		res := h(stepCtx, x, env, step, cell)
		outcome.ExitCode = res.exitCode
		outcome.Output = truncateOutput(res.output)
		outcome.Warning = res.warning
		if res.err != nil {
			outcome.Status = models.StepStatusFailed
			outcome.Error = res.err.Error()
			if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				outcome.Error = fmt.Sprintf("timed out after %s", timeout)
			}
		} else if res.exitCode != 0 {
			outcome.Status = models.StepStatusFailed
		}
	}
	outcome.Duration = time.Since(start)

	span.SetAttributes(attribute.Int("exit_code", outcome.ExitCode))
	if outcome.Status == models.StepStatusFailed {
		span.SetStatus(codes.Error, outcome.Error)
	}
	return outcome
}

// truncateOutput keeps at most the last MaxStepOutput bytes, where failures
// usually are. The cut never splits a UTF-8 sequence.
func truncateOutput(s string) string {
	if len(s) <= MaxStepOutput {
		return s
	}
	const marker = "... output truncated ...\n"
	cut := len(s) - (MaxStepOutput - len(marker))
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return marker + s[cut:]
}
