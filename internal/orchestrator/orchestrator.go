// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator drives one pipeline run from trigger to verdict.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/executor"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger()
		log = &l
	})
	return log
}

// CellDispatcher runs one cell to completion. Implementations must be safe
// for concurrent use and must report every outcome as a CellRun.
type CellDispatcher interface {
	RunCell(ctx context.Context, task executor.CellTask) models.CellRun
}

// Options configures an Orchestrator.
type Options struct {
	Policy engine.TriggerPolicy
	// MaxParallelCells bounds concurrently running cells; 0 means unbounded.
	MaxParallelCells int
	// Origin is the repository cells check out when the event names none.
	Origin string
	// Events receives lifecycle events. Sends never block; a full channel drops events.
	Events chan<- protocol.Event
}

// Orchestrator evaluates events against pipelines and runs the resulting
// job graph. Independent jobs and all cells of a job run concurrently;
// a failed cell never cancels its siblings.
type Orchestrator struct {
	cells  CellDispatcher
	opts   Options
	tracer trace.Tracer
}

// New creates an orchestrator that dispatches cells to cells.
func New(cells CellDispatcher, opts Options) *Orchestrator {
	return &Orchestrator{
		cells:  cells,
		opts:   opts,
		tracer: otel.Tracer("github.com/noldarim/buildgate/internal/orchestrator"),
	}
}

// Run evaluates event against pipeline under a fresh run ID.
func (o *Orchestrator) Run(ctx context.Context, event models.Event, pipeline models.Pipeline) (*models.PipelineRun, error) {
	return o.RunWithID(ctx, uuid.NewString(), event, pipeline)
}

// RunWithID evaluates event against pipeline. An ineligible event yields a
// run with verdict not-run and no job scheduled. A malformed pipeline
// yields verdict config-error and the ConfigurationError; nothing is
// dispatched. Otherwise the run ends when every job is terminal.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, event models.Event, pipeline models.Pipeline) (*models.PipelineRun, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline "+pipeline.Name, trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("event.kind", string(event.Kind)),
		attribute.String("event.ref", event.Ref),
	))
	defer span.End()

	run, graph, err := Prepare(runID, event, pipeline, o.opts.Policy)
	l := getLog().With().Str("run_id", runID).Str("pipeline", pipeline.Name).Logger()
	if err != nil || run.Verdict != models.VerdictRunning {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, run.Verdict.String())
			l.Error().Err(err).Str("verdict", run.Verdict.String()).Msg("Run not started")
		} else {
			l.Info().Str("reason", run.Reason).Msg("Event not eligible, run not started")
		}
		o.emit(protocol.RunLifecycleEvent{Metadata: protocol.NewMetadata(runID, string(protocol.RunFinished)), Type: protocol.RunFinished, Event: event, Verdict: run.Verdict, Reason: run.Reason, Run: run})
		return run, err
	}

	l.Info().Int("jobs", len(run.Jobs)).Int("cells", graph.CellCount()).Msg("Run started")
	o.emit(protocol.RunLifecycleEvent{Metadata: protocol.NewMetadata(runID, string(protocol.RunStarted)), Type: protocol.RunStarted, Event: event, Verdict: run.Verdict})

	if err := o.execute(ctx, run, graph); err != nil {
		run.Verdict = models.VerdictFailure
		run.Error = err.Error()
		run.CompletedAt = time.Now()
		span.RecordError(err)
		span.SetStatus(codes.Error, "run aborted")
		l.Error().Err(err).Msg("Run aborted")
		return run, err
	}

	run.DeriveVerdict()
	run.CompletedAt = time.Now()
	if run.Verdict != models.VerdictSuccess {
		span.SetStatus(codes.Error, run.Verdict.String())
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	l.Info().Str("verdict", run.Verdict.String()).Dur("duration", run.CompletedAt.Sub(run.StartedAt)).Msg("Run finished")
	o.emit(protocol.RunLifecycleEvent{Metadata: protocol.NewMetadata(runID, string(protocol.RunFinished)), Type: protocol.RunFinished, Event: event, Verdict: run.Verdict, Run: run})
	return run, nil
}

// Prepare evaluates the trigger and validates the pipeline. It returns the
// new run with verdict running, not-run or config-error; the graph is only
// set for a running run. An event of unknown kind is rejected outright.
func Prepare(runID string, event models.Event, pipeline models.Pipeline, policy engine.TriggerPolicy) (*models.PipelineRun, *engine.Graph, error) {
	now := time.Now()
	run := &models.PipelineRun{
		ID:           runID,
		Event:        event,
		Pipeline:     pipeline.Name,
		IdentityHash: models.ComputeRunIdentityHash(event, pipeline),
		Verdict:      models.VerdictRunning,
		StartedAt:    now,
	}

	decision, err := engine.EvaluateTrigger(event, policy)
	if err != nil {
		run.Verdict = models.VerdictConfigError
		run.Error = err.Error()
		run.CompletedAt = now
		return run, nil, err
	}
	if !decision.Eligible {
		run.Verdict = models.VerdictNotRun
		run.Reason = decision.Reason
		run.CompletedAt = now
		return run, nil, nil
	}

	graph, err := engine.NewGraph(pipeline)
	if err != nil {
		run.Verdict = models.VerdictConfigError
		run.Error = err.Error()
		run.CompletedAt = now
		return run, nil, err
	}

	for _, name := range graph.Jobs() {
		run.Jobs = append(run.Jobs, &models.JobRun{Name: name, State: models.JobStatePending})
	}
	return run, graph, nil
}

type cellResult struct {
	job   string
	index int
	run   models.CellRun
}

// newResultQueue holds a result for every cell of the graph, so a cell
// never blocks on delivery after execute has returned early.
func newResultQueue(g *engine.Graph) chan cellResult {
	return make(chan cellResult, g.CellCount())
}

// execute is the worklist loop. It blocks on the results channel between
// scheduling decisions, so it never spins.
func (o *Orchestrator) execute(ctx context.Context, run *models.PipelineRun, graph *engine.Graph) error {
	sched := engine.NewScheduler(graph)
	results := newResultQueue(graph)
	var sem chan struct{}
	if o.opts.MaxParallelCells > 0 {
		sem = make(chan struct{}, o.opts.MaxParallelCells)
	}

	source := executor.Source{Origin: o.opts.Origin, Ref: run.Event.CheckoutRef()}
	if run.Event.Repository != "" {
		source.Origin = run.Event.Repository
	}

	jobSpans := make(map[string]trace.Span)
	remaining := make(map[string]int)
	inflight := 0

	for {
		plan := sched.Next()

		for _, skip := range plan.Skip {
			jr := run.Job(skip.Job)
			jr.State = models.JobStateSkipped
			jr.SkipReason = skip.Reason
			jr.CompletedAt = time.Now()
			getLog().Info().Str("run_id", run.ID).Str("job", skip.Job).Str("upstream", skip.Upstream).Msg("Job skipped")
			o.emit(protocol.JobLifecycleEvent{
				Metadata: protocol.NewMetadata(run.ID, string(protocol.JobSkipped), skip.Job),
				Type:     protocol.JobSkipped,
				Job:      skip.Job,
				State:    models.JobStateSkipped,
				Reason:   skip.Reason,
			})
		}

		for _, name := range plan.Start {
			job, _ := graph.Job(name)
			cells := graph.Cells(name)

			jobCtx, span := o.tracer.Start(ctx, "job "+name, trace.WithAttributes(attribute.Int("cells", len(cells))))
			jobSpans[name] = span

			jr := run.Job(name)
			jr.State = models.JobStateRunning
			jr.StartedAt = time.Now()
			jr.Cells = make([]models.CellRun, len(cells))
			remaining[name] = len(cells)

			getLog().Info().Str("run_id", run.ID).Str("job", name).Int("cells", len(cells)).Msg("Job started")
			o.emit(protocol.JobLifecycleEvent{
				Metadata: protocol.NewMetadata(run.ID, string(protocol.JobStarted), name),
				Type:     protocol.JobStarted,
				Job:      name,
				State:    models.JobStateRunning,
				Cells:    len(cells),
			})

			for i, cell := range cells {
				jr.Cells[i] = models.CellRun{Job: name, Cell: cell, State: models.CellStatePending}
				task := executor.CellTask{RunID: run.ID, Job: job, Cell: cell, Source: source}
				inflight++
				go o.dispatch(jobCtx, sem, results, i, task)
			}
		}

		if sched.Done() {
			break
		}
		if inflight == 0 {
			return fmt.Errorf("scheduler stalled with jobs %v still pending", pendingJobs(sched, graph))
		}

		res := <-results
		inflight--
		jr := run.Job(res.job)
		jr.Cells[res.index] = res.run
		remaining[res.job]--
		o.emit(protocol.CellLifecycleEvent{
			Metadata: protocol.NewMetadata(run.ID, string(protocol.CellFinished), res.job, res.run.Cell.Key()),
			Type:     protocol.CellFinished,
			Job:      res.job,
			Cell:     res.run.Cell.Key(),
			State:    res.run.State,
			Result:   &res.run,
		})
		if remaining[res.job] > 0 {
			continue
		}

		state := models.DeriveJobState(jr.Cells)
		jr.State = state
		jr.CompletedAt = time.Now()
		if span := jobSpans[res.job]; span != nil {
			if state == models.JobStateFailure {
				span.SetStatus(codes.Error, "one or more cells failed")
			}
			span.End()
		}
		if err := sched.Complete(res.job, state); err != nil {
			return err
		}
		getLog().Info().Str("run_id", run.ID).Str("job", res.job).Str("state", state.String()).Msg("Job finished")
		o.emit(protocol.JobLifecycleEvent{
			Metadata: protocol.NewMetadata(run.ID, string(protocol.JobFinished), res.job),
			Type:     protocol.JobFinished,
			Job:      res.job,
			State:    state,
			Cells:    len(jr.Cells),
		})
	}

	if inflight != 0 {
		return errors.New("run finished with cells still in flight")
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, sem chan struct{}, results chan<- cellResult, index int, task executor.CellTask) {
	if sem != nil {
		queued := time.Now()
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			run := executor.FailedCell(task, queued, time.Now(), "queue", fmt.Errorf("cancelled while waiting for a cell slot: %w", ctx.Err()))
			results <- cellResult{job: task.Job.Name, index: index, run: run}
			return
		}
	}

	ctx, span := o.tracer.Start(ctx, "cell "+task.Cell.Key(), trace.WithAttributes(
		attribute.String("job", task.Job.Name),
		attribute.String("cell", task.Cell.Key()),
	))
	o.emit(protocol.CellLifecycleEvent{
		Metadata: protocol.NewMetadata(task.RunID, string(protocol.CellStarted), task.Job.Name, task.Cell.Key()),
		Type:     protocol.CellStarted,
		Job:      task.Job.Name,
		Cell:     task.Cell.Key(),
		State:    models.CellStateRunning,
	})

	run := o.cells.RunCell(ctx, task)
	if run.State == models.CellStateFailure {
		span.SetStatus(codes.Error, run.Error)
	}
	span.End()

	results <- cellResult{job: task.Job.Name, index: index, run: run}
}

func (o *Orchestrator) emit(e protocol.Event) {
	if o.opts.Events == nil {
		return
	}
	select {
	case o.opts.Events <- e:
	default:
		getLog().Warn().Str("event_type", protocol.TypeOf(e)).Str("run_id", e.GetMetadata().RunID).Msg("Event channel full, dropping lifecycle event")
	}
}

func pendingJobs(s *engine.Scheduler, g *engine.Graph) []string {
	var out []string
	for _, name := range g.Jobs() {
		if !s.State(name).Terminal() {
			out = append(out, name)
		}
	}
	return out
}
