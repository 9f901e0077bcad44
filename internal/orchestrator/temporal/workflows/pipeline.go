// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflows

import (
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/noldarim/buildgate/internal/orchestrator"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/executor"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/types"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/utils"
	"github.com/noldarim/buildgate/internal/protocol"
)

const (
	PipelineWorkflowName = "PipelineWorkflow"

	RunCellActivityName          = "RunCellActivity"
	PublishJobEventActivityName  = "PublishJobEventActivity"
	PublishCellEventActivityName = "PublishCellEventActivity"

	// RunStateQuery returns the run as the workflow currently sees it.
	RunStateQuery = "run_state"
)

type cellResult struct {
	job   string
	index int
	run   models.CellRun
}

type queuedCell struct {
	index int
	task  executor.CellTask
}

// pipelineDriver holds the state of one PipelineWorkflow execution. It is
// only touched from the workflow goroutine.
type pipelineDriver struct {
	ctx      workflow.Context
	cellCtx  workflow.Context
	eventCtx workflow.Context
	input    types.PipelineWorkflowInput
	run      *models.PipelineRun
	graph    *engine.Graph
	sched    *engine.Scheduler
	selector workflow.Selector

	queue     []queuedCell
	inflight  int
	remaining map[string]int
	finished  []cellResult
	published []workflow.Future
}

// PipelineWorkflow evaluates the trigger, validates the pipeline and then
// runs the job graph: every job whose dependencies succeeded is started,
// each of its matrix cells runs as one RunCellActivity, and a failed job
// skips its transitive dependents. Cell activities are never retried.
//
// Cell failures do not fail the workflow; they are part of the returned run.
func PipelineWorkflow(ctx workflow.Context, input types.PipelineWorkflowInput) (*types.PipelineWorkflowOutput, error) {
	logger := workflow.GetLogger(ctx)
	now := workflow.Now(ctx)

	run, graph, prepErr := orchestrator.Prepare(input.RunID, input.Event, input.Pipeline, input.Policy)
	run.StartedAt = now
	output := &types.PipelineWorkflowOutput{Run: run}

	if err := workflow.SetQueryHandler(ctx, RunStateQuery, func() (*models.PipelineRun, error) {
		return run, nil
	}); err != nil {
		return nil, fmt.Errorf("failed to register %s query: %w", RunStateQuery, err)
	}

	if prepErr != nil || run.Verdict != models.VerdictRunning {
		run.CompletedAt = now
		if prepErr != nil {
			output.Error = prepErr.Error()
			logger.Error("Run not started", "runID", input.RunID, "verdict", run.Verdict.String(), "error", prepErr)
		} else {
			logger.Info("Event not eligible, run not started", "runID", input.RunID, "reason", run.Reason)
		}
		return output, nil
	}

	logger.Info("Starting PipelineWorkflow", "runID", input.RunID, "pipeline", input.Pipeline.Name, "jobs", len(run.Jobs), "cells", graph.CellCount())

	d := &pipelineDriver{
		ctx:       ctx,
		cellCtx:   workflow.WithActivityOptions(ctx, utils.GetCellActivityOptions(input.Activity)),
		eventCtx:  workflow.WithActivityOptions(ctx, utils.GetEventActivityOptions()),
		input:     input,
		run:       run,
		graph:     graph,
		sched:     engine.NewScheduler(graph),
		selector:  workflow.NewSelector(ctx),
		remaining: make(map[string]int),
	}

	if err := d.drive(); err != nil {
		logger.Error("Run aborted", "runID", input.RunID, "error", err)
		run.Verdict = models.VerdictFailure
		run.Error = err.Error()
		run.CompletedAt = workflow.Now(ctx)
		output.Error = err.Error()
		d.flushEvents()
		return output, nil
	}

	run.DeriveVerdict()
	run.CompletedAt = workflow.Now(ctx)
	d.flushEvents()

	logger.Info("PipelineWorkflow finished", "runID", input.RunID, "verdict", run.Verdict.String())
	return output, nil
}

func (d *pipelineDriver) drive() error {
	source := executor.Source{Origin: d.input.Origin, Ref: d.run.Event.CheckoutRef()}
	if d.run.Event.Repository != "" {
		source.Origin = d.run.Event.Repository
	}

	for {
		plan := d.sched.Next()

		for _, skip := range plan.Skip {
			jr := d.run.Job(skip.Job)
			jr.State = models.JobStateSkipped
			jr.SkipReason = skip.Reason
			jr.CompletedAt = workflow.Now(d.ctx)
			d.publishJob(protocol.JobSkipped, skip.Job, models.JobStateSkipped, 0, skip.Reason)
		}

		for _, name := range plan.Start {
			job, _ := d.graph.Job(name)
			cells := d.graph.Cells(name)

			jr := d.run.Job(name)
			jr.State = models.JobStateRunning
			jr.StartedAt = workflow.Now(d.ctx)
			jr.Cells = make([]models.CellRun, len(cells))
			d.remaining[name] = len(cells)
			d.publishJob(protocol.JobStarted, name, models.JobStateRunning, len(cells), "")

			for i, cell := range cells {
				jr.Cells[i] = models.CellRun{Job: name, Cell: cell, State: models.CellStatePending}
				d.queue = append(d.queue, queuedCell{
					index: i,
					task:  executor.CellTask{RunID: d.run.ID, Job: job, Cell: cell, Source: source},
				})
			}
		}

		d.launchQueued()

		if d.sched.Done() {
			return nil
		}
		if d.inflight == 0 {
			return fmt.Errorf("scheduler stalled with jobs %v still pending", d.pendingJobs())
		}

		d.selector.Select(d.ctx)
		for len(d.finished) > 0 {
			res := d.finished[0]
			d.finished = d.finished[1:]
			if err := d.fold(res); err != nil {
				return err
			}
		}
	}
}

func (d *pipelineDriver) launchQueued() {
	limit := d.input.MaxParallelCells
	for len(d.queue) > 0 && (limit <= 0 || d.inflight < limit) {
		q := d.queue[0]
		d.queue = d.queue[1:]
		d.launch(q)
	}
}

func (d *pipelineDriver) launch(q queuedCell) {
	job := q.task.Job.Name
	key := q.task.Cell.Key()

	jr := d.run.Job(job)
	jr.Cells[q.index].State = models.CellStateRunning
	jr.Cells[q.index].StartedAt = workflow.Now(d.ctx)
	d.publishCell(protocol.CellStarted, job, key, models.CellStateRunning, nil)

	started := workflow.Now(d.ctx)
	future := workflow.ExecuteActivity(d.cellCtx, RunCellActivityName, q.task)
	d.inflight++

	d.selector.AddFuture(future, func(f workflow.Future) {
		var cr models.CellRun
		if err := f.Get(d.ctx, &cr); err != nil {
			step := "activity"
			if temporal.IsCanceledError(err) {
				step = "cancelled"
			}
			cr = executor.FailedCell(q.task, started, workflow.Now(d.ctx), step, err)
		}
		d.finished = append(d.finished, cellResult{job: job, index: q.index, run: cr})
	})
}

func (d *pipelineDriver) fold(res cellResult) error {
	d.inflight--
	jr := d.run.Job(res.job)
	jr.Cells[res.index] = res.run
	d.remaining[res.job]--
	d.publishCell(protocol.CellFinished, res.job, res.run.Cell.Key(), res.run.State, &res.run)

	// Freed a slot.
	d.launchQueued()

	if d.remaining[res.job] > 0 {
		return nil
	}

	state := models.DeriveJobState(jr.Cells)
	jr.State = state
	jr.CompletedAt = workflow.Now(d.ctx)
	if err := d.sched.Complete(res.job, state); err != nil {
		return err
	}
	workflow.GetLogger(d.ctx).Info("Job finished", "runID", d.run.ID, "job", res.job, "state", state.String())
	d.publishJob(protocol.JobFinished, res.job, state, len(jr.Cells), "")
	return nil
}

func (d *pipelineDriver) publishJob(t protocol.LifecycleType, job string, state models.JobState, cells int, reason string) {
	if !d.input.PublishEvents {
		return
	}
	ev := protocol.JobLifecycleEvent{
		Metadata: protocol.NewMetadata(d.run.ID, string(t), job),
		Type:     t,
		Job:      job,
		State:    state,
		Cells:    cells,
		Reason:   reason,
	}
	d.published = append(d.published, workflow.ExecuteActivity(d.eventCtx, PublishJobEventActivityName, types.PublishJobEventInput{Event: ev}))
}

func (d *pipelineDriver) publishCell(t protocol.LifecycleType, job, cell string, state models.CellState, result *models.CellRun) {
	if !d.input.PublishEvents {
		return
	}
	ev := protocol.CellLifecycleEvent{
		Metadata: protocol.NewMetadata(d.run.ID, string(t), job, cell),
		Type:     t,
		Job:      job,
		Cell:     cell,
		State:    state,
		Result:   result,
	}
	d.published = append(d.published, workflow.ExecuteActivity(d.eventCtx, PublishCellEventActivityName, types.PublishCellEventInput{Event: ev}))
}

// flushEvents waits for outstanding publish activities. Their errors are
// logged and otherwise ignored.
func (d *pipelineDriver) flushEvents() {
	for _, f := range d.published {
		if err := f.Get(d.ctx, nil); err != nil {
			workflow.GetLogger(d.ctx).Warn("Lifecycle event not delivered", "runID", d.run.ID, "error", err)
		}
	}
	d.published = nil
}

func (d *pipelineDriver) pendingJobs() []string {
	var out []string
	for _, name := range d.graph.Jobs() {
		if !d.sched.State(name).Terminal() {
			out = append(out, name)
		}
	}
	return out
}
