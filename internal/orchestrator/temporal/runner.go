// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/orchestrator"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/types"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/utils"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/workflows"
	"github.com/noldarim/buildgate/internal/protocol"
)

// cancelGrace bounds how long RunWithID waits for a cancelled workflow to
// record its final run.
const cancelGrace = time.Minute

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Policy           engine.TriggerPolicy
	Origin           string
	MaxParallelCells int
	Temporal         config.TemporalConfig
	// Events receives run lifecycle events. When set, the workflow also
	// publishes job and cell events through the worker's event activities.
	Events chan<- protocol.Event
}

// Runner executes pipeline runs as PipelineWorkflow executions. It has the
// same contract as the in-process orchestrator.
type Runner struct {
	client *Client
	opts   RunnerOptions
}

// NewRunner creates a runner that starts workflows through c.
func NewRunner(c *Client, opts RunnerOptions) *Runner {
	return &Runner{client: c, opts: opts}
}

// WorkflowID is the Temporal workflow ID of a run.
func WorkflowID(runID string) string {
	return "buildgate-run-" + runID
}

// RunWithID evaluates the trigger and pipeline locally; only a run that
// will schedule jobs is handed to Temporal. It blocks until the workflow
// completes. Cancelling ctx cancels the workflow, whose in-flight cells
// are then recorded as failed.
func (r *Runner) RunWithID(ctx context.Context, runID string, event models.Event, pipeline models.Pipeline) (*models.PipelineRun, error) {
	run, _, err := orchestrator.Prepare(runID, event, pipeline, r.opts.Policy)
	if err != nil || run.Verdict != models.VerdictRunning {
		r.emit(protocol.RunLifecycleEvent{Metadata: protocol.NewMetadata(runID, string(protocol.RunFinished)), Type: protocol.RunFinished, Event: event, Verdict: run.Verdict, Reason: run.Reason, Run: run})
		return run, err
	}

	input := types.PipelineWorkflowInput{
		RunID:            runID,
		Event:            event,
		Pipeline:         pipeline,
		Policy:           r.opts.Policy,
		Origin:           r.opts.Origin,
		MaxParallelCells: r.opts.MaxParallelCells,
		PublishEvents:    r.opts.Events != nil,
		Activity:         utils.CellActivityOptionsFromConfig(r.opts.Temporal),
	}

	we, err := r.client.StartWorkflow(ctx, WorkflowID(runID), workflows.PipelineWorkflow, input)
	if err != nil {
		return nil, err
	}
	r.emit(protocol.RunLifecycleEvent{Metadata: protocol.NewMetadata(runID, string(protocol.RunStarted)), Type: protocol.RunStarted, Event: event, Verdict: models.VerdictRunning})

	var out types.PipelineWorkflowOutput
	err = we.Get(ctx, &out)
	if err != nil && ctx.Err() != nil {
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
		defer cancel()
		if cerr := r.client.CancelWorkflow(waitCtx, WorkflowID(runID)); cerr != nil {
			getTemporalLog().Warn().Err(cerr).Str("run_id", runID).Msg("Failed to cancel workflow")
		}
		err = we.Get(waitCtx, &out)
	}
	if err != nil {
		return r.aborted(run, err), fmt.Errorf("pipeline workflow %s: %w", WorkflowID(runID), err)
	}
	if out.Run == nil {
		err := errors.New("pipeline workflow returned no run")
		return r.aborted(run, err), err
	}

	r.emit(protocol.RunLifecycleEvent{Metadata: protocol.NewMetadata(runID, string(protocol.RunFinished)), Type: protocol.RunFinished, Event: event, Verdict: out.Run.Verdict, Run: out.Run})
	if out.Error != "" {
		return out.Run, errors.New(out.Error)
	}
	return out.Run, nil
}

// Snapshot returns the current state of a run that is still executing.
func (r *Runner) Snapshot(ctx context.Context, runID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	if err := r.client.QueryWorkflow(ctx, WorkflowID(runID), workflows.RunStateQuery, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// aborted turns the prepared run into a failed one when the workflow
// closed without reporting its own verdict.
func (r *Runner) aborted(run *models.PipelineRun, cause error) *models.PipelineRun {
	run.Verdict = models.VerdictFailure
	run.CompletedAt = time.Now()
	run.Error = cause.Error()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if status, err := r.client.Status(ctx, WorkflowID(run.ID)); err == nil {
		if reason := abortReason(status); reason != "" {
			run.Error = reason + ": " + run.Error
		}
	}
	r.emit(protocol.RunLifecycleEvent{Metadata: protocol.NewMetadata(run.ID, string(protocol.RunFinished)), Type: protocol.RunFinished, Event: run.Event, Verdict: run.Verdict, Run: run})
	return run
}

func (r *Runner) emit(e protocol.Event) {
	if r.opts.Events == nil {
		return
	}
	select {
	case r.opts.Events <- e:
	default:
		getTemporalLog().Warn().Str("event_type", protocol.TypeOf(e)).Str("run_id", e.GetMetadata().RunID).Msg("Event channel full, dropping lifecycle event")
	}
}
