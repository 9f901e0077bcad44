// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/noldarim/buildgate/internal/environment"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

// CellTask is everything needed to run one cell in isolation. It is plain
// data so it can cross a workflow boundary.
type CellTask struct {
	RunID  string               `json:"run_id"`
	Job    models.JobDefinition `json:"job"`
	Cell   models.MatrixCell    `json:"cell"`
	Source Source               `json:"source"`
}

// CellRunner provisions a fresh environment per cell, runs the cell's steps
// in it and tears it down again.
type CellRunner struct {
	Provisioner environment.Provisioner
	Executor    *Executor
}

// NewCellRunner creates a cell runner.
func NewCellRunner(p environment.Provisioner, x *Executor) *CellRunner {
	return &CellRunner{Provisioner: p, Executor: x}
}

// RunCell never returns an error: a provisioning failure is recorded as a
// failed "provision" step so the cell fails like any other.
func (r *CellRunner) RunCell(ctx context.Context, task CellTask) models.CellRun {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return FailedCell(task, started, time.Now(), "provision", fmt.Errorf("cancelled before start: %w", err))
	}

	env, err := r.Provisioner.Provision(ctx, environment.CellSpec{RunID: task.RunID, Job: task.Job.Name, Cell: task.Cell})
	if err != nil {
		getLog().Warn().Err(err).Str("job", task.Job.Name).Str("cell", task.Cell.Key()).Msg("Provisioning failed")
		return FailedCell(task, started, time.Now(), "provision", err)
	}
	defer func() {
		if err := env.Close(context.WithoutCancel(ctx)); err != nil {
			getLog().Warn().Err(err).Str("job", task.Job.Name).Str("cell", task.Cell.Key()).Msg("Failed to tear down cell environment")
		}
	}()

	return r.Executor.WithSource(task.Source).Run(ctx, env, task.Job, task.Cell)
}

// FailedCell records a cell that failed outside its own steps: step names
// the synthetic step that failed and every declared step is marked not-run.
func FailedCell(task CellTask, started, completed time.Time, step string, err error) models.CellRun {
	sf := &StepFailure{Step: step, ExitCode: -1, Err: err}
	run := models.CellRun{
		Job:         task.Job.Name,
		Cell:        task.Cell,
		State:       models.CellStateFailure,
		StartedAt:   started,
		CompletedAt: completed,
		Error:       sf.Error(),
		Steps: []models.StepOutcome{{
			Name:     step,
			Status:   models.StepStatusFailed,
			ExitCode: -1,
			Error:    err.Error(),
		}},
	}
	for _, s := range task.Job.Steps {
		run.Steps = append(run.Steps, models.StepOutcome{Name: s.Name, Kind: s.Uses, Status: models.StepStatusNotRun})
	}
	return run
}
