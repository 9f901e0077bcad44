// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/noldarim/buildgate/internal/orchestrator/executor"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

// CellRunner runs one matrix cell. *executor.CellRunner satisfies it.
type CellRunner interface {
	RunCell(ctx context.Context, task executor.CellTask) models.CellRun
}

// CellActivities executes matrix cells on the worker.
type CellActivities struct {
	runner CellRunner
}

// NewCellActivities creates a new instance
func NewCellActivities(runner CellRunner) *CellActivities {
	return &CellActivities{runner: runner}
}

// RunCellActivity provisions a fresh environment for the cell, runs its
// steps and tears the environment down. Step failures are part of the
// returned CellRun, not activity errors.
func (a *CellActivities) RunCellActivity(ctx context.Context, task executor.CellTask) (models.CellRun, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Running cell", "runID", task.RunID, "job", task.Job.Name, "cell", task.Cell.Key())

	if hb := activity.GetInfo(ctx).HeartbeatTimeout; hb > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go heartbeat(ctx, hb/2, stop, task.Cell.Key())
	}

	result := a.runner.RunCell(ctx, task)

	logger.Info("Cell finished", "runID", task.RunID, "job", task.Job.Name, "cell", task.Cell.Key(), "state", result.State.String())
	return result, nil
}

func heartbeat(ctx context.Context, every time.Duration, stop <-chan struct{}, cell string) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			activity.RecordHeartbeat(ctx, cell)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
