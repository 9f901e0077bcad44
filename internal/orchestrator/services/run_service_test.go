// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/orchestrator"
	"github.com/noldarim/buildgate/internal/orchestrator/database"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/executor"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/orchestrator/pipelines"
)

type passingCells struct {
	release chan struct{}
}

func (p *passingCells) RunCell(ctx context.Context, task executor.CellTask) models.CellRun {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return models.CellRun{Job: task.Job.Name, Cell: task.Cell, State: models.CellStateFailure}
		}
	}
	return models.CellRun{Job: task.Job.Name, Cell: task.Cell, State: models.CellStateSuccess}
}

func newService(t *testing.T, cells orchestrator.CellDispatcher) (*RunService, *database.GormDB) {
	t.Helper()
	archive := database.OpenTestDB(t)
	orch := orchestrator.New(cells, orchestrator.Options{Policy: engine.TriggerPolicy{WatchedBranches: []string{"main"}}})
	svc := NewRunService(orch, archive, pipelines.Canonical(config.Default().Pipeline), time.Hour)
	return svc, archive
}

func TestSubmit_RunsAndArchives(t *testing.T) {
	svc, db := newService(t, &passingCells{})
	ctx := context.Background()

	res, err := svc.Submit(ctx, models.Event{Kind: models.EventKindPush, Ref: "main"})
	require.NoError(t, err)
	assert.False(t, res.AlreadyExists)

	svc.Wait()
	assert.Equal(t, 0, svc.Active())

	run, err := db.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictSuccess, run.Verdict)
	assert.Len(t, run.Jobs, 3)
}

func TestSubmit_ArchivesNotRun(t *testing.T) {
	svc, _ := newService(t, &passingCells{})
	ctx := context.Background()

	res, err := svc.Submit(ctx, models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionOpened, Draft: true})
	require.NoError(t, err)
	svc.Wait()

	run, err := svc.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictNotRun, run.Verdict)
	assert.NotEmpty(t, run.Reason)
}

func TestSubmit_RejectsUnknownKind(t *testing.T) {
	svc, _ := newService(t, &passingCells{})
	_, err := svc.Submit(context.Background(), models.Event{Kind: "tag"})
	assert.ErrorIs(t, err, engine.ErrUnknownEventKind)
}

func TestSubmit_DeduplicatesDeliveries(t *testing.T) {
	svc, _ := newService(t, &passingCells{})
	ctx := context.Background()
	ev := models.Event{Kind: models.EventKindPush, Ref: "main", DeliveryID: "d-1"}

	first, err := svc.Submit(ctx, ev)
	require.NoError(t, err)
	second, err := svc.Submit(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.AlreadyExists)
	assert.Equal(t, first.RunID, second.RunID)

	svc.Wait()

	// A fresh service only knows the delivery through the archive.
	other := NewRunService(svc.runner, svc.store, svc.pipeline, time.Hour)
	third, err := other.Submit(ctx, ev)
	require.NoError(t, err)
	assert.True(t, third.AlreadyExists)
	assert.Equal(t, first.RunID, third.RunID)
}

func TestGetRun_ReturnsRunningPlaceholder(t *testing.T) {
	cells := &passingCells{release: make(chan struct{})}
	svc, _ := newService(t, cells)
	ctx := context.Background()

	res, err := svc.Submit(ctx, models.Event{Kind: models.EventKindPush, Ref: "main"})
	require.NoError(t, err)

	run, err := svc.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRunning, run.Verdict)
	assert.Equal(t, 1, svc.Active())

	close(cells.release)
	svc.Wait()
	run, err = svc.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictSuccess, run.Verdict)
}

func TestShutdown_CancelsRunningCellsAfterDeadline(t *testing.T) {
	cells := &passingCells{release: make(chan struct{})}
	svc, db := newService(t, cells)

	res, err := svc.Submit(context.Background(), models.Event{Kind: models.EventKindPush, Ref: "main"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = svc.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	run, err := db.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFailure, run.Verdict)

	_, err = svc.Submit(context.Background(), models.Event{Kind: models.EventKindPush, Ref: "main"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestListRuns(t *testing.T) {
	svc, _ := newService(t, &passingCells{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, models.Event{Kind: models.EventKindPush, Ref: "main"})
		require.NoError(t, err)
	}
	svc.Wait()

	runs, err := svc.ListRuns(ctx, database.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
