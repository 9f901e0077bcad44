// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/executor"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/activities"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/types"
	"github.com/noldarim/buildgate/internal/protocol"
)

// scriptedCells succeeds every cell except those listed in fail.
type scriptedCells struct {
	fail map[string]bool

	mu         sync.Mutex
	calls      []string
	running    int
	maxRunning int
}

func (s *scriptedCells) RunCell(_ context.Context, task executor.CellTask) models.CellRun {
	key := task.Job.Name + "/" + task.Cell.Key()
	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.running++
	if s.running > s.maxRunning {
		s.maxRunning = s.running
	}
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.running--
	s.mu.Unlock()

	run := models.CellRun{Job: task.Job.Name, Cell: task.Cell, State: models.CellStateSuccess}
	status := models.StepStatusOK
	if s.fail[key] {
		run.State = models.CellStateFailure
		run.Error = "step check failed with exit code 1"
		status = models.StepStatusFailed
	}
	run.Steps = []models.StepOutcome{{Name: "check", Kind: models.StepRun, Status: status}}
	return run
}

func (s *scriptedCells) ran(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == key {
			return true
		}
	}
	return false
}

func testPipeline() models.Pipeline {
	platforms := models.Matrix{{Name: "platform", Values: []string{"platform-A", "platform-B"}}}
	step := []models.StepDefinition{{Name: "check", Uses: models.StepRun, Run: "true"}}
	return models.Pipeline{
		Name: "ci",
		Jobs: []models.JobDefinition{
			{Name: "format_check", Steps: step},
			{Name: "lint_check", Matrix: platforms, Steps: step},
			{Name: "build_and_test", Needs: []string{"format_check", "lint_check"}, Matrix: platforms, Steps: step},
		},
	}
}

func testInput(event models.Event) types.PipelineWorkflowInput {
	return types.PipelineWorkflowInput{
		RunID:    "run-1",
		Event:    event,
		Pipeline: testPipeline(),
		Policy:   engine.TriggerPolicy{WatchedBranches: []string{"main"}},
		Origin:   "https://example.invalid/repo.git",
	}
}

var pushToMain = models.Event{Kind: models.EventKindPush, Ref: "refs/heads/main", HeadSHA: "abc123"}

func newEnv(t *testing.T, cells activities.CellRunner) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(PipelineWorkflow)
	env.RegisterActivityWithOptions(activities.NewCellActivities(cells).RunCellActivity, activity.RegisterOptions{Name: RunCellActivityName})
	return env
}

func runWorkflow(t *testing.T, env *testsuite.TestWorkflowEnvironment, input types.PipelineWorkflowInput) *types.PipelineWorkflowOutput {
	t.Helper()
	env.ExecuteWorkflow(PipelineWorkflow, input)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out types.PipelineWorkflowOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.NotNil(t, out.Run)
	return &out
}

func TestPipelineWorkflow_AllJobsSucceed(t *testing.T) {
	cells := &scriptedCells{}
	env := newEnv(t, cells)

	out := runWorkflow(t, env, testInput(pushToMain))

	assert.Empty(t, out.Error)
	assert.Equal(t, models.VerdictSuccess, out.Run.Verdict)
	for _, job := range out.Run.Jobs {
		assert.Equal(t, models.JobStateSuccess, job.State, job.Name)
	}
	assert.Len(t, out.Run.Job("build_and_test").Cells, 2)
	assert.Len(t, cells.calls, 5)
}

func TestPipelineWorkflow_FailedLintCellSkipsBuild(t *testing.T) {
	cells := &scriptedCells{fail: map[string]bool{"lint_check/platform=platform-B": true}}
	env := newEnv(t, cells)

	out := runWorkflow(t, env, testInput(pushToMain))

	assert.Equal(t, models.VerdictFailure, out.Run.Verdict)
	assert.Equal(t, models.JobStateSuccess, out.Run.Job("format_check").State)

	lint := out.Run.Job("lint_check")
	assert.Equal(t, models.JobStateFailure, lint.State)
	// The sibling cell still ran to completion.
	assert.Equal(t, models.CellStateSuccess, lint.Cells[0].State)
	assert.Equal(t, models.CellStateFailure, lint.Cells[1].State)

	build := out.Run.Job("build_and_test")
	assert.Equal(t, models.JobStateSkipped, build.State)
	assert.Contains(t, build.SkipReason, "lint_check")
	assert.False(t, cells.ran("build_and_test/platform=platform-A"))
	assert.Equal(t, 1, out.Run.ExitCode())
}

func TestPipelineWorkflow_IneligibleEventSchedulesNothing(t *testing.T) {
	cells := &scriptedCells{}
	env := newEnv(t, cells)

	ev := models.Event{Kind: models.EventKindPush, Ref: "refs/heads/feature"}
	out := runWorkflow(t, env, testInput(ev))

	assert.Equal(t, models.VerdictNotRun, out.Run.Verdict)
	assert.NotEmpty(t, out.Run.Reason)
	assert.Empty(t, out.Run.Jobs)
	assert.Empty(t, cells.calls)
	assert.Equal(t, 0, out.Run.ExitCode())
}

func TestPipelineWorkflow_UnknownEventKindIsConfigError(t *testing.T) {
	cells := &scriptedCells{}
	env := newEnv(t, cells)

	out := runWorkflow(t, env, testInput(models.Event{Kind: "tag", Ref: "v1"}))

	assert.Equal(t, models.VerdictConfigError, out.Run.Verdict)
	assert.NotEmpty(t, out.Error)
	assert.Empty(t, cells.calls)
}

func TestPipelineWorkflow_MalformedPipelineIsConfigError(t *testing.T) {
	cells := &scriptedCells{}
	env := newEnv(t, cells)

	input := testInput(pushToMain)
	input.Pipeline.Jobs[0].Needs = []string{"missing"}
	out := runWorkflow(t, env, input)

	assert.Equal(t, models.VerdictConfigError, out.Run.Verdict)
	assert.Contains(t, out.Error, "unknown job missing")
	assert.Empty(t, cells.calls)
}

func TestPipelineWorkflow_ActivityErrorFailsCell(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(PipelineWorkflow)

	var mu sync.Mutex
	attempts := 0
	env.RegisterActivityWithOptions(func(_ context.Context, task executor.CellTask) (models.CellRun, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if task.Job.Name == "format_check" {
			return models.CellRun{}, errors.New("worker lost the cell")
		}
		return models.CellRun{Job: task.Job.Name, Cell: task.Cell, State: models.CellStateSuccess}, nil
	}, activity.RegisterOptions{Name: RunCellActivityName})

	out := runWorkflow(t, env, testInput(pushToMain))

	format := out.Run.Job("format_check")
	require.Len(t, format.Cells, 1)
	assert.Equal(t, models.CellStateFailure, format.Cells[0].State)
	assert.Contains(t, format.Cells[0].Error, "worker lost the cell")
	assert.Equal(t, "activity", format.Cells[0].Steps[0].Name)
	assert.Equal(t, models.JobStateSkipped, out.Run.Job("build_and_test").State)
	// Cells are never retried: one format attempt plus two lint cells.
	assert.Equal(t, 3, attempts)
}

func TestPipelineWorkflow_MaxParallelCells(t *testing.T) {
	cells := &scriptedCells{}
	env := newEnv(t, cells)

	input := testInput(pushToMain)
	input.MaxParallelCells = 1
	out := runWorkflow(t, env, input)

	assert.Equal(t, models.VerdictSuccess, out.Run.Verdict)
	assert.Equal(t, 1, cells.maxRunning)
	assert.Len(t, cells.calls, 5)
}

func TestPipelineWorkflow_PublishesLifecycleEvents(t *testing.T) {
	cells := &scriptedCells{}
	env := newEnv(t, cells)

	events := make(chan protocol.Event, 64)
	ea := activities.NewEventActivities(events)
	env.RegisterActivityWithOptions(ea.PublishJobEventActivity, activity.RegisterOptions{Name: PublishJobEventActivityName})
	env.RegisterActivityWithOptions(ea.PublishCellEventActivity, activity.RegisterOptions{Name: PublishCellEventActivityName})

	input := testInput(pushToMain)
	input.PublishEvents = true
	runWorkflow(t, env, input)
	close(events)

	counts := map[protocol.LifecycleType]int{}
	for ev := range events {
		switch e := ev.(type) {
		case protocol.JobLifecycleEvent:
			counts[e.Type]++
		case protocol.CellLifecycleEvent:
			counts[e.Type]++
			assert.Equal(t, "run-1", e.RunID)
		}
	}
	assert.Equal(t, 3, counts[protocol.JobStarted])
	assert.Equal(t, 3, counts[protocol.JobFinished])
	assert.Equal(t, 5, counts[protocol.CellStarted])
	assert.Equal(t, 5, counts[protocol.CellFinished])
}

func TestPipelineWorkflow_RunStateQuery(t *testing.T) {
	cells := &scriptedCells{}
	env := newEnv(t, cells)
	runWorkflow(t, env, testInput(pushToMain))

	res, err := env.QueryWorkflow(RunStateQuery)
	require.NoError(t, err)

	var run models.PipelineRun
	require.NoError(t, res.Get(&run))
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, models.VerdictSuccess, run.Verdict)
}
