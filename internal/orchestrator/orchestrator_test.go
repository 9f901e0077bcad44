// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/executor"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/orchestrator/pipelines"
	"github.com/noldarim/buildgate/internal/protocol"
)

// scriptedCells fails the cells named in fail ("job" or "job/cellkey") and
// succeeds everything else.
type scriptedCells struct {
	fail    map[string]bool
	delay   time.Duration
	mu      sync.Mutex
	calls   []string
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (s *scriptedCells) RunCell(ctx context.Context, task executor.CellTask) models.CellRun {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, task.Job.Name+"/"+task.Cell.Key())
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}

	state := models.CellStateSuccess
	if ctx.Err() != nil || s.fail[task.Job.Name] || s.fail[task.Job.Name+"/"+task.Cell.Key()] {
		state = models.CellStateFailure
	}
	return models.CellRun{Job: task.Job.Name, Cell: task.Cell, State: state, CompletedAt: time.Now()}
}

func (s *scriptedCells) called(job string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if len(c) > len(job) && c[:len(job)+1] == job+"/" {
			n++
		}
	}
	return n
}

func canonical() models.Pipeline {
	return pipelines.Canonical(config.Default().Pipeline)
}

func pushToMain() models.Event {
	return models.Event{Kind: models.EventKindPush, Ref: "refs/heads/main", HeadSHA: "abc123"}
}

func newTestOrchestrator(cells CellDispatcher, events chan<- protocol.Event) *Orchestrator {
	return New(cells, Options{
		Policy: engine.TriggerPolicy{WatchedBranches: []string{"main"}},
		Origin: "/src",
		Events: events,
	})
}

func TestRun_AllJobsSucceed(t *testing.T) {
	cells := &scriptedCells{}
	run, err := newTestOrchestrator(cells, nil).Run(context.Background(), pushToMain(), canonical())
	require.NoError(t, err)

	assert.Equal(t, models.VerdictSuccess, run.Verdict)
	assert.Equal(t, 0, run.ExitCode())
	assert.Equal(t, 1, cells.called(pipelines.JobFormatCheck))
	assert.Equal(t, 3, cells.called(pipelines.JobLintCheck))
	assert.Equal(t, 3, cells.called(pipelines.JobBuildAndTest))
	for _, jr := range run.Jobs {
		assert.Equal(t, models.JobStateSuccess, jr.State, jr.Name)
	}
	assert.False(t, run.CompletedAt.IsZero())
}

func TestRun_IneligibleEventIsNotRun(t *testing.T) {
	cells := &scriptedCells{}
	tests := []struct {
		name  string
		event models.Event
	}{
		{"push to other branch", models.Event{Kind: models.EventKindPush, Ref: "refs/heads/feature"}},
		{"draft change request", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionOpened, Draft: true}},
		{"closed change request", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionClosed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := newTestOrchestrator(cells, nil).Run(context.Background(), tt.event, canonical())
			require.NoError(t, err)
			assert.Equal(t, models.VerdictNotRun, run.Verdict)
			assert.Equal(t, 0, run.ExitCode())
			assert.Empty(t, run.Jobs)
			assert.NotEmpty(t, run.Reason)
		})
	}
	assert.Empty(t, cells.calls)
}

func TestRun_MarkedReadyRunsEvenIfDraft(t *testing.T) {
	cells := &scriptedCells{}
	ev := models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionMarkedReady, Draft: true}

	run, err := newTestOrchestrator(cells, nil).Run(context.Background(), ev, canonical())
	require.NoError(t, err)
	assert.Equal(t, models.VerdictSuccess, run.Verdict)
}

func TestRun_InvalidPipelineIsConfigError(t *testing.T) {
	cells := &scriptedCells{}
	p := canonical()
	p.Jobs[0].Needs = []string{pipelines.JobBuildAndTest}

	run, err := newTestOrchestrator(cells, nil).Run(context.Background(), pushToMain(), p)
	require.Error(t, err)
	assert.True(t, engine.IsConfigurationError(err))
	assert.Equal(t, models.VerdictConfigError, run.Verdict)
	assert.NotEqual(t, 0, run.ExitCode())
	assert.Empty(t, cells.calls)
}

func TestRun_LintCellFailureSkipsBuildButNotSiblings(t *testing.T) {
	cells := &scriptedCells{fail: map[string]bool{"lint_check/platform=platform-B,toolchain=stable": true}}

	run, err := newTestOrchestrator(cells, nil).Run(context.Background(), pushToMain(), canonical())
	require.NoError(t, err)

	assert.Equal(t, models.VerdictFailure, run.Verdict)
	assert.Equal(t, 1, run.ExitCode())

	lint := run.Job(pipelines.JobLintCheck)
	assert.Equal(t, models.JobStateFailure, lint.State)
	require.Len(t, lint.Cells, 3)
	for _, c := range lint.Cells {
		assert.True(t, c.State.Terminal(), "sibling cells run to completion")
	}
	assert.Equal(t, models.JobStateSuccess, run.Job(pipelines.JobFormatCheck).State)

	build := run.Job(pipelines.JobBuildAndTest)
	assert.Equal(t, models.JobStateSkipped, build.State)
	assert.Contains(t, build.SkipReason, pipelines.JobLintCheck)
	assert.Equal(t, 0, cells.called(pipelines.JobBuildAndTest))
}

func TestRun_FormatFailureDoesNotStopLint(t *testing.T) {
	cells := &scriptedCells{fail: map[string]bool{"format_check": true}}

	run, err := newTestOrchestrator(cells, nil).Run(context.Background(), pushToMain(), canonical())
	require.NoError(t, err)

	assert.Equal(t, models.JobStateFailure, run.Job(pipelines.JobFormatCheck).State)
	assert.Equal(t, models.JobStateSuccess, run.Job(pipelines.JobLintCheck).State)
	assert.Equal(t, models.JobStateSkipped, run.Job(pipelines.JobBuildAndTest).State)
	assert.Equal(t, 3, cells.called(pipelines.JobLintCheck))
}

func TestRun_CellsRunConcurrently(t *testing.T) {
	cells := &scriptedCells{delay: 50 * time.Millisecond}

	_, err := newTestOrchestrator(cells, nil).Run(context.Background(), pushToMain(), canonical())
	require.NoError(t, err)
	// format_check and the three lint cells start together.
	assert.GreaterOrEqual(t, cells.maxSeen.Load(), int32(4))
}

func TestRun_MaxParallelCells(t *testing.T) {
	cells := &scriptedCells{delay: 5 * time.Millisecond}
	o := New(cells, Options{
		Policy:           engine.TriggerPolicy{WatchedBranches: []string{"main"}},
		MaxParallelCells: 2,
	})

	run, err := o.Run(context.Background(), pushToMain(), canonical())
	require.NoError(t, err)
	assert.Equal(t, models.VerdictSuccess, run.Verdict)
	assert.LessOrEqual(t, cells.maxSeen.Load(), int32(2))
}

func TestRun_SameIdentitySameOutcome(t *testing.T) {
	o := newTestOrchestrator(&scriptedCells{fail: map[string]bool{"lint_check/platform=platform-C,toolchain=stable": true}}, nil)

	first, err := o.Run(context.Background(), pushToMain(), canonical())
	require.NoError(t, err)
	second, err := o.Run(context.Background(), pushToMain(), canonical())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.IdentityHash, second.IdentityHash)
	for _, jr := range first.Jobs {
		other := second.Job(jr.Name)
		assert.Equal(t, jr.State, other.State)
		for i := range jr.Cells {
			assert.Equal(t, jr.Cells[i].State, other.Cells[i].State)
		}
	}
}

func TestRun_CancelledContextFailsCells(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := newTestOrchestrator(&scriptedCells{}, nil).Run(ctx, pushToMain(), canonical())
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFailure, run.Verdict)
	assert.Equal(t, models.JobStateSkipped, run.Job(pipelines.JobBuildAndTest).State)
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	events := make(chan protocol.Event, 64)
	_, err := newTestOrchestrator(&scriptedCells{fail: map[string]bool{"format_check": true}}, events).
		Run(context.Background(), pushToMain(), canonical())
	require.NoError(t, err)
	close(events)

	counts := map[string]int{}
	var last protocol.Event
	for e := range events {
		counts[protocol.TypeOf(e)]++
		last = e
	}
	assert.Equal(t, 1, counts[string(protocol.RunStarted)])
	assert.Equal(t, 2, counts[string(protocol.JobStarted)])
	assert.Equal(t, 1, counts[string(protocol.JobSkipped)])
	assert.Equal(t, 2, counts[string(protocol.JobFinished)])
	assert.Equal(t, 4, counts[string(protocol.CellStarted)])
	assert.Equal(t, 4, counts[string(protocol.CellFinished)])

	finished, ok := last.(protocol.RunLifecycleEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.RunFinished, finished.Type)
	assert.Equal(t, models.VerdictFailure, finished.Verdict)
}

func TestRun_FullEventChannelNeverBlocks(t *testing.T) {
	events := make(chan protocol.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = newTestOrchestrator(&scriptedCells{}, events).Run(context.Background(), pushToMain(), canonical())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on an unread event channel")
	}
}

func TestPrepare_UnknownEventKind(t *testing.T) {
	run, graph, err := Prepare("run-x", models.Event{Kind: "tag"}, canonical(), engine.TriggerPolicy{})
	require.ErrorIs(t, err, engine.ErrUnknownEventKind)
	assert.Nil(t, graph)
	assert.Equal(t, models.VerdictConfigError, run.Verdict)
}

func TestDispatch_CancelledWhileQueuedDoesNotRunCell(t *testing.T) {
	cells := &scriptedCells{}
	o := New(cells, Options{MaxParallelCells: 1})
	graph, err := engine.NewGraph(canonical())
	require.NoError(t, err)

	sem := make(chan struct{}, 1)
	sem <- struct{}{} // the only slot is taken
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, _ := graph.Job(pipelines.JobLintCheck)
	cell := graph.Cells(pipelines.JobLintCheck)[0]
	results := newResultQueue(graph)
	o.dispatch(ctx, sem, results, 0, executor.CellTask{RunID: "run-1", Job: job, Cell: cell})

	res := <-results
	assert.Equal(t, models.CellStateFailure, res.run.State)
	require.NotNil(t, res.run.FailedStep())
	assert.Equal(t, "queue", res.run.FailedStep().Name)
	assert.Contains(t, res.run.Error, "cancelled while waiting")
	assert.Equal(t, 0, cells.called(pipelines.JobLintCheck))
	assert.Len(t, sem, 1, "slot still held by its owner")
}

func TestRun_CancelWhileQueuedKeepsParallelLimit(t *testing.T) {
	cells := &scriptedCells{delay: 200 * time.Millisecond}
	o := New(cells, Options{
		Policy:           engine.TriggerPolicy{WatchedBranches: []string{"main"}},
		MaxParallelCells: 1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	run, err := o.Run(ctx, pushToMain(), canonical())
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFailure, run.Verdict)
	assert.LessOrEqual(t, cells.maxSeen.Load(), int32(1))
}

// Results are buffered per cell, so cells finishing after the loop has
// stopped reading never block.
func TestResultQueue_HoldsEveryCell(t *testing.T) {
	o := New(&scriptedCells{}, Options{})
	graph, err := engine.NewGraph(canonical())
	require.NoError(t, err)
	results := newResultQueue(graph)

	var wg sync.WaitGroup
	for _, name := range graph.Jobs() {
		job, _ := graph.Job(name)
		for i, cell := range graph.Cells(name) {
			wg.Add(1)
			go func(job models.JobDefinition, i int, cell models.MatrixCell) {
				defer wg.Done()
				o.dispatch(context.Background(), nil, results, i, executor.CellTask{RunID: "run-1", Job: job, Cell: cell})
			}(job, i, cell)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cell dispatch blocked with nobody reading results")
	}
	assert.Len(t, results, graph.CellCount())
}
