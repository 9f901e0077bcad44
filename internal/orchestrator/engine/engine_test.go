// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"testing"

	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStep(name string) models.StepDefinition {
	return models.StepDefinition{Name: name, Uses: models.StepRun, Run: "true"}
}

// canonicalLike mirrors the shape of the shipped configuration: two
// independent quality gates feeding one matrix build.
func canonicalLike() models.Pipeline {
	matrix := models.Matrix{
		{Name: "platform", Values: []string{"platform-A", "platform-B", "platform-C"}},
		{Name: "toolchain", Values: []string{"stable"}},
	}
	return models.Pipeline{
		Name: "ci",
		Jobs: []models.JobDefinition{
			{Name: "format_check", Steps: []models.StepDefinition{runStep("fmt")}},
			{Name: "lint_check", Matrix: matrix, Steps: []models.StepDefinition{runStep("lint")}},
			{
				Name:   "build_and_test",
				Needs:  []string{"format_check", "lint_check"},
				Matrix: matrix,
				Steps: []models.StepDefinition{
					{Name: "native deps", Uses: models.StepNativeDeps, If: &models.Predicate{Dimension: "platform", Equals: "platform-A"}},
					runStep("build"),
				},
			},
		},
	}
}

func mustGraph(t *testing.T, p models.Pipeline) *Graph {
	t.Helper()
	g, err := NewGraph(p)
	require.NoError(t, err)
	return g
}

func TestEvaluateTrigger(t *testing.T) {
	policy := TriggerPolicy{WatchedBranches: []string{"main"}}

	tests := []struct {
		name     string
		event    models.Event
		eligible bool
	}{
		{"push to main", models.Event{Kind: models.EventKindPush, Ref: "main"}, true},
		{"push to refs/heads/main", models.Event{Kind: models.EventKindPush, Ref: "refs/heads/main"}, true},
		{"push to feature", models.Event{Kind: models.EventKindPush, Ref: "refs/heads/feature"}, false},
		{"opened", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionOpened}, true},
		{"synchronized", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionSynchronized}, true},
		{"reopened", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionReopened}, true},
		{"opened as draft", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionOpened, Draft: true}, false},
		{"synchronized draft", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionSynchronized, Draft: true}, false},
		{"marked ready", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionMarkedReady}, true},
		{"marked ready with stale draft flag", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionMarkedReady, Draft: true}, true},
		{"closed", models.Event{Kind: models.EventKindChangeRequest, Action: models.ActionClosed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := EvaluateTrigger(tt.event, policy)
			require.NoError(t, err)
			assert.Equal(t, tt.eligible, d.Eligible, d.Reason)
			assert.NotEmpty(t, d.Reason)
			if tt.eligible {
				assert.NoError(t, d.Err())
			} else {
				assert.ErrorIs(t, d.Err(), ErrTriggerIneligible)
			}
		})
	}
}

func TestEvaluateTrigger_UnknownKind(t *testing.T) {
	_, err := EvaluateTrigger(models.Event{Kind: "tag"}, TriggerPolicy{WatchedBranches: []string{"main"}})
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestExpand(t *testing.T) {
	t.Run("no matrix yields a single cell", func(t *testing.T) {
		cells, err := Expand(models.JobDefinition{Name: "format_check"})
		require.NoError(t, err)
		require.Len(t, cells, 1)
		assert.Empty(t, cells[0].Assignment)
		assert.Equal(t, "default", cells[0].Key())
	})

	t.Run("cartesian product in declaration order", func(t *testing.T) {
		cells, err := Expand(models.JobDefinition{Name: "j", Matrix: models.Matrix{
			{Name: "platform", Values: []string{"platform-A", "platform-B", "platform-C"}},
			{Name: "toolchain", Values: []string{"stable", "beta"}},
		}})
		require.NoError(t, err)
		require.Len(t, cells, 6)
		assert.Equal(t, "platform=platform-A,toolchain=stable", cells[0].Key())
		assert.Equal(t, "platform=platform-A,toolchain=beta", cells[1].Key())
		assert.Equal(t, "platform=platform-C,toolchain=beta", cells[5].Key())

		seen := map[string]bool{}
		for _, c := range cells {
			assert.Len(t, c.Assignment, 2)
			seen[c.Key()] = true
		}
		assert.Len(t, seen, 6, "every assignment must be distinct")
	})

	t.Run("empty dimension is a configuration error", func(t *testing.T) {
		_, err := Expand(models.JobDefinition{Name: "j", Matrix: models.Matrix{{Name: "platform"}}})
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err))
		assert.Contains(t, err.Error(), `"platform" has no values`)
	})

	t.Run("duplicate values are rejected", func(t *testing.T) {
		_, err := Expand(models.JobDefinition{Name: "j", Matrix: models.Matrix{
			{Name: "platform", Values: []string{"platform-A", "platform-A"}},
		}})
		assert.True(t, IsConfigurationError(err))
	})
}

func TestNewGraph_Canonical(t *testing.T) {
	g := mustGraph(t, canonicalLike())

	assert.Equal(t, []string{"format_check", "lint_check"}, g.Roots())
	assert.ElementsMatch(t, []string{"format_check", "lint_check"}, g.Dependencies("build_and_test"))
	assert.Equal(t, []string{"build_and_test"}, g.Dependents("format_check"))
	assert.Equal(t, [][]string{{"format_check", "lint_check"}, {"build_and_test"}}, g.Stages())
	assert.Equal(t, []string{"format_check", "lint_check", "build_and_test"}, g.TopologicalOrder())
	assert.Len(t, g.Cells("build_and_test"), 3)
	assert.Equal(t, 7, g.CellCount())
}

func TestNewGraph_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *models.Pipeline)
		issue  string
	}{
		{
			name:   "unknown dependency",
			mutate: func(p *models.Pipeline) { p.Jobs[2].Needs = append(p.Jobs[2].Needs, "docs") },
			issue:  "depends on unknown job docs",
		},
		{
			name:   "self dependency",
			mutate: func(p *models.Pipeline) { p.Jobs[0].Needs = []string{"format_check"} },
			issue:  "depends on itself",
		},
		{
			name:   "cycle",
			mutate: func(p *models.Pipeline) { p.Jobs[0].Needs = []string{"build_and_test"} },
			issue:  "dependency cycle",
		},
		{
			name:   "duplicate job",
			mutate: func(p *models.Pipeline) { p.Jobs = append(p.Jobs, p.Jobs[0]) },
			issue:  "defined more than once",
		},
		{
			name:   "empty matrix dimension",
			mutate: func(p *models.Pipeline) { p.Jobs[1].Matrix = models.Matrix{{Name: "platform"}} },
			issue:  "has no values",
		},
		{
			name: "unknown step kind",
			mutate: func(p *models.Pipeline) {
				p.Jobs[0].Steps = append(p.Jobs[0].Steps, models.StepDefinition{Name: "upload", Uses: "artifact"})
			},
			issue: `unknown step kind "artifact"`,
		},
		{
			name: "predicate on undeclared dimension",
			mutate: func(p *models.Pipeline) {
				p.Jobs[0].Steps[0].If = &models.Predicate{Dimension: "platform", Equals: "platform-A"}
			},
			issue: "undeclared dimension",
		},
		{
			name:   "run step without command",
			mutate: func(p *models.Pipeline) { p.Jobs[0].Steps[0].Run = "" },
			issue:  "run step without a command",
		},
		{
			name:   "no jobs",
			mutate: func(p *models.Pipeline) { p.Jobs = nil },
			issue:  "no jobs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := canonicalLike()
			tt.mutate(&p)
			_, err := NewGraph(p)
			require.Error(t, err)
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), tt.issue)
		})
	}
}

func TestNewGraph_CollectsEveryIssue(t *testing.T) {
	p := canonicalLike()
	p.Jobs[2].Needs = []string{"docs", "release"}
	_, err := NewGraph(p)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Issues, 2)
}

func TestMayStart(t *testing.T) {
	g := mustGraph(t, canonicalLike())

	tests := []struct {
		name   string
		format models.JobState
		lint   models.JobState
		want   GateDecision
	}{
		{"both pending", models.JobStatePending, models.JobStatePending, GateWait},
		{"one running", models.JobStateSuccess, models.JobStateRunning, GateWait},
		{"both succeeded", models.JobStateSuccess, models.JobStateSuccess, GateStart},
		{"one failed, other running", models.JobStateFailure, models.JobStateRunning, GateSkip},
		{"one failed, other pending", models.JobStatePending, models.JobStateFailure, GateSkip},
		{"upstream skipped", models.JobStateSkipped, models.JobStateSuccess, GateSkip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := g.MayStart("build_and_test", map[string]models.JobState{
				"format_check": tt.format,
				"lint_check":   tt.lint,
			})
			assert.Equal(t, tt.want, res.Decision)
			if tt.want == GateSkip {
				assert.NotEmpty(t, res.Reason)
				assert.NotEmpty(t, res.Upstream)
			}
		})
	}

	assert.Equal(t, GateStart, g.MayStart("format_check", nil).Decision, "roots start immediately")
}

func TestScheduler_HappyPath(t *testing.T) {
	s := NewScheduler(mustGraph(t, canonicalLike()))

	plan := s.Next()
	assert.Equal(t, []string{"format_check", "lint_check"}, plan.Start)
	assert.Empty(t, plan.Skip)
	assert.True(t, s.Next().Empty(), "nothing changes until a job completes")

	require.NoError(t, s.Complete("format_check", models.JobStateSuccess))
	assert.True(t, s.Next().Empty(), "build waits for lint")

	require.NoError(t, s.Complete("lint_check", models.JobStateSuccess))
	assert.Equal(t, []string{"build_and_test"}, s.Next().Start)
	assert.False(t, s.Done())

	require.NoError(t, s.Complete("build_and_test", models.JobStateSuccess))
	assert.True(t, s.Done())
}

func TestScheduler_FailureSkipsDownstreamWithoutWaiting(t *testing.T) {
	s := NewScheduler(mustGraph(t, canonicalLike()))
	s.Next()

	require.NoError(t, s.Complete("format_check", models.JobStateFailure))
	plan := s.Next()
	require.Len(t, plan.Skip, 1)
	assert.Equal(t, "build_and_test", plan.Skip[0].Job)
	assert.Equal(t, "format_check", plan.Skip[0].Upstream)
	assert.Equal(t, models.JobStateSkipped, s.State("build_and_test"))
	assert.Contains(t, s.SkipReason("build_and_test"), "format_check")

	// lint is still running and its cells keep going
	assert.Equal(t, models.JobStateRunning, s.State("lint_check"))
	assert.False(t, s.Done())
	require.NoError(t, s.Complete("lint_check", models.JobStateSuccess))
	assert.True(t, s.Done())
}

func TestScheduler_SkipCascades(t *testing.T) {
	p := models.Pipeline{Name: "chain", Jobs: []models.JobDefinition{
		{Name: "a", Steps: []models.StepDefinition{runStep("a")}},
		{Name: "b", Needs: []string{"a"}, Steps: []models.StepDefinition{runStep("b")}},
		{Name: "c", Needs: []string{"b"}, Steps: []models.StepDefinition{runStep("c")}},
		{Name: "d", Steps: []models.StepDefinition{runStep("d")}},
	}}
	s := NewScheduler(mustGraph(t, p))
	assert.Equal(t, []string{"a", "d"}, s.Next().Start)

	require.NoError(t, s.Complete("a", models.JobStateFailure))
	plan := s.Next()
	require.Len(t, plan.Skip, 2)
	assert.Equal(t, "b", plan.Skip[0].Job)
	assert.Equal(t, "c", plan.Skip[1].Job)
	assert.Equal(t, "b", plan.Skip[1].Upstream)
	assert.Equal(t, models.JobStateRunning, s.State("d"))
}

func TestScheduler_RejectsInvalidTransitions(t *testing.T) {
	s := NewScheduler(mustGraph(t, canonicalLike()))

	assert.ErrorIs(t, s.Complete("build_and_test", models.JobStateSuccess), ErrInvalidTransition)
	assert.ErrorIs(t, s.Complete("nope", models.JobStateSuccess), ErrInvalidTransition)

	s.Next()
	assert.ErrorIs(t, s.Complete("format_check", models.JobStateSkipped), ErrInvalidTransition)
	require.NoError(t, s.Complete("format_check", models.JobStateSuccess))
	assert.ErrorIs(t, s.Complete("format_check", models.JobStateSuccess), ErrInvalidTransition)
}

func TestScheduler_StatesIsACopy(t *testing.T) {
	s := NewScheduler(mustGraph(t, canonicalLike()))
	snap := s.States()
	snap["format_check"] = models.JobStateFailure
	assert.Equal(t, models.JobStatePending, s.State("format_check"))
}
