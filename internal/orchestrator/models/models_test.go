// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixCellKey(t *testing.T) {
	assert.Equal(t, "default", MatrixCell{}.Key())

	cell := MatrixCell{Assignment: map[string]string{"toolchain": "stable", "platform": "platform-A"}}
	assert.Equal(t, "platform=platform-A,toolchain=stable", cell.Key())
}

func TestPredicateHolds(t *testing.T) {
	cellA := MatrixCell{Assignment: map[string]string{"platform": "platform-A"}}
	cellB := MatrixCell{Assignment: map[string]string{"platform": "platform-B"}}

	var always *Predicate
	assert.True(t, always.Holds(cellA))

	onA := &Predicate{Dimension: "platform", Equals: "platform-A"}
	assert.True(t, onA.Holds(cellA))
	assert.False(t, onA.Holds(cellB))
	assert.False(t, onA.Holds(MatrixCell{}))
}

func TestDeriveJobState(t *testing.T) {
	tests := []struct {
		name  string
		cells []CellState
		want  JobState
	}{
		{"no cells yet", nil, JobStatePending},
		{"all succeeded", []CellState{CellStateSuccess, CellStateSuccess}, JobStateSuccess},
		{"one failed, all done", []CellState{CellStateSuccess, CellStateFailure, CellStateSuccess}, JobStateFailure},
		{"failure while another runs", []CellState{CellStateFailure, CellStateRunning}, JobStateRunning},
		{"still pending", []CellState{CellStatePending, CellStateSuccess}, JobStateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cells []CellRun
			for _, s := range tt.cells {
				cells = append(cells, CellRun{State: s})
			}
			assert.Equal(t, tt.want, DeriveJobState(cells))
		})
	}
}

func TestPipelineRunVerdictAndExitCode(t *testing.T) {
	run := &PipelineRun{Jobs: []*JobRun{
		{Name: "format_check", State: JobStateSuccess},
		{Name: "build_and_test", State: JobStateSuccess},
	}}
	assert.Equal(t, VerdictSuccess, run.DeriveVerdict())
	assert.Equal(t, 0, run.ExitCode())

	run.Job("build_and_test").State = JobStateSkipped
	assert.Equal(t, VerdictFailure, run.DeriveVerdict())
	assert.Equal(t, 1, run.ExitCode())

	notRun := &PipelineRun{Verdict: VerdictNotRun}
	assert.Equal(t, 0, notRun.ExitCode())

	badConfig := &PipelineRun{Verdict: VerdictConfigError}
	assert.NotEqual(t, 0, badConfig.ExitCode())
}

func TestStateEnumsMarshalAsWords(t *testing.T) {
	b, err := json.Marshal(struct {
		V RunVerdict `json:"v"`
		J JobState   `json:"j"`
		S StepStatus `json:"s"`
	}{VerdictNotRun, JobStateSkipped, StepStatusNotRun})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"not-run","j":"skipped","s":"not-run"}`, string(b))

	var v RunVerdict
	require.NoError(t, json.Unmarshal([]byte(`"config-error"`), &v))
	assert.Equal(t, VerdictConfigError, v)
	assert.Error(t, json.Unmarshal([]byte(`"maybe"`), &v))
}

func TestComputeRunIdentityHash(t *testing.T) {
	pipeline := Pipeline{Name: "ci", Jobs: []JobDefinition{{Name: "format_check"}}}
	ev := Event{Kind: EventKindPush, Ref: "refs/heads/main", HeadSHA: "abc"}

	h1 := ComputeRunIdentityHash(ev, pipeline)
	ev.DeliveryID = "delivery-2"
	ev.ReceivedAt = time.Now()
	assert.Equal(t, h1, ComputeRunIdentityHash(ev, pipeline), "delivery metadata must not change identity")

	ev.HeadSHA = "def"
	assert.NotEqual(t, h1, ComputeRunIdentityHash(ev, pipeline))
}

func TestPipelineRunRecordRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	run := &PipelineRun{
		ID:       "run-1",
		Pipeline: "ci",
		Event:    Event{Kind: EventKindChangeRequest, Ref: "feature", Action: ActionOpened, Number: 7},
		Verdict:  VerdictFailure,
		Jobs: []*JobRun{
			{
				Name:  "lint_check",
				State: JobStateFailure,
				Cells: []CellRun{{
					Job:   "lint_check",
					Cell:  MatrixCell{Assignment: map[string]string{"platform": "platform-B"}},
					State: CellStateFailure,
					Steps: []StepOutcome{{Name: "lint", Kind: StepRun, Status: StepStatusFailed, ExitCode: 101}},
				}},
			},
			{Name: "build_and_test", State: JobStateSkipped, SkipReason: "dependency lint_check failed"},
		},
		StartedAt:   now,
		CompletedAt: now.Add(time.Minute),
	}

	rec := NewPipelineRunRecord(run)
	require.Len(t, rec.Jobs, 2)
	assert.Equal(t, "run-1/lint_check", rec.Jobs[0].ID)
	assert.Equal(t, "run-1/lint_check/platform=platform-B", rec.Jobs[0].Cells[0].ID)

	back := rec.ToPipelineRun()
	assert.Equal(t, run.Event.Number, back.Event.Number)
	assert.Equal(t, JobStateSkipped, back.Job("build_and_test").State)
	assert.Equal(t, "dependency lint_check failed", back.Job("build_and_test").SkipReason)
	assert.Equal(t, 101, back.Job("lint_check").Cells[0].Steps[0].ExitCode)
}
