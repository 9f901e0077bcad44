// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package temporal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/enums/v1"

	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/protocol"
)

func TestAbortReason(t *testing.T) {
	tests := []struct {
		status enums.WorkflowExecutionStatus
		want   string
	}{
		{enums.WORKFLOW_EXECUTION_STATUS_RUNNING, ""},
		{enums.WORKFLOW_EXECUTION_STATUS_COMPLETED, ""},
		{enums.WORKFLOW_EXECUTION_STATUS_FAILED, "pipeline workflow failed"},
		{enums.WORKFLOW_EXECUTION_STATUS_CANCELED, "pipeline workflow was cancelled"},
		{enums.WORKFLOW_EXECUTION_STATUS_TERMINATED, "pipeline workflow was terminated"},
		{enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT, "pipeline workflow timed out"},
		{enums.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED, ""},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, abortReason(tt.status))
		})
	}
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "buildgate-run-abc", WorkflowID("abc"))
}

// Runs that schedule nothing are decided locally and never reach Temporal,
// so a runner without a client can still answer them.
func TestRunner_DecidesIneligibleRunsLocally(t *testing.T) {
	events := make(chan protocol.Event, 4)
	r := NewRunner(nil, RunnerOptions{
		Policy: engine.TriggerPolicy{WatchedBranches: []string{"main"}},
		Events: events,
	})
	pipeline := models.Pipeline{Name: "ci", Jobs: []models.JobDefinition{{
		Name:  "format_check",
		Steps: []models.StepDefinition{{Name: "fmt", Uses: models.StepRun, Run: "true"}},
	}}}

	run, err := r.RunWithID(context.Background(), "run-1", models.Event{Kind: models.EventKindPush, Ref: "refs/heads/dev"}, pipeline)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictNotRun, run.Verdict)

	ev := <-events
	finished, ok := ev.(protocol.RunLifecycleEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.RunFinished, finished.Type)
	assert.Equal(t, models.VerdictNotRun, finished.Verdict)

	pipeline.Jobs[0].Needs = []string{"format_check"}
	run, err = r.RunWithID(context.Background(), "run-2", models.Event{Kind: models.EventKindPush, Ref: "refs/heads/main"}, pipeline)
	require.Error(t, err)
	assert.True(t, engine.IsConfigurationError(err))
	assert.Equal(t, models.VerdictConfigError, run.Verdict)
}
