// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

const gatePipeline = `name: gate
jobs:
  - name: format_check
    steps:
      - name: fmt
        uses: run
        run: "true"
  - name: lint_check
    needs: [format_check]
    matrix:
      - name: platform
        values: [platform-A, platform-B]
    steps:
      - name: lint
        uses: run
        run: "test \"$BUILDGATE_PLATFORM\" != platform-B"
  - name: build_and_test
    needs: [lint_check]
    steps:
      - name: build
        uses: run
        run: "true"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeConfig writes a config that keeps the cache in memory and cells local.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	return writeFile(t, dir, "buildgate.yaml", `pipeline:
  environment: local
  watched_branches: [main]
cache:
  backend: memory
`)
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exit *ExitError
	require.True(t, errors.As(err, &exit), "expected ExitError, got %v", err)
	return exit.ExitCode()
}

func TestEventFlags(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("push expands short branch", func(t *testing.T) {
		f := eventFlags{kind: "push", ref: "main"}
		ev, err := f.event(now)
		require.NoError(t, err)
		assert.Equal(t, models.EventKindPush, ev.Kind)
		assert.Equal(t, "refs/heads/main", ev.Ref)
		assert.Equal(t, now, ev.ReceivedAt)
	})

	t.Run("change request keeps ref", func(t *testing.T) {
		f := eventFlags{kind: "change_request", ref: "feature/x", action: "opened", draft: true, number: 7}
		ev, err := f.event(now)
		require.NoError(t, err)
		assert.Equal(t, models.EventKindChangeRequest, ev.Kind)
		assert.Equal(t, "feature/x", ev.Ref)
		assert.Equal(t, models.ActionOpened, ev.Action)
		assert.True(t, ev.Draft)
		assert.Equal(t, 7, ev.Number)
	})

	t.Run("ref required", func(t *testing.T) {
		f := eventFlags{kind: "push"}
		_, err := f.event(now)
		assert.Error(t, err)
	})
}

func TestLoadEventFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := writeFile(t, dir, "event.json", `{"kind":"change_request","ref":"feature/y","action":"marked_ready","draft":false}`)
	ev, err := loadEventFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, models.EventKindChangeRequest, ev.Kind)
	assert.Equal(t, models.ActionMarkedReady, ev.Action)
	assert.False(t, ev.ReceivedAt.IsZero())

	yamlPath := writeFile(t, dir, "event.yaml", "kind: push\nref: refs/heads/main\nhead_sha: abc123\n")
	ev, err = loadEventFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, models.EventKindPush, ev.Kind)
	assert.Equal(t, "abc123", ev.CheckoutRef())

	bad := writeFile(t, dir, "bad.json", `{"kind":`)
	_, err = loadEventFile(bad)
	assert.Error(t, err)
}

func TestRenderReport_Failure(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := &models.PipelineRun{
		ID:          "run-1",
		Pipeline:    "gate",
		Event:       models.Event{Ref: "refs/heads/main"},
		Verdict:     models.VerdictFailure,
		StartedAt:   start,
		CompletedAt: start.Add(95 * time.Second),
		Jobs: []*models.JobRun{
			{Name: "format_check", State: models.JobStateSuccess, Cells: []models.CellRun{{State: models.CellStateSuccess}}},
			{Name: "lint_check", State: models.JobStateFailure, Cells: []models.CellRun{
				{Cell: models.MatrixCell{Assignment: map[string]string{"platform": "platform-A"}}, State: models.CellStateSuccess},
				{Cell: models.MatrixCell{Assignment: map[string]string{"platform": "platform-B"}}, State: models.CellStateFailure, Steps: []models.StepOutcome{
					{Name: "lint", Status: models.StepStatusFailed, ExitCode: 101},
				}},
			}},
			{Name: "build_and_test", State: models.JobStateSkipped, SkipReason: "dependency lint_check failed"},
		},
	}

	out := renderReport(run, newStyles(false))
	assert.Contains(t, out, "Failure")
	assert.Contains(t, out, "1m 35s")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "(1 failed)")
	assert.Contains(t, out, "(1 skipped)")
	assert.Contains(t, out, "platform=platform-B")
	assert.Contains(t, out, "step lint failed (exit 101)")
	assert.Contains(t, out, "skipped: dependency lint_check failed")
}

func TestRenderReport_NotRun(t *testing.T) {
	run := &models.PipelineRun{ID: "run-2", Pipeline: "gate", Verdict: models.VerdictNotRun, Reason: "branch dev is not watched"}
	out := renderReport(run, newStyles(false))
	assert.Contains(t, out, "Not run")
	assert.Contains(t, out, "branch dev is not watched")
	assert.NotContains(t, out, "Jobs:")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "4s", formatDuration(4*time.Second))
	assert.Equal(t, "2m 0s", formatDuration(2*time.Minute))
	assert.Equal(t, "1h 1m 1s", formatDuration(time.Hour+time.Minute+time.Second))
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	pipeline := writeFile(t, dir, "pipeline.yaml", gatePipeline)

	var out bytes.Buffer
	err := execute([]string{"validate", "--config", cfg, "--pipeline", pipeline, "--no-color"}, &out, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "gate")
	assert.Contains(t, out.String(), "(3 jobs, 4 cells)")
	assert.Contains(t, out.String(), "Stage 1: format_check")
	assert.Contains(t, out.String(), "Stage 3: build_and_test")
}

func TestValidateCommand_Malformed(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	pipeline := writeFile(t, dir, "pipeline.yaml", `name: broken
jobs:
  - name: a
    needs: [b]
    steps: [{name: s, uses: run, run: "true"}]
  - name: b
    needs: [a]
    steps: [{name: s, uses: run, run: "true"}]
`)

	var out bytes.Buffer
	err := execute([]string{"validate", "--config", cfg, "--pipeline", pipeline}, &out, &out)
	assert.Equal(t, 2, exitCode(t, err))
	assert.Contains(t, out.String(), "invalid pipeline configuration")
}

func TestPlanCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	pipeline := writeFile(t, dir, "pipeline.yaml", gatePipeline)

	var out bytes.Buffer
	require.NoError(t, execute([]string{"plan", "-c", cfg, "-p", pipeline, "--no-color"}, &out, &out))
	assert.Contains(t, out.String(), "Cells: 4")
	assert.Contains(t, out.String(), "platform=platform-A")
	assert.Contains(t, out.String(), "platform=platform-B")
	assert.Contains(t, out.String(), "needs lint_check")
}

func TestDockerfileCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	var out bytes.Buffer
	require.NoError(t, execute([]string{"dockerfile", "--config", cfg}, &out, &out))
	assert.Contains(t, out.String(), "FROM ")
}

func TestRunCommand_NotEligible(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	pipeline := writeFile(t, dir, "pipeline.yaml", gatePipeline)

	var stdout, stderr bytes.Buffer
	err := execute([]string{"run", "-c", cfg, "-p", pipeline, "--ref", "dev", "--json"}, &stdout, &stderr)
	require.NoError(t, err)

	var run models.PipelineRun
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &run))
	assert.Equal(t, models.VerdictNotRun, run.Verdict)
	assert.Empty(t, run.Jobs)
}

func TestRunCommand_LocalFailureExitsOne(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	pipeline := writeFile(t, dir, "pipeline.yaml", gatePipeline)

	var stdout, stderr bytes.Buffer
	err := execute([]string{"run", "-c", cfg, "-p", pipeline, "--ref", "main", "--local", "--json"}, &stdout, &stderr)
	assert.Equal(t, 1, exitCode(t, err))

	var run models.PipelineRun
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &run))
	assert.Equal(t, models.VerdictFailure, run.Verdict)
	assert.Equal(t, models.JobStateSuccess, run.Job("format_check").State)
	assert.Equal(t, models.JobStateFailure, run.Job("lint_check").State)
	assert.Equal(t, models.JobStateSkipped, run.Job("build_and_test").State)
}

func TestRunCommand_UnknownKindIsConfigError(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	var stdout, stderr bytes.Buffer
	err := execute([]string{"run", "-c", cfg, "--kind", "tag", "--ref", "v1", "--no-color"}, &stdout, &stderr)
	assert.Equal(t, 2, exitCode(t, err))
	assert.Contains(t, stdout.String(), "Configuration error")
}

func TestExecute_UnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := execute([]string{"deploy"}, &out, &out)
	assert.Equal(t, 2, exitCode(t, err))
	assert.Contains(t, out.String(), "Unknown command: deploy")
}

func TestExecute_Help(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, execute([]string{"run", "--help"}, &out, &out))
	assert.Contains(t, out.String(), "--max-parallel")
}
