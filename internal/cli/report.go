// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

type styles struct {
	dim, label, value, success, fail, accent lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	return styles{
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("239")),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("35")),
		fail:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		accent:  lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
	}
}

// renderReport renders the verdict of a finished run.
func renderReport(run *models.PipelineRun, st styles) string {
	var lines []string

	lines = append(lines, renderVerdict(run.Verdict, st)+"  "+st.value.Render(run.Pipeline)+"  "+st.accent.Render(run.Event.Ref))
	lines = append(lines, fmt.Sprintf("%s %s", st.label.Render("Run:"), st.dim.Render(run.ID)))
	if d := run.CompletedAt.Sub(run.StartedAt); d > 0 {
		lines = append(lines, fmt.Sprintf("%s %s", st.label.Render("Duration:"), st.value.Render(formatDuration(d))))
	}

	if len(run.Jobs) > 0 {
		var ok, failed, skipped int
		for _, j := range run.Jobs {
			switch j.State {
			case models.JobStateSuccess:
				ok++
			case models.JobStateFailure:
				failed++
			case models.JobStateSkipped:
				skipped++
			}
		}
		jobsInfo := fmt.Sprintf("%d/%d", ok, len(run.Jobs))
		if failed > 0 {
			jobsInfo += st.fail.Render(fmt.Sprintf(" (%d failed)", failed))
		}
		if skipped > 0 {
			jobsInfo += st.dim.Render(fmt.Sprintf(" (%d skipped)", skipped))
		}
		lines = append(lines, fmt.Sprintf("%s %s", st.label.Render("Jobs:"), st.value.Render(jobsInfo)))
		lines = append(lines, "")

		for _, j := range run.Jobs {
			lines = append(lines, renderJob(j, st)...)
		}
	}

	if run.Reason != "" {
		lines = append(lines, fmt.Sprintf("%s %s", st.label.Render("Reason:"), st.value.Render(run.Reason)))
	}
	if run.Error != "" {
		lines = append(lines, st.fail.Render("Error: "+run.Error))
	}

	return strings.Join(lines, "\n")
}

func renderJob(j *models.JobRun, st styles) []string {
	head := fmt.Sprintf("  %s %s", jobMark(j.State, st), st.value.Render(j.Name))
	if d := j.CompletedAt.Sub(j.StartedAt); d > 0 && j.State != models.JobStateSkipped {
		head += "  " + st.dim.Render(formatDuration(d))
	}
	if j.State == models.JobStateSkipped && j.SkipReason != "" {
		head += "  " + st.dim.Render("skipped: "+j.SkipReason)
	}
	lines := []string{head}

	for _, c := range j.Cells {
		if len(j.Cells) == 1 && c.State == models.CellStateSuccess {
			break
		}
		line := fmt.Sprintf("      %s %s", cellMark(c.State, st), st.label.Render(c.Cell.Key()))
		if f := c.FailedStep(); f != nil {
			line += "  " + st.fail.Render(fmt.Sprintf("step %s failed (exit %d)", f.Name, f.ExitCode))
		} else if c.Error != "" && c.State == models.CellStateFailure {
			line += "  " + st.fail.Render(c.Error)
		}
		lines = append(lines, line)
		for _, s := range c.Steps {
			if s.Warning != "" {
				lines = append(lines, "        "+st.dim.Render(fmt.Sprintf("warning in %s: %s", s.Name, s.Warning)))
			}
		}
	}
	return lines
}

func renderVerdict(v models.RunVerdict, st styles) string {
	switch v {
	case models.VerdictSuccess:
		return st.success.Render("✓") + " " + st.success.Bold(true).Render("Success")
	case models.VerdictFailure:
		return st.fail.Render("✗") + " " + st.fail.Bold(true).Render("Failure")
	case models.VerdictConfigError:
		return st.fail.Render("✗") + " " + st.fail.Bold(true).Render("Configuration error")
	case models.VerdictNotRun:
		return st.label.Render("○") + " " + st.label.Bold(true).Render("Not run")
	default:
		return st.accent.Render("◦") + " " + st.accent.Bold(true).Render("Running")
	}
}

func jobMark(s models.JobState, st styles) string {
	switch s {
	case models.JobStateSuccess:
		return st.success.Render("✓")
	case models.JobStateFailure:
		return st.fail.Render("✗")
	case models.JobStateSkipped:
		return st.dim.Render("○")
	default:
		return st.accent.Render("◦")
	}
}

func cellMark(s models.CellState, st styles) string {
	switch s {
	case models.CellStateSuccess:
		return st.success.Render("✓")
	case models.CellStateFailure:
		return st.fail.Render("✗")
	default:
		return st.accent.Render("◦")
	}
}

// renderPlan lists each stage with the cells its jobs expand to.
func renderPlan(g *engine.Graph, st styles) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("%s %s", st.label.Render("Pipeline:"), st.value.Render(g.Pipeline())))
	lines = append(lines, fmt.Sprintf("%s %s", st.label.Render("Cells:"), st.value.Render(fmt.Sprintf("%d", g.CellCount()))))
	for i, stage := range g.Stages() {
		lines = append(lines, "", st.accent.Render(fmt.Sprintf("Stage %d", i+1)))
		for _, job := range stage {
			head := "  " + st.value.Render(job)
			if deps := g.Dependencies(job); len(deps) > 0 {
				head += "  " + st.dim.Render("needs "+strings.Join(deps, ", "))
			}
			lines = append(lines, head)
			for _, c := range g.Cells(job) {
				lines = append(lines, "      "+st.label.Render(c.Key()))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// renderStages prints one line per stage.
func renderStages(g *engine.Graph, st styles) string {
	var lines []string
	for i, stage := range g.Stages() {
		lines = append(lines, fmt.Sprintf("%s %s", st.label.Render(fmt.Sprintf("Stage %d:", i+1)), st.value.Render(strings.Join(stage, ", "))))
	}
	return strings.Join(lines, "\n")
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
