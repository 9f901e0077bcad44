// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the lifecycle events the orchestrator publishes
// while a run progresses. They are streamed to API clients and written to
// the log; nothing in the engine waits on a consumer.
package protocol

import (
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

// LifecycleType names a lifecycle transition.
type LifecycleType string

const (
	RunStarted  LifecycleType = "run_started"
	RunFinished LifecycleType = "run_finished"

	JobStarted  LifecycleType = "job_started"
	JobSkipped  LifecycleType = "job_skipped"
	JobFinished LifecycleType = "job_finished"

	CellStarted  LifecycleType = "cell_started"
	CellFinished LifecycleType = "cell_finished"
)

// GetIdempotencyKey extracts the idempotency key from any event
func GetIdempotencyKey(event Event) string {
	return event.GetMetadata().IdempotencyKey
}

// RunLifecycleEvent reports a run starting or reaching its verdict.
type RunLifecycleEvent struct {
	Metadata
	Type    LifecycleType     `json:"type"`
	Event   models.Event      `json:"event"`
	Verdict models.RunVerdict `json:"verdict"`
	Reason  string            `json:"reason,omitempty"`
	// Run is set on RunFinished.
	Run *models.PipelineRun `json:"run,omitempty"`
}

func (e RunLifecycleEvent) GetMetadata() Metadata { return e.Metadata }

// JobLifecycleEvent reports a job starting, being skipped or finishing.
type JobLifecycleEvent struct {
	Metadata
	Type  LifecycleType   `json:"type"`
	Job   string          `json:"job"`
	State models.JobState `json:"state"`
	Cells int             `json:"cells,omitempty"`
	// Reason names the upstream job for JobSkipped.
	Reason string `json:"reason,omitempty"`
}

func (e JobLifecycleEvent) GetMetadata() Metadata { return e.Metadata }

// CellLifecycleEvent reports one matrix cell starting or finishing.
type CellLifecycleEvent struct {
	Metadata
	Type  LifecycleType    `json:"type"`
	Job   string           `json:"job"`
	Cell  string           `json:"cell"`
	State models.CellState `json:"state"`
	// Result is set on CellFinished.
	Result *models.CellRun `json:"result,omitempty"`
}

func (e CellLifecycleEvent) GetMetadata() Metadata { return e.Metadata }

// ErrorEvent reports a failure outside any single cell, e.g. an archive
// write that did not go through.
type ErrorEvent struct {
	Metadata
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

func (e ErrorEvent) GetMetadata() Metadata { return e.Metadata }

// TypeOf returns the lifecycle type of an event, or "error" for an ErrorEvent.
func TypeOf(e Event) string {
	switch ev := e.(type) {
	case RunLifecycleEvent:
		return string(ev.Type)
	case JobLifecycleEvent:
		return string(ev.Type)
	case CellLifecycleEvent:
		return string(ev.Type)
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}
