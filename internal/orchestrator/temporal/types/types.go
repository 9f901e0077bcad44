// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package types

import (
	"time"

	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/protocol"
)

// PipelineWorkflowInput represents the input for PipelineWorkflow
type PipelineWorkflowInput struct {
	RunID    string
	Event    models.Event
	Pipeline models.Pipeline
	Policy   engine.TriggerPolicy
	Origin   string // Repository checked out when the event names none
	// MaxParallelCells bounds concurrently scheduled cell activities; 0 means unbounded.
	MaxParallelCells int
	// PublishEvents makes the workflow report job and cell transitions
	// through the event activities.
	PublishEvents bool
	Activity      CellActivityOptions
}

// CellActivityOptions carries the cell activity timeouts into the workflow.
type CellActivityOptions struct {
	StartToCloseTimeout time.Duration
	HeartbeatTimeout    time.Duration
}

// PipelineWorkflowOutput represents the output from PipelineWorkflow
type PipelineWorkflowOutput struct {
	Run *models.PipelineRun
	// Error is set when the run could not be driven to completion, e.g.
	// the scheduler stalled. Cell failures are not errors.
	Error string
}

// PublishJobEventInput represents input for PublishJobEventActivity
type PublishJobEventInput struct {
	Event protocol.JobLifecycleEvent
}

// PublishCellEventInput represents input for PublishCellEventActivity
type PublishCellEventInput struct {
	Event protocol.CellLifecycleEvent
}
