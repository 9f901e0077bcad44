// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package utils provides shared helpers for Temporal workflows and activities.
package utils

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/types"
)

const (
	defaultCellTimeout   = 2 * time.Hour
	eventActivityTimeout = 10 * time.Second
)

// CellActivityOptionsFromConfig copies the configured cell timeouts into
// workflow input.
func CellActivityOptionsFromConfig(cfg config.TemporalConfig) types.CellActivityOptions {
	return types.CellActivityOptions{
		StartToCloseTimeout: cfg.Activity.StartToCloseTimeout,
		HeartbeatTimeout:    cfg.Activity.HeartbeatTimeout,
	}
}

// GetCellActivityOptions returns the options a cell activity runs with.
// A cell runs exactly once: a failed cell is a failed cell, never retried.
func GetCellActivityOptions(opts types.CellActivityOptions) workflow.ActivityOptions {
	timeout := opts.StartToCloseTimeout
	if timeout <= 0 {
		timeout = defaultCellTimeout
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    opts.HeartbeatTimeout,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
}

// GetEventActivityOptions returns the options for lifecycle event
// publishing. Events are best effort.
func GetEventActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: eventActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
}

// GetWorkflowExecutionTimeout returns the workflow execution timeout from config
func GetWorkflowExecutionTimeout(cfg config.TemporalConfig) time.Duration {
	return cfg.Workflow.WorkflowExecutionTimeout
}

// GetWorkflowTaskTimeout returns the workflow task timeout from config
func GetWorkflowTaskTimeout(cfg config.TemporalConfig) time.Duration {
	return cfg.Workflow.WorkflowTaskTimeout
}
