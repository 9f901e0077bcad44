// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package temporal runs pipelines as durable Temporal workflows. The
// workflow drives the same scheduler as the in-process orchestrator and
// executes each matrix cell as an activity.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/logger"
)

var (
	temporalLog     *zerolog.Logger
	temporalLogOnce sync.Once
)

func getTemporalLog() *zerolog.Logger {
	temporalLogOnce.Do(func() {
		l := logger.GetTemporalLogger().With().Str("component", "client").Logger()
		temporalLog = &l
	})
	return temporalLog
}

// Client wraps the Temporal client with the namespace and task queue
// pipeline workflows run on.
type Client struct {
	temporalClient client.Client
	namespace      string
	taskQueue      string
}

// NewClient dials the Temporal frontend described by cfg.
func NewClient(cfg config.TemporalConfig) (*Client, error) {
	options := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    logger.GetTemporalLogAdapter("temporal"),
	}

	temporalClient, err := client.Dial(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create Temporal client: %w", err)
	}

	getTemporalLog().Info().Msgf("Connected to Temporal at %s, namespace: %s", cfg.HostPort, cfg.Namespace)

	return NewClientWith(temporalClient, cfg.Namespace, cfg.TaskQueue), nil
}

// NewClientWith wraps an existing SDK client.
func NewClientWith(c client.Client, namespace, taskQueue string) *Client {
	return &Client{
		temporalClient: c,
		namespace:      namespace,
		taskQueue:      taskQueue,
	}
}

// GetTemporalClient returns the underlying Temporal client
func (c *Client) GetTemporalClient() client.Client {
	return c.temporalClient
}

// StartWorkflow starts a new workflow execution. Run IDs are unique, so a
// second start with the same workflow ID is rejected rather than reused.
func (c *Client) StartWorkflow(ctx context.Context, workflowID string, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	options := client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                c.taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
	}

	we, err := c.temporalClient.ExecuteWorkflow(ctx, options, workflow, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}

	getTemporalLog().Info().Str("workflow_id", workflowID).Str("temporal_run_id", we.GetRunID()).Msg("Started workflow")
	return we, nil
}

// QueryWorkflow queries a running workflow and decodes the answer into out.
func (c *Client) QueryWorkflow(ctx context.Context, workflowID, queryType string, out interface{}, args ...interface{}) error {
	resp, err := c.temporalClient.QueryWorkflow(ctx, workflowID, "", queryType, args...)
	if err != nil {
		return fmt.Errorf("failed to query workflow: %w", err)
	}

	if err := resp.Get(out); err != nil {
		return fmt.Errorf("failed to get query result: %w", err)
	}
	return nil
}

// Status reports the execution status of a workflow.
func (c *Client) Status(ctx context.Context, workflowID string) (enums.WorkflowExecutionStatus, error) {
	desc, err := c.temporalClient.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return enums.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED, fmt.Errorf("failed to describe workflow: %w", err)
	}
	return desc.GetWorkflowExecutionInfo().GetStatus(), nil
}

// abortReason describes a workflow that closed without returning a run.
// Running and completed executions yield "".
func abortReason(status enums.WorkflowExecutionStatus) string {
	switch status {
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED:
		return "pipeline workflow failed"
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return "pipeline workflow was cancelled"
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "pipeline workflow was terminated"
	case enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "pipeline workflow timed out"
	default:
		return ""
	}
}

// CancelWorkflow requests cancellation of a running workflow. In-flight
// cells are cancelled and recorded as failed.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	err := c.temporalClient.CancelWorkflow(ctx, workflowID, "")
	if err != nil {
		return fmt.Errorf("failed to cancel workflow: %w", err)
	}

	getTemporalLog().Info().Str("workflow_id", workflowID).Msg("Cancelled workflow")
	return nil
}

// Close closes the Temporal client connection
func (c *Client) Close() error {
	if c.temporalClient != nil {
		c.temporalClient.Close()
		getTemporalLog().Info().Msg("Temporal client closed")
	}
	return nil
}
