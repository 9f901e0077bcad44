// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package workers

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/activities"
	"github.com/noldarim/buildgate/internal/orchestrator/temporal/workflows"
	"github.com/noldarim/buildgate/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetTemporalLogger().With().Str("component", "worker").Logger()
		log = &l
	})
	return log
}

// ErrWorkerStopped is returned by Start on a worker that was stopped.
var ErrWorkerStopped = errors.New("worker was stopped, create a new one")

// Worker polls the cell task queue and runs pipeline workflows together
// with the cell and event activities they schedule.
type Worker struct {
	client    client.Client
	taskQueue string
	cfg       config.WorkerConfig

	cells  *activities.CellActivities
	events *activities.EventActivities

	mu      sync.Mutex
	running worker.Worker
	stopped bool
}

// NewWorker prepares a worker; nothing is polled until Start. eventChan
// may be nil, in which case published job and cell events are discarded.
func NewWorker(c client.Client, cfg config.TemporalConfig, cells activities.CellRunner, eventChan chan<- protocol.Event) *Worker {
	return &Worker{
		client:    c,
		taskQueue: cfg.TaskQueue,
		cfg:       cfg.Worker,
		cells:     activities.NewCellActivities(cells),
		events:    activities.NewEventActivities(eventChan),
	}
}

// activityRegistration pairs an activity with the name workflows schedule
// it under.
type activityRegistration struct {
	name string
	fn   any
}

func (w *Worker) activities() []activityRegistration {
	return []activityRegistration{
		{workflows.RunCellActivityName, w.cells.RunCellActivity},
		{workflows.PublishJobEventActivityName, w.events.PublishJobEventActivity},
		{workflows.PublishCellEventActivityName, w.events.PublishCellEventActivity},
	}
}

// Start begins polling. Starting a running worker is a no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.stopped:
		return ErrWorkerStopped
	case w.running != nil:
		return nil
	}

	wk := worker.New(w.client, w.taskQueue, worker.Options{
		Identity:                               identity(),
		MaxConcurrentActivityExecutionSize:     w.cfg.MaxConcurrentActivityExecutions,
		MaxConcurrentWorkflowTaskExecutionSize: w.cfg.MaxConcurrentWorkflows,
		WorkerStopTimeout:                      w.cfg.StopTimeout,
	})
	wk.RegisterWorkflowWithOptions(workflows.PipelineWorkflow, workflow.RegisterOptions{Name: workflows.PipelineWorkflowName})
	for _, a := range w.activities() {
		wk.RegisterActivityWithOptions(a.fn, activity.RegisterOptions{Name: a.name})
	}

	if err := wk.Start(); err != nil {
		return fmt.Errorf("failed to start worker on %s: %w", w.taskQueue, err)
	}
	w.running = wk

	getLog().Info().
		Str("task_queue", w.taskQueue).
		Strs("activities", w.ActivityNames()).
		Int("max_concurrent_activities", w.cfg.MaxConcurrentActivityExecutions).
		Msg("Temporal worker started")
	return nil
}

// Stop waits up to the configured stop timeout for running cells, then
// stops polling. A stopped worker cannot be restarted.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	if w.running == nil {
		return nil
	}
	getLog().Info().Dur("stop_timeout", w.cfg.StopTimeout).Msg("Stopping Temporal worker")
	w.running.Stop()
	w.running = nil
	getLog().Info().Msg("Temporal worker stopped")
	return nil
}

// ActivityNames lists the activity names the worker serves.
func (w *Worker) ActivityNames() []string {
	regs := w.activities()
	names := make([]string, len(regs))
	for i, a := range regs {
		names[i] = a.name
	}
	return names
}

func identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("buildgate@%s:%d", host, os.Getpid())
}
