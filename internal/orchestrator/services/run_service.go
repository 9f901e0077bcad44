// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package services holds the run submission logic shared by the API server
// and the CLI.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/orchestrator/database"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger().With().Str("component", "run_service").Logger()
		log = &l
	})
	return log
}

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("run service is shutting down")

// Runner executes one pipeline run to its verdict. The in-process
// orchestrator and the Temporal runner both satisfy it.
type Runner interface {
	RunWithID(ctx context.Context, runID string, event models.Event, pipeline models.Pipeline) (*models.PipelineRun, error)
}

// Snapshotter is implemented by runners that can report the live state of
// a run still executing.
type Snapshotter interface {
	Snapshot(ctx context.Context, runID string) (*models.PipelineRun, error)
}

// RunStore archives terminated runs.
type RunStore interface {
	SaveRun(ctx context.Context, run *models.PipelineRun) error
	GetRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, filter database.RunFilter) ([]*models.PipelineRun, error)
	FindRunByDelivery(ctx context.Context, deliveryID string) (*models.PipelineRun, error)
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	RunID string
	// AlreadyExists is set when the event's delivery was seen before; RunID
	// then names the earlier run.
	AlreadyExists bool
}

type delivery struct {
	runID string
	seen  time.Time
}

// RunService accepts events, runs them asynchronously and archives every
// terminated run, including not-run and config-error ones.
type RunService struct {
	runner      Runner
	store       RunStore
	pipeline    models.Pipeline
	dedupWindow time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	active     map[string]*models.PipelineRun
	deliveries map[string]delivery
	closed     bool
}

// NewRunService creates a RunService that evaluates every event against pipeline.
func NewRunService(runner Runner, store RunStore, pipeline models.Pipeline, dedupWindow time.Duration) *RunService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RunService{
		runner:      runner,
		store:       store,
		pipeline:    pipeline,
		dedupWindow: dedupWindow,
		baseCtx:     ctx,
		cancel:      cancel,
		active:      make(map[string]*models.PipelineRun),
		deliveries:  make(map[string]delivery),
	}
}

// Pipeline returns the pipeline events are evaluated against.
func (s *RunService) Pipeline() models.Pipeline { return s.pipeline }

// Submit starts a run for event and returns without waiting for it. A
// repeated webhook delivery returns the earlier run instead of starting a
// new one.
func (s *RunService) Submit(ctx context.Context, event models.Event) (*SubmitResult, error) {
	switch event.Kind {
	case models.EventKindPush, models.EventKindChangeRequest:
	default:
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownEventKind, event.Kind)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if event.DeliveryID != "" {
		s.pruneDeliveries(event.ReceivedAt)
		if d, ok := s.deliveries[event.DeliveryID]; ok {
			s.mu.Unlock()
			return &SubmitResult{RunID: d.runID, AlreadyExists: true}, nil
		}
	}
	s.mu.Unlock()

	if event.DeliveryID != "" {
		existing, err := s.store.FindRunByDelivery(ctx, event.DeliveryID)
		if err != nil {
			return nil, fmt.Errorf("failed to check delivery %s: %w", event.DeliveryID, err)
		}
		if existing != nil {
			return &SubmitResult{RunID: existing.ID, AlreadyExists: true}, nil
		}
	}

	runID := uuid.NewString()
	placeholder := &models.PipelineRun{
		ID:        runID,
		Event:     event,
		Pipeline:  s.pipeline.Name,
		Verdict:   models.VerdictRunning,
		StartedAt: time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if event.DeliveryID != "" {
		if d, ok := s.deliveries[event.DeliveryID]; ok {
			s.mu.Unlock()
			return &SubmitResult{RunID: d.runID, AlreadyExists: true}, nil
		}
		s.deliveries[event.DeliveryID] = delivery{runID: runID, seen: event.ReceivedAt}
	}
	s.active[runID] = placeholder
	s.wg.Add(1)
	s.mu.Unlock()

	getLog().Info().
		Str("run_id", runID).
		Str("kind", string(event.Kind)).
		Str("ref", event.Ref).
		Str("delivery_id", event.DeliveryID).
		Msg("Run submitted")

	go s.execute(runID, event)
	return &SubmitResult{RunID: runID}, nil
}

func (s *RunService) execute(runID string, event models.Event) {
	defer s.wg.Done()

	run, err := s.runner.RunWithID(s.baseCtx, runID, event, s.pipeline)
	if run == nil {
		run = &models.PipelineRun{
			ID:          runID,
			Event:       event,
			Pipeline:    s.pipeline.Name,
			Verdict:     models.VerdictFailure,
			StartedAt:   time.Now(),
			CompletedAt: time.Now(),
		}
		if engine.IsConfigurationError(err) {
			run.Verdict = models.VerdictConfigError
		}
	}
	if err != nil && run.Error == "" {
		run.Error = err.Error()
	}

	if saveErr := s.store.SaveRun(context.WithoutCancel(s.baseCtx), run); saveErr != nil {
		getLog().Error().Err(saveErr).Str("run_id", runID).Msg("Failed to archive run")
	}

	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()

	ev := getLog().Info()
	if err != nil {
		ev = getLog().Warn().Err(err)
	}
	ev.Str("run_id", runID).Str("verdict", run.Verdict.String()).Msg("Run archived")
}

// GetRun returns a run in progress or from the archive.
func (s *RunService) GetRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	s.mu.Lock()
	if r, ok := s.active[runID]; ok {
		cp := *r
		s.mu.Unlock()
		if snap, ok := s.runner.(Snapshotter); ok {
			if live, err := snap.Snapshot(ctx, runID); err == nil {
				return live, nil
			}
		}
		return &cp, nil
	}
	s.mu.Unlock()
	return s.store.GetRun(ctx, runID)
}

// ListRuns lists archived runs, newest first.
func (s *RunService) ListRuns(ctx context.Context, filter database.RunFilter) ([]*models.PipelineRun, error) {
	return s.store.ListRuns(ctx, filter)
}

// Active returns the number of runs in progress.
func (s *RunService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait blocks until every submitted run has been archived.
func (s *RunService) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting runs and waits for in-flight ones. If ctx
// expires first, running cells are cancelled and Shutdown waits for them to
// be archived as failures.
func (s *RunService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// pruneDeliveries forgets deliveries older than the dedup window. Must hold mu.
func (s *RunService) pruneDeliveries(now time.Time) {
	if s.dedupWindow <= 0 {
		return
	}
	for id, d := range s.deliveries {
		if now.Sub(d.seen) > s.dedupWindow {
			delete(s.deliveries, id)
		}
	}
}
