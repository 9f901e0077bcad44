// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"fmt"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/environment"
	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/orchestrator/cache"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/executor"
	"github.com/noldarim/buildgate/pkg/containers/events"
	cmodels "github.com/noldarim/buildgate/pkg/containers/models"
	"github.com/noldarim/buildgate/pkg/containers/service"
)

// Stack is the cell execution stack described by an AppConfig: cache,
// provisioner and executor behind one CellRunner.
type Stack struct {
	Cells      *executor.CellRunner
	Cache      *cache.Facade
	containers *service.Service
}

// BuildStack wires the stack for cfg.Pipeline.Environment.
func BuildStack(cfg *config.AppConfig) (*Stack, error) {
	facade, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	s := &Stack{Cache: facade}

	var prov environment.Provisioner
	switch cfg.Pipeline.Environment {
	case "local":
		prov = environment.NewLocalProvisioner("", nil)
	case "docker", "":
		publisher := events.LogPublisher{Logger: logger.GetContainerLogger()}
		svc, err := service.NewServiceWithDockerHost(publisher, cfg.Container.DockerHost)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to container runtime: %w", err)
		}
		svc.SetStopTimeout(cfg.Container.StopTimeout)
		s.containers = svc
		prov = environment.NewDockerProvisioner(svc, cfg.Container)
	default:
		return nil, fmt.Errorf("unknown environment %q", cfg.Pipeline.Environment)
	}

	x := executor.New(executor.Options{
		Cache:          facade,
		StepTimeout:    cfg.Pipeline.StepTimeout,
		NativePackages: cfg.Pipeline.NativePackages,
		CacheManifest:  cfg.Pipeline.CacheManifest,
		CachePaths:     cfg.Pipeline.CachePaths,
	})
	s.Cells = executor.NewCellRunner(prov, x)
	return s, nil
}

// Reap removes containers a previous process left behind.
func (s *Stack) Reap(ctx context.Context) (int, error) {
	if s.containers == nil {
		return 0, nil
	}
	return s.containers.Reap(ctx, map[string]string{cmodels.LabelManagedBy: cmodels.ManagedByValue})
}

// Close releases the container runtime connection.
func (s *Stack) Close() error {
	if s.containers == nil {
		return nil
	}
	if n := s.containers.Tracked(); n > 0 {
		getLog().Warn().Int("count", n).Msg("Closing container runtime with containers still tracked")
	}
	return s.containers.Close()
}

// PolicyFromConfig builds the trigger policy of a pipeline configuration.
func PolicyFromConfig(cfg config.PipelineConfig) engine.TriggerPolicy {
	return engine.TriggerPolicy{WatchedBranches: cfg.WatchedBranches}
}
