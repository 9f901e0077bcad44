// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noldarim/buildgate/pkg/containers/docker"
	"github.com/noldarim/buildgate/pkg/containers/events"
	"github.com/noldarim/buildgate/pkg/containers/models"
	"github.com/noldarim/buildgate/pkg/containers/validation"
)

// Service manages cell container lifecycles and publishes events.
type Service struct {
	client      docker.ClientInterface
	publisher   events.Publisher
	stopTimeout time.Duration
	containers  map[string]*models.Container
	mutex       sync.RWMutex
}

// NewServiceWithDockerHost creates a service backed by a real Docker daemon.
func NewServiceWithDockerHost(publisher events.Publisher, dockerHost string) (*Service, error) {
	client, err := docker.NewClientWithHost(dockerHost)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewServiceWithClient(client, publisher), nil
}

// NewServiceWithClient creates a service with the provided client
func NewServiceWithClient(client docker.ClientInterface, publisher events.Publisher) *Service {
	return &Service{
		client:      client,
		publisher:   publisher,
		stopTimeout: 10 * time.Second,
		containers:  make(map[string]*models.Container),
	}
}

// SetStopTimeout sets the grace period given to containers on Destroy.
func (s *Service) SetStopTimeout(d time.Duration) {
	s.stopTimeout = d
}

// Launch pulls the image if needed, then creates and starts a container. A
// container that fails to start is removed again.
func (s *Service) Launch(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	if err := validation.ValidateContainerLabels(config.Labels); err != nil {
		return nil, err
	}
	if err := validation.ValidateEnvironment(config.Environment); err != nil {
		return nil, err
	}

	if err := s.client.EnsureImage(ctx, config.Image); err != nil {
		s.publishFailed(config.Name, "", "pull", err)
		return nil, err
	}

	c, err := s.client.CreateContainer(ctx, config)
	if err != nil {
		s.publishFailed(config.Name, "", "create", err)
		return nil, err
	}
	s.track(c)
	s.publish(events.Event{Type: events.ContainerCreated, ContainerID: c.ID, Name: c.Name, Image: c.Image, Labels: c.Labels})

	if err := s.client.StartContainer(ctx, c.ID); err != nil {
		s.publishFailed(c.Name, c.ID, "start", err)
		if rmErr := s.client.RemoveContainer(context.WithoutCancel(ctx), c.ID, true); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("cleanup: %w", rmErr))
		}
		s.untrack(c.ID)
		return nil, err
	}

	s.mutex.Lock()
	c.Status = models.StatusRunning
	c.UpdatedAt = time.Now()
	s.mutex.Unlock()
	s.publish(events.Event{Type: events.ContainerStarted, ContainerID: c.ID, Name: c.Name, Labels: c.Labels})

	return c, nil
}

// Exec runs a command in a tracked container.
func (s *Service) Exec(ctx context.Context, containerID string, req models.ExecRequest) (*models.ExecResult, error) {
	c := s.getContainer(containerID)
	if c == nil {
		return nil, fmt.Errorf("container not found: %s", containerID)
	}
	res, err := s.client.ExecContainer(ctx, containerID, req)
	if err != nil {
		s.publishFailed(c.Name, containerID, "exec", err)
		return nil, err
	}
	return res, nil
}

// CopyIn extracts a tar archive into dstDir inside the container.
func (s *Service) CopyIn(ctx context.Context, containerID, dstDir string, archive []byte) error {
	c := s.getContainer(containerID)
	if c == nil {
		return fmt.Errorf("container not found: %s", containerID)
	}
	if err := s.client.CopyArchiveTo(ctx, containerID, dstDir, bytes.NewReader(archive)); err != nil {
		s.publishFailed(c.Name, containerID, "copy-in", err)
		return err
	}
	return nil
}

// CopyOut returns a tar archive of srcPath inside the container.
func (s *Service) CopyOut(ctx context.Context, containerID, srcPath string) ([]byte, error) {
	c := s.getContainer(containerID)
	if c == nil {
		return nil, fmt.Errorf("container not found: %s", containerID)
	}
	data, err := s.client.CopyArchiveFrom(ctx, containerID, srcPath)
	if err != nil {
		s.publishFailed(c.Name, containerID, "copy-out", err)
		return nil, err
	}
	return data, nil
}

// Destroy stops and removes a container. The stop is best effort; removal is forced.
func (s *Service) Destroy(ctx context.Context, containerID string) error {
	c := s.getContainer(containerID)
	name := containerID
	if c != nil {
		name = c.Name
	}

	timeout := s.stopTimeout
	_ = s.client.StopContainer(ctx, containerID, &timeout)

	if err := s.client.RemoveContainer(ctx, containerID, true); err != nil {
		s.publishFailed(name, containerID, "remove", err)
		return err
	}
	s.untrack(containerID)
	s.publish(events.Event{Type: events.ContainerDeleted, ContainerID: containerID, Name: name})
	return nil
}

// Reap removes every container carrying the given labels, e.g. the
// leftovers of a run whose process died.
func (s *Service) Reap(ctx context.Context, labels map[string]string) (int, error) {
	found, err := s.client.ListContainersByLabels(ctx, labels)
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, c := range found {
		s.track(c)
		if err := s.Destroy(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Tracked returns the number of containers this service currently owns.
func (s *Service) Tracked() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.containers)
}

// Close closes the service and releases resources
func (s *Service) Close() error {
	return s.client.Close()
}

func (s *Service) track(c *models.Container) {
	s.mutex.Lock()
	s.containers[c.ID] = c
	s.mutex.Unlock()
}

func (s *Service) untrack(id string) {
	s.mutex.Lock()
	delete(s.containers, id)
	s.mutex.Unlock()
}

func (s *Service) getContainer(containerID string) *models.Container {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.containers[containerID]
}

func (s *Service) publish(e events.Event) {
	if s.publisher == nil {
		return
	}
	e.Timestamp = time.Now()
	s.publisher.Publish(e)
}

func (s *Service) publishFailed(name, containerID, operation string, err error) {
	s.publish(events.Event{
		Type:        events.ContainerFailed,
		ContainerID: containerID,
		Name:        name,
		Operation:   operation,
		Error:       err.Error(),
	})
}
