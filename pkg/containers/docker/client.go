// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/noldarim/buildgate/pkg/containers/models"
)

// ClientInterface is the subset of the Docker API cell environments need.
type ClientInterface interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (*models.Container, error)
	ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error)
	ExecContainer(ctx context.Context, containerID string, req models.ExecRequest) (*models.ExecResult, error)
	CopyArchiveTo(ctx context.Context, containerID string, dstDir string, archive io.Reader) error
	CopyArchiveFrom(ctx context.Context, containerID string, srcPath string) ([]byte, error)
	Close() error
}

// Client implements ClientInterface using real Docker
type Client struct {
	docker *client.Client
}

var _ ClientInterface = (*Client)(nil)

// NewClientWithHost creates a Docker client for dockerHost, or from the
// environment when dockerHost is empty.
func NewClientWithHost(dockerHost string) (*Client, error) {
	var opts []client.Opt
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}
	opts = append(opts, client.WithAPIVersionNegotiation())

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{docker: dockerClient}, nil
}

// EnsureImage pulls ref unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if _, err := c.docker.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	rc, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// CreateContainer creates a new container from the given configuration
func (c *Client) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	exposed, bindings, err := nat.ParsePortSpecs(config.Ports)
	if err != nil {
		return nil, fmt.Errorf("invalid port spec: %w", err)
	}

	binds := make([]string, 0, len(config.Volumes))
	for _, v := range config.Volumes {
		bind := v.HostPath + ":" + v.ContainerPath
		if v.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	containerConfig := &container.Config{
		Image:        config.Image,
		User:         config.User,
		Env:          envMapToSlice(config.Environment),
		ExposedPorts: exposed,
		WorkingDir:   config.WorkingDir,
		Cmd:          config.Command,
		Labels:       config.Labels,
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        binds,
		NetworkMode:  container.NetworkMode(config.NetworkMode),
		Resources: container.Resources{
			Memory:    config.MemoryMB * 1024 * 1024,
			CPUShares: config.CPUShares,
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	now := time.Now()
	return &models.Container{
		ID:        resp.ID,
		Name:      config.Name,
		Image:     config.Image,
		Status:    models.StatusCreated,
		Labels:    config.Labels,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// StartContainer starts an existing container
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	return c.docker.ContainerStart(ctx, containerID, container.StartOptions{})
}

// StopContainer stops a running container
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	var timeoutSeconds *int
	if timeout != nil {
		seconds := int(timeout.Seconds())
		timeoutSeconds = &seconds
	}
	return c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: timeoutSeconds})
}

// RemoveContainer removes a container. Removing a container that is already
// gone is not an error.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// InspectContainer gets detailed information about a container
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*models.Container, error) {
	resp, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	status := models.StatusCreated
	switch {
	case resp.State == nil:
	case resp.State.Running:
		status = models.StatusRunning
	case resp.State.Dead || resp.State.OOMKilled || resp.State.ExitCode != 0:
		status = models.StatusFailed
	case resp.State.Status == "exited":
		status = models.StatusStopped
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, resp.Created)
	var labels map[string]string
	imageRef := ""
	if resp.Config != nil {
		labels = resp.Config.Labels
		imageRef = resp.Config.Image
	}

	return &models.Container{
		ID:        resp.ID,
		Name:      strings.TrimPrefix(resp.Name, "/"),
		Image:     imageRef,
		Status:    status,
		Labels:    labels,
		CreatedAt: createdAt,
		UpdatedAt: time.Now(),
	}, nil
}

// ListContainersByLabels lists containers, running or not, carrying every given label.
func (c *Client) ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	summaries, err := c.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers by labels: %w", err)
	}

	result := make([]*models.Container, 0, len(summaries))
	for _, s := range summaries {
		name := s.ID
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		result = append(result, &models.Container{
			ID:        s.ID,
			Name:      name,
			Image:     s.Image,
			Status:    models.ContainerStatus(s.State),
			Labels:    s.Labels,
			CreatedAt: time.Unix(s.Created, 0),
		})
	}
	return result, nil
}

// ExecContainer runs a command in a running container and waits for it.
// Cancelling ctx closes the attached stream, which unblocks the read.
func (c *Client) ExecContainer(ctx context.Context, containerID string, req models.ExecRequest) (*models.ExecResult, error) {
	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          req.Cmd,
		WorkingDir:   req.WorkDir,
		Env:          envMapToSlice(req.Env),
		User:         req.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec instance: %w", err)
	}

	hijacked, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec instance: %w", err)
	}
	defer hijacked.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, hijacked.Reader)
		copyDone <- err
	}()

	select {
	case err := <-copyDone:
		if err != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		hijacked.Close()
		return nil, ctx.Err()
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec instance: %w", err)
	}

	return &models.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// CopyArchiveTo extracts a tar stream into dstDir inside the container.
func (c *Client) CopyArchiveTo(ctx context.Context, containerID string, dstDir string, archive io.Reader) error {
	if err := c.docker.CopyToContainer(ctx, containerID, dstDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy to container: %w", err)
	}
	return nil
}

// CopyArchiveFrom returns srcPath from the container as a tar stream.
func (c *Client) CopyArchiveFrom(ctx context.Context, containerID string, srcPath string) ([]byte, error) {
	reader, _, err := c.docker.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to copy from container: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// Close closes the Docker client connection
func (c *Client) Close() error {
	return c.docker.Close()
}

// envMapToSlice renders env vars in key order so container configs are reproducible.
func envMapToSlice(envMap map[string]string) []string {
	env := make([]string, 0, len(envMap))
	for key, value := range envMap {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env
}
