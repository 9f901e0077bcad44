// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import "time"

// Labels stamped on every container a run creates, so leftovers from a
// crashed process can be found and reaped.
const (
	LabelManagedBy = "io.buildgate.managed-by"
	LabelRun       = "io.buildgate.run"
	LabelJob       = "io.buildgate.job"
	LabelCell      = "io.buildgate.cell"

	ManagedByValue = "buildgate"
)

// ContainerStatus represents the current state of a container
type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusStopped ContainerStatus = "stopped"
	StatusFailed  ContainerStatus = "failed"
	StatusDeleted ContainerStatus = "deleted"
)

// Container is a cell environment container.
type Container struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Status    ContainerStatus   `json:"status"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// VolumeMapping defines a bind mount.
type VolumeMapping struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// ContainerConfig holds configuration for creating a container
type ContainerConfig struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	User        string            `json:"user,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	// Ports are docker-style publish specs ("8080:80/tcp").
	Ports       []string          `json:"ports,omitempty"`
	Volumes     []VolumeMapping   `json:"volumes,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	MemoryMB    int64             `json:"memory_mb,omitempty"`
	CPUShares   int64             `json:"cpu_shares,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty"`
}

// ExecRequest describes one command run inside a container.
type ExecRequest struct {
	Cmd     []string          `json:"cmd"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	User    string            `json:"user,omitempty"`
}

// ExecResult holds the result of executing a command in a container
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Combined returns stdout followed by stderr.
func (r *ExecResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}
