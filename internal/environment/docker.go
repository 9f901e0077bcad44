// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/pkg/containers/models"
	"github.com/noldarim/buildgate/pkg/containers/validation"
)

// ContainerRuntime is the slice of the container service the docker
// provisioner drives.
type ContainerRuntime interface {
	Launch(ctx context.Context, config models.ContainerConfig) (*models.Container, error)
	Exec(ctx context.Context, containerID string, req models.ExecRequest) (*models.ExecResult, error)
	CopyIn(ctx context.Context, containerID, dstDir string, archive []byte) error
	CopyOut(ctx context.Context, containerID, srcPath string) ([]byte, error)
	Destroy(ctx context.Context, containerID string) error
}

// DockerProvisioner runs every cell in a fresh container of the development image.
type DockerProvisioner struct {
	runtime   ContainerRuntime
	image     ImageSpec
	cfg       config.ContainerConfig
	workDir   string
	gitConfig string
}

// NewDockerProvisioner creates a provisioner on top of runtime.
func NewDockerProvisioner(runtime ContainerRuntime, cfg config.ContainerConfig) *DockerProvisioner {
	workDir := cfg.WorkspaceDir
	if workDir == "" {
		workDir = "/workspace"
	}
	p := &DockerProvisioner{
		runtime: runtime,
		image:   NewImageSpec(cfg.Image),
		cfg:     cfg,
		workDir: workDir,
	}
	if cfg.GitConfigPath != "" {
		if st, err := os.Stat(cfg.GitConfigPath); err == nil && !st.IsDir() {
			p.gitConfig = cfg.GitConfigPath
		}
	}
	return p
}

// ImageFor returns the image a cell on the given platform runs in.
func (p *DockerProvisioner) ImageFor(platform string) string {
	if ref, ok := p.cfg.PlatformImages[platform]; ok && ref != "" {
		return ref
	}
	return p.image.Ref()
}

// ContainerName derives a stable, docker-safe name for a cell's container.
func ContainerName(spec CellSpec) string {
	run := spec.RunID
	if len(run) > 8 {
		run = run[:8]
	}
	return validation.SanitizeContainerName(fmt.Sprintf("bg-%s-%s-%s", run, spec.Job, spec.Cell.Key()))
}

func (p *DockerProvisioner) containerConfig(spec CellSpec) models.ContainerConfig {
	cc := models.ContainerConfig{
		Name:        ContainerName(spec),
		Image:       p.ImageFor(spec.Platform()),
		User:        p.image.User,
		Environment: p.image.Environment,
		Ports:       p.cfg.Ports,
		WorkingDir:  p.workDir,
		Command:     []string{"sleep", "infinity"},
		Labels: map[string]string{
			models.LabelManagedBy: models.ManagedByValue,
			models.LabelRun:       spec.RunID,
			models.LabelJob:       spec.Job,
			models.LabelCell:      spec.Cell.Key(),
		},
		MemoryMB:    p.cfg.ResourceLimits.MemoryMB,
		CPUShares:   p.cfg.ResourceLimits.CPUShares,
		NetworkMode: p.cfg.NetworkMode,
	}
	for _, v := range p.cfg.Volumes {
		cc.Volumes = append(cc.Volumes, models.VolumeMapping{HostPath: v.Host, ContainerPath: v.Container, ReadOnly: v.ReadOnly})
	}
	if p.gitConfig != "" && p.image.GitConfigTarget != "" {
		cc.Volumes = append(cc.Volumes, models.VolumeMapping{
			HostPath:      p.gitConfig,
			ContainerPath: p.image.GitConfigTarget,
			ReadOnly:      true,
		})
	}
	return cc
}

// Provision launches the cell's container and hands the workspace to the image user.
func (p *DockerProvisioner) Provision(ctx context.Context, spec CellSpec) (Environment, error) {
	cc := p.containerConfig(spec)
	c, err := p.runtime.Launch(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("%w: launch %s: %v", ErrProvision, cc.Name, err)
	}

	env := &dockerEnv{
		runtime:     p.runtime,
		containerID: c.ID,
		name:        c.Name,
		workDir:     p.workDir,
		shell:       p.image.Shell,
	}

	if p.image.User != "" && p.image.User != "root" {
		chown := fmt.Sprintf("mkdir -p %s && chown %s %s", shellQuote(p.workDir), shellQuote(p.image.User), shellQuote(p.workDir))
		res, err := p.runtime.Exec(ctx, c.ID, models.ExecRequest{Cmd: []string{"/bin/sh", "-c", chown}, User: "root"})
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("exit %d: %s", res.ExitCode, res.Combined())
		}
		if err != nil {
			_ = env.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("%w: prepare workspace: %v", ErrProvision, err)
		}
	}

	getLog().Debug().
		Str("container", c.Name).
		Str("job", spec.Job).
		Str("cell", spec.Cell.Key()).
		Msg("Cell environment ready")
	return env, nil
}

type dockerEnv struct {
	runtime     ContainerRuntime
	containerID string
	name        string
	workDir     string
	shell       string
}

func (e *dockerEnv) WorkDir() string { return e.workDir }

func (e *dockerEnv) Exec(ctx context.Context, command string, env map[string]string) (*ExecResult, error) {
	res, err := e.runtime.Exec(ctx, e.containerID, models.ExecRequest{
		Cmd:     []string{e.shell, "-lc", command},
		WorkDir: e.workDir,
		Env:     env,
	})
	if err != nil {
		return nil, err
	}
	return &ExecResult{ExitCode: res.ExitCode, Output: res.Combined()}, nil
}

func (e *dockerEnv) run(ctx context.Context, command string) error {
	res, err := e.Exec(ctx, command, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%q exited with %d: %s", command, res.ExitCode, strings.TrimSpace(res.Output))
	}
	return nil
}

// Checkout copies a host repository into the container, or clones a
// remote one from inside it, then detaches at ref.
func (e *dockerEnv) Checkout(ctx context.Context, origin, ref string) error {
	if st, err := os.Stat(origin); err == nil && st.IsDir() {
		archive, err := tarPaths(origin, []string{"."})
		if err != nil {
			return err
		}
		if err := e.runtime.CopyIn(ctx, e.containerID, e.workDir, archive); err != nil {
			return fmt.Errorf("copy source: %w", err)
		}
		if ref == "" {
			return nil
		}
		return e.run(ctx, "git -c advice.detachedHead=false checkout --force --detach "+shellQuote(ref))
	}

	cmd := "git init -q . && git remote add origin " + shellQuote(origin) +
		" && git fetch -q --depth 1 origin " + shellQuote(ref) +
		" && git -c advice.detachedHead=false checkout -q --detach FETCH_HEAD"
	return e.run(ctx, cmd)
}

func (e *dockerEnv) ReadFile(ctx context.Context, name string) ([]byte, error) {
	data, err := e.runtime.CopyOut(ctx, e.containerID, path.Join(e.workDir, name))
	if err != nil {
		return nil, err
	}
	return firstEntry(data)
}

// Archive builds the tarball inside the container so ownership and
// symlinks are preserved, then copies it out.
func (e *dockerEnv) Archive(ctx context.Context, paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return nil, errors.New("no paths to archive")
	}
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	tmp := "/tmp/buildgate-cache.tar"
	cmd := fmt.Sprintf("tar -cf %s --ignore-failed-read -C %s %s 2>/dev/null; test -f %s",
		tmp, shellQuote(e.workDir), strings.Join(quoted, " "), tmp)
	if err := e.run(ctx, cmd); err != nil {
		return nil, err
	}
	wrapped, err := e.runtime.CopyOut(ctx, e.containerID, tmp)
	if err != nil {
		return nil, err
	}
	return firstEntry(wrapped)
}

func (e *dockerEnv) Extract(ctx context.Context, archive []byte) error {
	return e.runtime.CopyIn(ctx, e.containerID, e.workDir, archive)
}

func (e *dockerEnv) Close(ctx context.Context) error {
	if err := e.runtime.Destroy(ctx, e.containerID); err != nil {
		return fmt.Errorf("destroy %s: %w", e.name, err)
	}
	return nil
}
