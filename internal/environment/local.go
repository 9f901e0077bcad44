// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LocalProvisioner gives every cell a private temporary directory on the
// host. Cells are isolated by filesystem only.
type LocalProvisioner struct {
	// BaseDir holds the per-cell directories; empty means os.TempDir().
	BaseDir string
	Shell   string
	Env     map[string]string
}

// NewLocalProvisioner creates a provisioner rooted at baseDir.
func NewLocalProvisioner(baseDir string, env map[string]string) *LocalProvisioner {
	return &LocalProvisioner{BaseDir: baseDir, Shell: "/bin/sh", Env: env}
}

func (p *LocalProvisioner) Provision(ctx context.Context, spec CellSpec) (Environment, error) {
	if p.BaseDir != "" {
		if err := os.MkdirAll(p.BaseDir, 0o755); err != nil {
			return nil, provisionError("create base dir: %v", err)
		}
	}
	pattern := strings.NewReplacer("/", "-", ",", "-", "=", "-").Replace("bg-" + spec.Job + "-" + spec.Cell.Key() + "-")
	dir, err := os.MkdirTemp(p.BaseDir, pattern)
	if err != nil {
		return nil, provisionError("create work dir: %v", err)
	}
	shell := p.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	getLog().Debug().Str("dir", dir).Str("job", spec.Job).Str("cell", spec.Cell.Key()).Msg("Local cell environment ready")
	return &localEnv{dir: dir, shell: shell, env: p.Env}, nil
}

type localEnv struct {
	dir   string
	shell string
	env   map[string]string
}

func (e *localEnv) WorkDir() string { return e.dir }

func (e *localEnv) Exec(ctx context.Context, command string, env map[string]string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, e.shell, "-c", command)
	cmd.Dir = e.dir
	cmd.Env = os.Environ()
	for k, v := range e.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &ExecResult{ExitCode: -1, Output: out.String()}, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExecResult{ExitCode: exitErr.ExitCode(), Output: out.String()}, nil
		}
		return nil, err
	}
	return &ExecResult{ExitCode: 0, Output: out.String()}, nil
}

func (e *localEnv) Checkout(ctx context.Context, origin, ref string) error {
	cmd := "git init -q . && git remote add origin " + shellQuote(origin) +
		" && git fetch -q origin " + shellQuote(ref) +
		" && git -c advice.detachedHead=false checkout -q --detach FETCH_HEAD"
	res, err := e.Exec(ctx, cmd, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("checkout %s exited with %d: %s", ref, res.ExitCode, strings.TrimSpace(res.Output))
	}
	return nil
}

func (e *localEnv) resolve(name string) (string, error) {
	full := filepath.Join(e.dir, filepath.Clean(name))
	if full != e.dir && !strings.HasPrefix(full, e.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", name)
	}
	return full, nil
}

func (e *localEnv) ReadFile(_ context.Context, name string) ([]byte, error) {
	full, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (e *localEnv) Archive(_ context.Context, paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return nil, errors.New("no paths to archive")
	}
	for _, p := range paths {
		if _, err := e.resolve(p); err != nil {
			return nil, err
		}
	}
	return tarPaths(e.dir, paths)
}

func (e *localEnv) Extract(_ context.Context, archive []byte) error {
	return untar(e.dir, archive)
}

func (e *localEnv) Close(context.Context) error {
	return os.RemoveAll(e.dir)
}
