// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package environment provisions the isolated machine a matrix cell runs
// in. Steps of a cell only communicate through the environment's
// filesystem, so each cell gets its own.
package environment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetContainerLogger()
		log = &l
	})
	return log
}

// ErrProvision wraps every failure to create or prepare an environment.
// Inside a cell it surfaces as an ordinary step failure.
var ErrProvision = errors.New("provisioning failed")

func provisionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProvision, fmt.Sprintf(format, args...))
}

// CellSpec identifies the cell an environment is provisioned for.
type CellSpec struct {
	RunID string
	Job   string
	Cell  models.MatrixCell
}

// Platform returns the cell's platform dimension value, if any.
func (s CellSpec) Platform() string { return s.Cell.Value("platform") }

// ExecResult is the outcome of one command.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Environment is an isolated working directory plus a way to run commands in it.
type Environment interface {
	// Exec runs command through the environment's shell in WorkDir. A
	// non-zero exit is reported in ExecResult, not as an error.
	Exec(ctx context.Context, command string, env map[string]string) (*ExecResult, error)
	// Checkout fetches origin at ref into WorkDir.
	Checkout(ctx context.Context, origin, ref string) error
	// ReadFile reads a file relative to WorkDir.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Archive packs the given WorkDir-relative paths into a tar stream.
	// Missing paths are skipped.
	Archive(ctx context.Context, paths []string) ([]byte, error)
	// Extract unpacks a tar stream produced by Archive into WorkDir.
	Extract(ctx context.Context, archive []byte) error
	WorkDir() string
	Close(ctx context.Context) error
}

// Provisioner creates environments.
type Provisioner interface {
	Provision(ctx context.Context, spec CellSpec) (Environment, error)
}
