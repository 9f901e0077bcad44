// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the buildgate command line.
package cli

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/buildgate/internal/logger"
)

const (
	appName    = "buildgate"
	appVersion = "0.1.0-alpha"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetCLILogger()
		log = &l
	})
	return log
}

// ExitError carries a process exit status. The command has already written
// its own output, so main exits without printing the error.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) ExitCode() int {
	return e.Code
}

// Execute runs the CLI application
func Execute() error {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stdout)
		return nil
	}

	command := args[0]
	rest := args[1:]

	switch command {
	case "run":
		return runCommand(rest, stdout, stderr)
	case "validate":
		return validateCommand(rest, stdout)
	case "plan":
		return planCommand(rest, stdout)
	case "dockerfile":
		return dockerfileCommand(rest, stdout)
	case "version":
		fmt.Fprintf(stdout, "%s version %s\n", appName, appVersion)
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return &ExitError{Code: 2}
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - build verification pipeline runner

Usage:
  %s <command> [arguments]

Commands:
  run          Evaluate an event and execute the pipeline
  validate     Validate a pipeline definition and print its stages
  plan         Print the matrix cells each stage would run
  dockerfile   Print the container image recipe
  version      Print version information
  help         Show this help message

Examples:
  %s run --ref refs/heads/main
  %s run --kind change_request --action opened --ref feature/x --local
  %s run --event delivery.json --json
  %s validate --pipeline pipeline.yaml
  %s plan
  %s dockerfile > Dockerfile

Exit status of run: 0 success or not eligible, 1 failure, 2 configuration error.
`, appName, appName, appName, appName, appName, appName, appName, appName)
}
