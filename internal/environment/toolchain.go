// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package environment

import (
	"context"
	"fmt"
	"strings"
)

// ToolchainSpec describes the compiler toolchain a cell needs.
type ToolchainSpec struct {
	Channel    string
	Components []string
	// Override makes the channel the default for the working directory.
	Override bool
}

// InstallCommand renders the toolchain manager invocation.
func (t ToolchainSpec) InstallCommand() string {
	parts := []string{"rustup", "toolchain", "install", shellQuote(t.Channel), "--profile", "minimal", "--no-self-update"}
	for _, c := range t.Components {
		parts = append(parts, "--component", shellQuote(c))
	}
	cmd := strings.Join(parts, " ")
	if t.Override {
		cmd += " && rustup override set " + shellQuote(t.Channel)
	}
	return cmd
}

// InstallToolchain provisions spec inside env. A failed install is a
// provisioning failure.
func InstallToolchain(ctx context.Context, env Environment, spec ToolchainSpec) (*ExecResult, error) {
	if spec.Channel == "" {
		return nil, provisionError("toolchain channel is empty")
	}
	res, err := env.Exec(ctx, spec.InstallCommand(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: toolchain %s: %v", ErrProvision, spec.Channel, err)
	}
	if res.ExitCode != 0 {
		return res, provisionError("toolchain %s install exited with %d", spec.Channel, res.ExitCode)
	}
	return res, nil
}

// NativeDeps is the set of platform-native packages a cell installs.
type NativeDeps struct {
	Packages []string
}

// InstallCommand renders the package manager invocation.
func (n NativeDeps) InstallCommand() string {
	quoted := make([]string, len(n.Packages))
	for i, p := range n.Packages {
		quoted[i] = shellQuote(p)
	}
	return "sudo apt-get update -qq && sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -qq --no-install-recommends " +
		strings.Join(quoted, " ")
}

// InstallNativeDeps installs deps inside env.
func InstallNativeDeps(ctx context.Context, env Environment, deps NativeDeps) (*ExecResult, error) {
	if len(deps.Packages) == 0 {
		return &ExecResult{}, nil
	}
	res, err := env.Exec(ctx, deps.InstallCommand(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: native packages: %v", ErrProvision, err)
	}
	if res.ExitCode != 0 {
		return res, provisionError("native package install exited with %d", res.ExitCode)
	}
	return res, nil
}

// shellQuote single-quotes s unless it only holds characters that are safe unquoted.
func shellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:+@") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
