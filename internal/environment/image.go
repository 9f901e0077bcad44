// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package environment

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/noldarim/buildgate/internal/config"
)

// ImageSpec is the recipe for the development image cells run in.
type ImageSpec struct {
	BaseImage      string
	VariantTag     string
	User           string
	UID            int
	AdminGroup     string
	NativePackages []string
	Components     []string
	Shell          string
	Environment    map[string]string
	// GitConfigTarget is where the host's git identity is mounted.
	GitConfigTarget string
}

// NewImageSpec builds the spec from configuration.
func NewImageSpec(cfg config.ImageConfig) ImageSpec {
	spec := ImageSpec{
		BaseImage:      cfg.BaseImage,
		VariantTag:     cfg.VariantTag,
		User:           cfg.User,
		UID:            cfg.UID,
		AdminGroup:     cfg.AdminGroup,
		NativePackages: cfg.NativePackages,
		Components:     cfg.Components,
		Shell:          cfg.Shell,
		Environment:    cfg.Environment,
	}
	if spec.Shell == "" {
		spec.Shell = "/bin/sh"
	}
	if spec.User != "" {
		spec.GitConfigTarget = path.Join(spec.HomeDir(), ".gitconfig")
	}
	return spec
}

// Ref is the image reference "base:variant".
func (s ImageSpec) Ref() string {
	if s.VariantTag == "" {
		return s.BaseImage
	}
	return s.BaseImage + ":" + s.VariantTag
}

// HomeDir is the home directory of the image user.
func (s ImageSpec) HomeDir() string {
	if s.User == "" || s.User == "root" {
		return "/root"
	}
	return "/home/" + s.User
}

// Dockerfile renders the image recipe: a non-root user with passwordless
// sudo through the admin group, the native packages, the toolchain
// components and the environment.
func (s ImageSpec) Dockerfile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n\n", s.Ref())

	pkgs := append([]string{"sudo", "git", "ca-certificates"}, s.NativePackages...)
	b.WriteString("RUN apt-get update \\\n")
	fmt.Fprintf(&b, " && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends %s \\\n", strings.Join(pkgs, " "))
	b.WriteString(" && rm -rf /var/lib/apt/lists/*\n\n")

	if s.User != "" && s.User != "root" {
		group := s.AdminGroup
		if group == "" {
			group = "sudo"
		}
		fmt.Fprintf(&b, "RUN groupadd -f %s \\\n", group)
		fmt.Fprintf(&b, " && useradd --create-home --uid %d --shell %s --groups %s %s \\\n", s.UID, s.Shell, group, s.User)
		fmt.Fprintf(&b, " && echo '%%%s ALL=(ALL) NOPASSWD:ALL' > /etc/sudoers.d/%s \\\n", group, group)
		fmt.Fprintf(&b, " && chmod 0440 /etc/sudoers.d/%s\n\n", group)
	}

	if len(s.Components) > 0 {
		fmt.Fprintf(&b, "RUN rustup component add %s\n\n", strings.Join(s.Components, " "))
	}

	if len(s.Environment) > 0 {
		keys := make([]string, 0, len(s.Environment))
		for k := range s.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "ENV %s=%q\n", k, s.Environment[k])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "SHELL [%q, \"-c\"]\n", s.Shell)
	if s.User != "" {
		fmt.Fprintf(&b, "USER %s\n", s.User)
		fmt.Fprintf(&b, "WORKDIR %s\n", s.HomeDir())
		fmt.Fprintf(&b, "# git identity is bind-mounted read-only at %s\n", s.GitConfigTarget)
	}
	return b.String()
}
