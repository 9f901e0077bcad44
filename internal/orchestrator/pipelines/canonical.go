// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipelines holds the built-in pipeline and loads pipeline files.
package pipelines

import (
	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

const (
	CanonicalName = "ci"

	JobFormatCheck  = "format_check"
	JobLintCheck    = "lint_check"
	JobBuildAndTest = "build_and_test"

	DimPlatform  = "platform"
	DimToolchain = "toolchain"
)

// Canonical builds the standard three-job pipeline: a single format check,
// a lint check across the platform/toolchain matrix, and a build-and-test
// across the same matrix that needs both checks.
func Canonical(cfg config.PipelineConfig) models.Pipeline {
	matrix := models.Matrix{
		{Name: DimPlatform, Values: cfg.Platforms},
		{Name: DimToolchain, Values: cfg.Toolchains},
	}
	defaultToolchain := "stable"
	if len(cfg.Toolchains) > 0 {
		defaultToolchain = cfg.Toolchains[0]
	}

	nativeDeps := models.StepDefinition{
		Name: "Install native dependencies",
		Uses: models.StepNativeDeps,
		If:   &models.Predicate{Dimension: DimPlatform, Equals: cfg.NativeDepsPlatform},
	}

	format := models.JobDefinition{
		Name: JobFormatCheck,
		Steps: []models.StepDefinition{
			checkout(),
			{
				Name: "Install toolchain",
				Uses: models.StepToolchain,
				With: map[string]string{"toolchain": defaultToolchain, "components": cfg.Commands.FormatTool, "override": "true"},
			},
			{Name: "Check formatting", Uses: models.StepRun, Run: cfg.Commands.Format},
		},
	}

	lint := models.JobDefinition{
		Name:   JobLintCheck,
		Matrix: matrix,
		Steps: []models.StepDefinition{
			checkout(),
			nativeDeps,
			{
				Name: "Install toolchain",
				Uses: models.StepToolchain,
				With: map[string]string{"components": cfg.Commands.LintTool, "override": "true"},
			},
			{Name: "Restore cache", Uses: models.StepCacheRestore},
			{Name: "Lint", Uses: models.StepRun, Run: cfg.Commands.Lint},
			{Name: "Save cache", Uses: models.StepCacheSave},
		},
	}

	build := models.JobDefinition{
		Name:   JobBuildAndTest,
		Needs:  []string{JobFormatCheck, JobLintCheck},
		Matrix: matrix,
		Steps: []models.StepDefinition{
			checkout(),
			nativeDeps,
			{
				Name: "Install toolchain",
				Uses: models.StepToolchain,
				With: map[string]string{"override": "true"},
			},
			{Name: "Restore cache", Uses: models.StepCacheRestore},
			{Name: "Build", Uses: models.StepRun, Run: cfg.Commands.Build},
			{Name: "Test", Uses: models.StepRun, Run: cfg.Commands.Test},
			{Name: "Save cache", Uses: models.StepCacheSave},
		},
	}

	// Matrix slices are shared with cfg; callers must not mutate the result.
	return models.Pipeline{
		Name: CanonicalName,
		Jobs: []models.JobDefinition{format, lint, build},
	}
}

func checkout() models.StepDefinition {
	return models.StepDefinition{Name: "Checkout", Uses: models.StepCheckout}
}
