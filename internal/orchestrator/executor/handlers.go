// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/noldarim/buildgate/internal/environment"
	"github.com/noldarim/buildgate/internal/orchestrator/cache"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

type stepResult struct {
	exitCode int
	output   string
	warning  string
	err      error
}

type handler func(ctx context.Context, x *Executor, env environment.Environment, step models.StepDefinition, cell models.MatrixCell) stepResult

var handlers = map[models.StepKind]handler{
	models.StepCheckout:     checkoutStep,
	models.StepNativeDeps:   nativeDepsStep,
	models.StepToolchain:    toolchainStep,
	models.StepCacheRestore: cacheRestoreStep,
	models.StepCacheSave:    cacheSaveStep,
	models.StepRun:          commandStep,
}

func checkoutStep(ctx context.Context, x *Executor, env environment.Environment, step models.StepDefinition, _ models.MatrixCell) stepResult {
	origin := withDefault(step.With, "repository", x.source.Origin)
	ref := withDefault(step.With, "ref", x.source.Ref)
	if origin == "" {
		return stepResult{exitCode: 1, err: errors.New("no source repository configured")}
	}
	if err := env.Checkout(ctx, origin, ref); err != nil {
		return stepResult{exitCode: 1, err: err}
	}
	return stepResult{output: fmt.Sprintf("checked out %s at %s", origin, ref)}
}

func nativeDepsStep(ctx context.Context, x *Executor, env environment.Environment, step models.StepDefinition, _ models.MatrixCell) stepResult {
	pkgs := x.opts.NativePackages
	if v, ok := step.With["packages"]; ok {
		pkgs = strings.Fields(v)
	}
	res, err := environment.InstallNativeDeps(ctx, env, environment.NativeDeps{Packages: pkgs})
	return execResult(res, err)
}

func toolchainStep(ctx context.Context, _ *Executor, env environment.Environment, step models.StepDefinition, cell models.MatrixCell) stepResult {
	spec := environment.ToolchainSpec{
		Channel:    toolchainOf(step, cell),
		Components: splitList(step.With["components"]),
		Override:   step.With["override"] == "true",
	}
	res, err := environment.InstallToolchain(ctx, env, spec)
	return execResult(res, err)
}

// cacheRestoreStep never fails the cell: an unavailable cache is a miss
// recorded as a warning.
func cacheRestoreStep(ctx context.Context, x *Executor, env environment.Environment, step models.StepDefinition, cell models.MatrixCell) stepResult {
	key, err := x.cacheKey(ctx, env, step, cell)
	if err != nil {
		return stepResult{warning: err.Error()}
	}
	payload, hit, err := x.opts.Cache.Restore(ctx, key)
	if err != nil {
		return stepResult{warning: err.Error()}
	}
	if !hit {
		return stepResult{output: "cache miss: " + key}
	}
	if err := env.Extract(ctx, payload); err != nil {
		getLog().Warn().Err(err).Str("key", key).Msg("Cache payload could not be extracted")
		return stepResult{warning: fmt.Sprintf("%v: extract %s: %v", cache.ErrUnavailable, key, err)}
	}
	return stepResult{output: fmt.Sprintf("cache hit: %s (%d bytes)", key, len(payload))}
}

func cacheSaveStep(ctx context.Context, x *Executor, env environment.Environment, step models.StepDefinition, cell models.MatrixCell) stepResult {
	key, err := x.cacheKey(ctx, env, step, cell)
	if err != nil {
		return stepResult{warning: err.Error()}
	}
	payload, err := env.Archive(ctx, x.cachePaths(step))
	if err != nil {
		getLog().Warn().Err(err).Str("key", key).Msg("Cache paths could not be archived")
		return stepResult{warning: fmt.Sprintf("%v: archive %s: %v", cache.ErrUnavailable, key, err)}
	}
	if err := x.opts.Cache.Save(ctx, key, payload); err != nil {
		return stepResult{warning: err.Error()}
	}
	return stepResult{output: fmt.Sprintf("cache saved: %s (%d bytes)", key, len(payload))}
}

// commandStep runs the step's command. Each matrix dimension is exported
// as BUILDGATE_<DIMENSION>; With entries are exported as given and win.
func commandStep(ctx context.Context, _ *Executor, env environment.Environment, step models.StepDefinition, cell models.MatrixCell) stepResult {
	res, err := env.Exec(ctx, step.Run, commandEnv(step, cell))
	if err != nil {
		out := ""
		if res != nil {
			out = res.Output
		}
		return stepResult{exitCode: -1, output: out, err: err}
	}
	return stepResult{exitCode: res.ExitCode, output: res.Output}
}

func commandEnv(step models.StepDefinition, cell models.MatrixCell) map[string]string {
	vars := make(map[string]string, len(cell.Assignment)+len(step.With))
	for dim, v := range cell.Assignment {
		vars["BUILDGATE_"+strings.ToUpper(strings.ReplaceAll(dim, "-", "_"))] = v
	}
	for k, v := range step.With {
		vars[k] = v
	}
	return vars
}

// cacheKey derives the key from the cell's platform, its toolchain and the
// dependency manifest read from the environment.
func (x *Executor) cacheKey(ctx context.Context, env environment.Environment, step models.StepDefinition, cell models.MatrixCell) (string, error) {
	if k := step.With["key"]; k != "" {
		return k, nil
	}
	manifestPath := withDefault(step.With, "manifest", x.opts.CacheManifest)
	if manifestPath == "" {
		return "", fmt.Errorf("%w: no dependency manifest configured", cache.ErrUnavailable)
	}
	manifest, err := env.ReadFile(ctx, manifestPath)
	if err != nil {
		getLog().Warn().Err(err).Str("manifest", manifestPath).Msg("Dependency manifest unreadable, skipping cache")
		return "", fmt.Errorf("%w: read %s: %v", cache.ErrUnavailable, manifestPath, err)
	}
	prefix := "deps"
	if p := cell.Value("platform"); p != "" {
		prefix += "-" + p
	}
	return cache.DeriveKey(prefix, toolchainOf(step, cell), manifest), nil
}

func (x *Executor) cachePaths(step models.StepDefinition) []string {
	if v := step.With["paths"]; v != "" {
		return splitList(v)
	}
	return x.opts.CachePaths
}

func toolchainOf(step models.StepDefinition, cell models.MatrixCell) string {
	if t := step.With["toolchain"]; t != "" {
		return t
	}
	if t := cell.Value("toolchain"); t != "" {
		return t
	}
	return "stable"
}

func execResult(res *environment.ExecResult, err error) stepResult {
	r := stepResult{err: err}
	if res != nil {
		r.exitCode = res.ExitCode
		r.output = res.Output
	}
	if err != nil && r.exitCode == 0 {
		r.exitCode = 1
	}
	return r
}

func withDefault(with map[string]string, key, def string) string {
	if v, ok := with[key]; ok && v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}
