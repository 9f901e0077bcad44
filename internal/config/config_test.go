// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Pipeline.Runner)
	assert.Equal(t, []string{"main"}, cfg.Pipeline.WatchedBranches)
	assert.Equal(t, []string{"platform-A", "platform-B", "platform-C"}, cfg.Pipeline.Platforms)
	assert.Equal(t, []string{"stable"}, cfg.Pipeline.Toolchains)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.StepTimeout)
	assert.Equal(t, "1", cfg.Container.Image.Environment["OPENSSL_NO_VENDOR"])
}

func TestNewConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buildgate.yaml")
	content := `
pipeline:
  runner: temporal
  environment: local
  watched_branches: [main, release]
  max_parallel_cells: 4
  step_timeout: 5m
cache:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "temporal", cfg.Pipeline.Runner)
	assert.Equal(t, "local", cfg.Pipeline.Environment)
	assert.Equal(t, []string{"main", "release"}, cfg.Pipeline.WatchedBranches)
	assert.Equal(t, 4, cfg.Pipeline.MaxParallelCells)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.StepTimeout)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	// untouched sections keep their defaults
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestNewConfig_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BUILDGATE_WEBHOOK_SECRET", "s3cret")

	cfg, err := NewConfig("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *AppConfig) {}},
		{
			name:    "unknown runner",
			mutate:  func(c *AppConfig) { c.Pipeline.Runner = "k8s" },
			wantErr: "pipeline.runner",
		},
		{
			name:    "unknown environment",
			mutate:  func(c *AppConfig) { c.Pipeline.Environment = "vm" },
			wantErr: "pipeline.environment",
		},
		{
			name:    "no watched branch",
			mutate:  func(c *AppConfig) { c.Pipeline.WatchedBranches = nil },
			wantErr: "watched_branches",
		},
		{
			name:    "negative parallelism",
			mutate:  func(c *AppConfig) { c.Pipeline.MaxParallelCells = -1 },
			wantErr: "max_parallel_cells",
		},
		{
			name:    "file cache without dir",
			mutate:  func(c *AppConfig) { c.Cache.Dir = "" },
			wantErr: "cache.dir",
		},
		{
			name:    "bad log level",
			mutate:  func(c *AppConfig) { c.Log.Level = "chatty" },
			wantErr: "invalid log level",
		},
		{
			name: "telemetry without endpoint",
			mutate: func(c *AppConfig) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: "telemetry.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetDSN(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	assert.Equal(t, "file::memory:?cache=shared", sqlite.GetDSN())

	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, Username: "u", Password: "p", Database: "runs", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=runs sslmode=disable", pg.GetDSN())
}
