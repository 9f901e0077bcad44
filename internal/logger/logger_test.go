// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/log"
)

func fileLogConfig(path string) *config.LogConfig {
	return &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "file", Enabled: true, Path: path},
		},
		Levels: map[string]string{
			"executor": "debug",
			"cache":    "error",
		},
		Context: config.LogContextConfig{IncludeTimestamp: true},
	}
}

func readEntries(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestManager_PackageLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "buildgate.log")
	m, err := NewManager(fileLogConfig(path))
	require.NoError(t, err)

	execLog := m.GetLogger("executor")
	cacheLog := m.GetLogger("cache")
	execLog.Debug().Msg("step started")
	cacheLog.Warn().Msg("restore failed")
	cacheLog.Error().Msg("save failed")
	require.NoError(t, m.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "executor", entries[0]["pkg"])
	assert.Equal(t, "step started", entries[0]["message"])
	assert.Equal(t, "cache", entries[1]["pkg"])
	assert.Equal(t, "save failed", entries[1]["message"])
}

func TestManager_SameLoggerPerPackage(t *testing.T) {
	m, err := NewManager(fileLogConfig(filepath.Join(t.TempDir(), "a.log")))
	require.NoError(t, err)
	defer m.Close()

	a := m.GetLogger("orchestrator")
	b := m.GetLogger("orchestrator")
	assert.Equal(t, a.GetLevel(), b.GetLevel())

	m.SetPackageLevel("orchestrator", "error")
	assert.Equal(t, zerolog.ErrorLevel, m.GetLogger("orchestrator").GetLevel())
}

func TestNewManager_UnsupportedOutput(t *testing.T) {
	_, err := NewManager(&config.LogConfig{
		Level:  "info",
		Output: []config.LogOutputConfig{{Type: "syslog", Enabled: true}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output type: syslog")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}

func TestGetLogger_BeforeInitializeIsSilent(t *testing.T) {
	l := GetLogger("orchestrator")
	assert.NotPanics(t, func() { l.Info().Msg("dropped") })
}

func TestTemporalLogAdapter_Fields(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewTemporalLogAdapter(zerolog.New(&buf))

	adapter.(log.WithLogger).With("workflow", "pipeline").Info("cell finished",
		"cell", "platform=platform-A", "attempt", 1, "err", errors.New("boom"), "dangling")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cell finished", entry["message"])
	assert.Equal(t, "pipeline", entry["workflow"])
	assert.Equal(t, "platform=platform-A", entry["cell"])
	assert.Equal(t, float64(1), entry["attempt"])
	assert.Equal(t, "boom", entry["err"])
	assert.NotContains(t, entry, "dangling")
}
