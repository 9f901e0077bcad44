// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

// OpenTestDB opens a migrated in-memory SQLite archive private to t and
// stores runs in it. The database is closed when t finishes.
func OpenTestDB(t testing.TB, runs ...*models.PipelineRun) *GormDB {
	t.Helper()
	db, err := NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err, "open in-memory archive")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.AutoMigrate(), "migrate in-memory archive")
	for _, run := range runs {
		require.NoError(t, db.SaveRun(context.Background(), run), "seed run %s", run.ID)
	}
	return db
}
