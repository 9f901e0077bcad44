// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package database archives terminated pipeline runs.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetDatabaseLogger()
		log = &l
	})
	return log
}

// ErrRunNotFound is returned when no archived run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	getLog().Debug().Str("driver", cfg.Driver).Msg("Database connected")
	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.PipelineRunRecord{},
		&models.JobRunRecord{},
		&models.CellRunRecord{},
	)
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	required := []struct {
		model   any
		table   string
		columns []string
	}{
		{&models.PipelineRunRecord{}, "pipeline_runs", []string{"id", "identity_hash", "event_kind", "ref", "verdict", "delivery_id", "started_at", "completed_at"}},
		{&models.JobRunRecord{}, "job_runs", []string{"id", "pipeline_run_id", "name", "position", "state", "skip_reason"}},
		{&models.CellRunRecord{}, "cell_runs", []string{"id", "job_run_id", "cell_key", "assignment", "state", "steps"}},
	}

	var missingTables, missingColumns []string
	for _, r := range required {
		if !db.db.Migrator().HasTable(r.model) {
			missingTables = append(missingTables, r.table)
			continue
		}
		for _, col := range r.columns {
			if !db.db.Migrator().HasColumn(r.model, col) {
				missingColumns = append(missingColumns, r.table+"."+col)
			}
		}
	}

	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v\n\nRun 'buildgate-migrate' to create the required tables", missingTables)
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v\n\nRun 'buildgate-migrate' to add the required columns", missingColumns)
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun archives a terminated run with its jobs and cells. Saving the
// same run twice replaces the earlier rows.
func (db *GormDB) SaveRun(ctx context.Context, run *models.PipelineRun) error {
	rec := models.NewPipelineRunRecord(run)
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_run_id IN (?)", tx.Model(&models.JobRunRecord{}).Select("id").Where("pipeline_run_id = ?", rec.ID)).
			Delete(&models.CellRunRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("pipeline_run_id = ?", rec.ID).Delete(&models.JobRunRecord{}).Error; err != nil {
			return err
		}
		return tx.Session(&gorm.Session{FullSaveAssociations: true}).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(rec).Error
	})
}

// GetRun loads one archived run with its jobs and cells.
func (db *GormDB) GetRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	var rec models.PipelineRunRecord
	err := db.db.WithContext(ctx).
		Preload("Jobs", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Preload("Jobs.Cells", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		First(&rec, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return rec.ToPipelineRun(), nil
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Ref     string
	Verdict *models.RunVerdict
	Limit   int
}

// ListRuns returns archived runs, newest first, without their jobs.
func (db *GormDB) ListRuns(ctx context.Context, filter RunFilter) ([]*models.PipelineRun, error) {
	q := db.db.WithContext(ctx).Model(&models.PipelineRunRecord{}).Order("started_at DESC")
	if filter.Ref != "" {
		q = q.Where("ref = ?", filter.Ref)
	}
	if filter.Verdict != nil {
		q = q.Where("verdict = ?", *filter.Verdict)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []models.PipelineRunRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	runs := make([]*models.PipelineRun, 0, len(recs))
	for i := range recs {
		runs = append(runs, recs[i].ToPipelineRun())
	}
	return runs, nil
}

// FindRunByDelivery returns the run created for a webhook delivery, or nil.
func (db *GormDB) FindRunByDelivery(ctx context.Context, deliveryID string) (*models.PipelineRun, error) {
	var rec models.PipelineRunRecord
	err := db.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // Return nil, nil when not found for idempotency checks
		}
		return nil, err
	}
	return rec.ToPipelineRun(), nil
}

// DeleteRun removes an archived run and its children.
func (db *GormDB) DeleteRun(ctx context.Context, runID string) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_run_id IN (?)", tx.Model(&models.JobRunRecord{}).Select("id").Where("pipeline_run_id = ?", runID)).
			Delete(&models.CellRunRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("pipeline_run_id = ?", runID).Delete(&models.JobRunRecord{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.PipelineRunRecord{}, "id = ?", runID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil
	})
}

// PruneRuns deletes runs that started before cutoff and returns how many
// were removed.
func (db *GormDB) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		runs := tx.Model(&models.PipelineRunRecord{}).Select("id").Where("started_at < ?", cutoff)
		jobs := tx.Model(&models.JobRunRecord{}).Select("id").Where("pipeline_run_id IN (?)", runs)
		if err := tx.Where("job_run_id IN (?)", jobs).Delete(&models.CellRunRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("pipeline_run_id IN (?)", runs).Delete(&models.JobRunRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("started_at < ?", cutoff).Delete(&models.PipelineRunRecord{})
		pruned = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	getLog().Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("Pruned archived runs")
	return pruned, nil
}
