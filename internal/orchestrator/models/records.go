// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// PipelineRunRecord is the archived form of a PipelineRun. Runs are written
// once, when they terminate.
type PipelineRunRecord struct {
	ID           string     `gorm:"primaryKey;type:text" json:"id"`
	IdentityHash string     `gorm:"type:text;index" json:"identity_hash"`
	Pipeline     string     `gorm:"type:text" json:"pipeline"`
	EventKind    EventKind  `gorm:"type:text;not null" json:"event_kind"`
	Ref          string     `gorm:"type:text;index" json:"ref"`
	Action       Action     `gorm:"type:text" json:"action,omitempty"`
	Draft        bool       `json:"draft"`
	Number       int        `gorm:"type:integer" json:"number,omitempty"`
	HeadSHA      string     `gorm:"type:text" json:"head_sha,omitempty"`
	Repository   string     `gorm:"type:text" json:"repository,omitempty"`
	DeliveryID   string     `gorm:"type:text;index" json:"delivery_id,omitempty"`
	ReceivedAt   time.Time  `json:"received_at"`
	Verdict      RunVerdict `gorm:"not null;default:0" json:"verdict"`
	Reason       string     `gorm:"type:text" json:"reason,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  time.Time  `json:"completed_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`

	Jobs []JobRunRecord `gorm:"foreignKey:PipelineRunID;constraint:OnDelete:CASCADE" json:"jobs,omitempty"`
}

func (PipelineRunRecord) TableName() string {
	return "pipeline_runs"
}

// JobRunRecord is the archived form of a JobRun.
type JobRunRecord struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string    `gorm:"type:text;index;not null" json:"pipeline_run_id"`
	Name          string    `gorm:"type:text;not null" json:"name"`
	Position      int       `gorm:"type:integer" json:"position"`
	State         JobState  `gorm:"not null;default:0" json:"state"`
	SkipReason    string    `gorm:"type:text" json:"skip_reason,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`

	Cells []CellRunRecord `gorm:"foreignKey:JobRunID;constraint:OnDelete:CASCADE" json:"cells,omitempty"`
}

func (JobRunRecord) TableName() string {
	return "job_runs"
}

// CellRunRecord is the archived form of a CellRun.
type CellRunRecord struct {
	ID           string       `gorm:"primaryKey;type:text" json:"id"`
	JobRunID     string       `gorm:"type:text;index;not null" json:"job_run_id"`
	CellKey      string       `gorm:"type:text;not null" json:"cell_key"`
	Position     int          `gorm:"type:integer" json:"position"`
	Assignment   StringMap    `gorm:"type:text" json:"assignment"`
	State        CellState    `gorm:"not null;default:0" json:"state"`
	Steps        StepOutcomes `gorm:"type:text" json:"steps"`
	ErrorMessage string       `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  time.Time    `json:"completed_at"`
}

func (CellRunRecord) TableName() string {
	return "cell_runs"
}

// StringMap is a JSON-serialized map column.
type StringMap map[string]string

func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan StringMap from non-string/[]byte value")
	}
}

func (m StringMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// StepOutcomes is a JSON-serialized slice of StepOutcome
type StepOutcomes []StepOutcome

func (s *StepOutcomes) Scan(value any) error {
	if value == nil {
		*s = StepOutcomes{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("cannot scan StepOutcomes from non-string/[]byte value")
	}
}

func (s StepOutcomes) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

// NewPipelineRunRecord flattens a run into its archive records. Child IDs
// are derived from the run ID so re-archiving the same run is idempotent.
func NewPipelineRunRecord(run *PipelineRun) *PipelineRunRecord {
	rec := &PipelineRunRecord{
		ID:           run.ID,
		IdentityHash: run.IdentityHash,
		Pipeline:     run.Pipeline,
		EventKind:    run.Event.Kind,
		Ref:          run.Event.Ref,
		Action:       run.Event.Action,
		Draft:        run.Event.Draft,
		Number:       run.Event.Number,
		HeadSHA:      run.Event.HeadSHA,
		Repository:   run.Event.Repository,
		DeliveryID:   run.Event.DeliveryID,
		ReceivedAt:   run.Event.ReceivedAt,
		Verdict:      run.Verdict,
		Reason:       run.Reason,
		ErrorMessage: run.Error,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}

	for i, job := range run.Jobs {
		jobID := run.ID + "/" + job.Name
		jr := JobRunRecord{
			ID:            jobID,
			PipelineRunID: run.ID,
			Name:          job.Name,
			Position:      i,
			State:         job.State,
			SkipReason:    job.SkipReason,
			StartedAt:     job.StartedAt,
			CompletedAt:   job.CompletedAt,
		}
		for k, cell := range job.Cells {
			key := cell.Cell.Key()
			jr.Cells = append(jr.Cells, CellRunRecord{
				ID:           jobID + "/" + key,
				JobRunID:     jobID,
				CellKey:      key,
				Position:     k,
				Assignment:   StringMap(cell.Cell.Assignment),
				State:        cell.State,
				Steps:        StepOutcomes(cell.Steps),
				ErrorMessage: cell.Error,
				StartedAt:    cell.StartedAt,
				CompletedAt:  cell.CompletedAt,
			})
		}
		rec.Jobs = append(rec.Jobs, jr)
	}
	return rec
}

// ToPipelineRun rebuilds the in-memory run from its archive records.
// Jobs and Cells must be preloaded and ordered by Position.
func (rec *PipelineRunRecord) ToPipelineRun() *PipelineRun {
	run := &PipelineRun{
		ID:           rec.ID,
		IdentityHash: rec.IdentityHash,
		Pipeline:     rec.Pipeline,
		Event: Event{
			Kind:       rec.EventKind,
			Ref:        rec.Ref,
			Action:     rec.Action,
			Draft:      rec.Draft,
			Number:     rec.Number,
			HeadSHA:    rec.HeadSHA,
			Repository: rec.Repository,
			DeliveryID: rec.DeliveryID,
			ReceivedAt: rec.ReceivedAt,
		},
		Verdict:     rec.Verdict,
		Reason:      rec.Reason,
		Error:       rec.ErrorMessage,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}

	for _, jr := range rec.Jobs {
		job := &JobRun{
			Name:        jr.Name,
			State:       jr.State,
			SkipReason:  jr.SkipReason,
			StartedAt:   jr.StartedAt,
			CompletedAt: jr.CompletedAt,
		}
		for _, cr := range jr.Cells {
			job.Cells = append(job.Cells, CellRun{
				Job:         jr.Name,
				Cell:        MatrixCell{Assignment: map[string]string(cr.Assignment)},
				State:       cr.State,
				Steps:       []StepOutcome(cr.Steps),
				Error:       cr.ErrorMessage,
				StartedAt:   cr.StartedAt,
				CompletedAt: cr.CompletedAt,
			})
		}
		run.Jobs = append(run.Jobs, job)
	}
	return run
}
