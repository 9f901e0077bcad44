// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// enumText backs the String/MarshalText/UnmarshalText methods of the state
// enums below so they render as words in JSON and in the API.
func enumText(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return "unknown"
	}
	return names[v]
}

func enumParse(names []string, kind string, text []byte) (int, error) {
	for i, n := range names {
		if n == string(text) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, text)
}

// CellState is the state of one matrix cell.
type CellState int

const (
	CellStatePending CellState = iota
	CellStateRunning
	CellStateSuccess
	CellStateFailure
)

var cellStateNames = []string{"pending", "running", "success", "failure"}

func (s CellState) String() string               { return enumText(cellStateNames, int(s)) }
func (s CellState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s *CellState) UnmarshalText(b []byte) error {
	v, err := enumParse(cellStateNames, "cell state", b)
	*s = CellState(v)
	return err
}

// Terminal reports whether the cell has finished.
func (s CellState) Terminal() bool {
	return s == CellStateSuccess || s == CellStateFailure
}

// JobState is the aggregate state of a job.
type JobState int

const (
	JobStatePending JobState = iota
	JobStateRunning
	JobStateSuccess
	JobStateFailure
	JobStateSkipped
)

var jobStateNames = []string{"pending", "running", "success", "failure", "skipped"}

func (s JobState) String() string               { return enumText(jobStateNames, int(s)) }
func (s JobState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s *JobState) UnmarshalText(b []byte) error {
	v, err := enumParse(jobStateNames, "job state", b)
	*s = JobState(v)
	return err
}

// Terminal reports whether the job will not change state again.
func (s JobState) Terminal() bool {
	return s == JobStateSuccess || s == JobStateFailure || s == JobStateSkipped
}

// RunVerdict is the outcome of a whole pipeline run.
type RunVerdict int

const (
	VerdictPending RunVerdict = iota
	VerdictRunning
	VerdictSuccess
	VerdictFailure
	VerdictNotRun
	VerdictConfigError
)

var verdictNames = []string{"pending", "running", "success", "failure", "not-run", "config-error"}

func (v RunVerdict) String() string               { return enumText(verdictNames, int(v)) }
func (v RunVerdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }
func (v *RunVerdict) UnmarshalText(b []byte) error {
	n, err := enumParse(verdictNames, "verdict", b)
	*v = RunVerdict(n)
	return err
}

// StepStatus records what happened to a single step in a cell.
type StepStatus int

const (
	StepStatusOK StepStatus = iota
	StepStatusFailed
	// StepStatusSkipped means the step's predicate was false for this cell.
	StepStatusSkipped
	// StepStatusNotRun means an earlier step failed and the cell halted.
	StepStatusNotRun
)

var stepStatusNames = []string{"ok", "failed", "skipped", "not-run"}

func (s StepStatus) String() string               { return enumText(stepStatusNames, int(s)) }
func (s StepStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s *StepStatus) UnmarshalText(b []byte) error {
	v, err := enumParse(stepStatusNames, "step status", b)
	*s = StepStatus(v)
	return err
}

// StepOutcome is the recorded result of one step.
type StepOutcome struct {
	Name     string        `json:"name"`
	Kind     StepKind      `json:"kind"`
	Status   StepStatus    `json:"status"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	// Warning carries non-fatal problems, e.g. an unavailable cache.
	Warning string `json:"warning,omitempty"`
}

// CellRun is the execution record of one matrix cell.
type CellRun struct {
	Job         string        `json:"job"`
	Cell        MatrixCell    `json:"cell"`
	State       CellState     `json:"state"`
	Steps       []StepOutcome `json:"steps"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Error       string        `json:"error,omitempty"`
}

// FailedStep returns the outcome that halted the cell, if any.
func (c *CellRun) FailedStep() *StepOutcome {
	for i := range c.Steps {
		if c.Steps[i].Status == StepStatusFailed {
			return &c.Steps[i]
		}
	}
	return nil
}

// JobRun is the execution record of a job across all of its cells.
type JobRun struct {
	Name        string    `json:"name"`
	State       JobState  `json:"state"`
	Cells       []CellRun `json:"cells"`
	SkipReason  string    `json:"skip_reason,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// DeriveJobState folds cell states into a job state. A job is terminal only
// once every cell is terminal: success if all succeeded, failure otherwise.
func DeriveJobState(cells []CellRun) JobState {
	if len(cells) == 0 {
		return JobStatePending
	}
	anyFailed := false
	for _, c := range cells {
		switch c.State {
		case CellStatePending, CellStateRunning:
			return JobStateRunning
		case CellStateFailure:
			anyFailed = true
		}
	}
	if anyFailed {
		return JobStateFailure
	}
	return JobStateSuccess
}

// PipelineRun is one evaluation of a pipeline against one event.
type PipelineRun struct {
	ID           string     `json:"id"`
	Event        Event      `json:"event"`
	Pipeline     string     `json:"pipeline"`
	IdentityHash string     `json:"identity_hash"`
	Jobs         []*JobRun  `json:"jobs"`
	Verdict      RunVerdict `json:"verdict"`
	Reason       string     `json:"reason,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  time.Time  `json:"completed_at"`
}

// Job returns the job record with the given name, or nil.
func (r *PipelineRun) Job(name string) *JobRun {
	for _, j := range r.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// DeriveVerdict sets Verdict from the job states: success iff every job succeeded.
func (r *PipelineRun) DeriveVerdict() RunVerdict {
	v := VerdictSuccess
	for _, j := range r.Jobs {
		if j.State != JobStateSuccess {
			v = VerdictFailure
			break
		}
	}
	r.Verdict = v
	return v
}

// ExitCode maps the verdict to a process exit status. A run that was not
// eligible exits zero; any failed or skipped job makes it non-zero.
func (r *PipelineRun) ExitCode() int {
	switch r.Verdict {
	case VerdictSuccess, VerdictNotRun:
		return 0
	case VerdictConfigError:
		return 2
	default:
		return 1
	}
}

// ComputeRunIdentityHash hashes every input that affects a run's outcome.
// Two runs with the same hash must reach the same terminal cell states.
func ComputeRunIdentityHash(event Event, pipeline Pipeline) string {
	data := struct {
		Kind     EventKind `json:"kind"`
		Ref      string    `json:"ref"`
		Action   Action    `json:"action"`
		Draft    bool      `json:"draft"`
		HeadSHA  string    `json:"head_sha"`
		Pipeline Pipeline  `json:"pipeline"`
	}{
		Kind:     event.Kind,
		Ref:      event.Ref,
		Action:   event.Action,
		Draft:    event.Draft,
		HeadSHA:  event.HeadSHA,
		Pipeline: pipeline,
	}

	jsonBytes, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:16])
}
