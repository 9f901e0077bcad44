// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"sort"
	"strings"
	"time"
)

// Pipeline is a named job graph: the "recipe" evaluated for each trigger.
type Pipeline struct {
	Name string          `json:"name" yaml:"name"`
	Jobs []JobDefinition `json:"jobs" yaml:"jobs"`
}

// Job returns the job definition with the given name.
func (p *Pipeline) Job(name string) (JobDefinition, bool) {
	for _, j := range p.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobDefinition{}, false
}

// JobDefinition is a named unit of work. Needs lists the jobs that must all
// succeed before this one may start.
type JobDefinition struct {
	Name   string           `json:"name" yaml:"name"`
	Needs  []string         `json:"needs,omitempty" yaml:"needs,omitempty"`
	Matrix Matrix           `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Steps  []StepDefinition `json:"steps" yaml:"steps"`
}

// Matrix is an ordered list of dimensions. A job without dimensions runs as
// a single cell.
type Matrix []Dimension

// Dimension is one axis of a matrix, e.g. platform or toolchain.
type Dimension struct {
	Name   string   `json:"name" yaml:"name"`
	Values []string `json:"values" yaml:"values"`
}

// Has reports whether the matrix declares a dimension called name.
func (m Matrix) Has(name string) bool {
	for _, d := range m {
		if d.Name == name {
			return true
		}
	}
	return false
}

// StepKind selects the handler that executes a step.
type StepKind string

const (
	StepCheckout     StepKind = "checkout"
	StepNativeDeps   StepKind = "native-deps"
	StepToolchain    StepKind = "toolchain"
	StepCacheRestore StepKind = "cache-restore"
	StepCacheSave    StepKind = "cache-save"
	StepRun          StepKind = "run"
)

// KnownStepKinds lists every step kind the executor can dispatch.
var KnownStepKinds = []StepKind{
	StepCheckout, StepNativeDeps, StepToolchain, StepCacheRestore, StepCacheSave, StepRun,
}

// StepDefinition is one ordered action inside a job. If is optional; a step
// without a predicate always runs.
type StepDefinition struct {
	Name    string            `json:"name" yaml:"name"`
	Uses    StepKind          `json:"uses" yaml:"uses"`
	Run     string            `json:"run,omitempty" yaml:"run,omitempty"`
	With    map[string]string `json:"with,omitempty" yaml:"with,omitempty"`
	If      *Predicate        `json:"if,omitempty" yaml:"if,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Predicate activates a step only for cells whose value in Dimension equals Equals.
type Predicate struct {
	Dimension string `json:"dimension" yaml:"dimension"`
	Equals    string `json:"equals" yaml:"equals"`
}

// Holds evaluates the predicate against a cell. A nil predicate always holds.
func (p *Predicate) Holds(cell MatrixCell) bool {
	if p == nil {
		return true
	}
	return cell.Assignment[p.Dimension] == p.Equals
}

func (p *Predicate) String() string {
	if p == nil {
		return "always"
	}
	return p.Dimension + " == " + p.Equals
}

// MatrixCell is one concrete assignment of a value to every dimension of a job's matrix.
type MatrixCell struct {
	Assignment map[string]string `json:"assignment"`
}

// Value returns the cell's value for a dimension, or "" if the dimension is absent.
func (c MatrixCell) Value(dimension string) string {
	return c.Assignment[dimension]
}

// Key renders the assignment with dimensions in sorted order. A job without
// a matrix has the single key "default".
func (c MatrixCell) Key() string {
	if len(c.Assignment) == 0 {
		return "default"
	}
	names := make([]string, 0, len(c.Assignment))
	for k := range c.Assignment {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(c.Assignment[k])
	}
	return b.String()
}
