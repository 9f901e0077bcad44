// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"

	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/samber/lo"
)

// Expand returns the Cartesian product of the job's matrix dimensions. The
// first dimension varies slowest. A job without dimensions yields exactly
// one cell with an empty assignment; a dimension without values is a
// ConfigurationError rather than zero cells.
func Expand(job models.JobDefinition) ([]models.MatrixCell, error) {
	if issues := matrixIssues(job); len(issues) > 0 {
		return nil, &ConfigurationError{Issues: issues}
	}

	cells := []models.MatrixCell{{Assignment: map[string]string{}}}
	for _, dim := range job.Matrix {
		next := make([]models.MatrixCell, 0, len(cells)*len(dim.Values))
		for _, cell := range cells {
			for _, v := range dim.Values {
				assignment := lo.Assign(cell.Assignment, map[string]string{dim.Name: v})
				next = append(next, models.MatrixCell{Assignment: assignment})
			}
		}
		cells = next
	}
	return cells, nil
}

func matrixIssues(job models.JobDefinition) []string {
	var issues []string

	names := lo.Map(job.Matrix, func(d models.Dimension, _ int) string { return d.Name })
	for _, dup := range lo.FindDuplicates(names) {
		issues = append(issues, fmt.Sprintf("job %s: matrix dimension %q declared more than once", job.Name, dup))
	}

	for _, dim := range job.Matrix {
		if dim.Name == "" {
			issues = append(issues, fmt.Sprintf("job %s: matrix dimension without a name", job.Name))
			continue
		}
		if len(dim.Values) == 0 {
			issues = append(issues, fmt.Sprintf("job %s: matrix dimension %q has no values", job.Name, dim.Name))
			continue
		}
		for _, dup := range lo.FindDuplicates(dim.Values) {
			issues = append(issues, fmt.Sprintf("job %s: matrix dimension %q repeats value %q", job.Name, dim.Name, dup))
		}
	}
	return issues
}
