// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"

	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

// GateDecision is the dependency gate's verdict for a pending job.
type GateDecision int

const (
	GateWait GateDecision = iota
	GateStart
	GateSkip
)

func (d GateDecision) String() string {
	switch d {
	case GateWait:
		return "wait"
	case GateStart:
		return "start"
	case GateSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// GateResult carries the decision and, for skips, the upstream job responsible.
type GateResult struct {
	Decision GateDecision
	Upstream string
	Reason   string
}

// MayStart applies the dependency gate to job given a snapshot of job
// states. A job starts only when every dependency succeeded and is skipped
// as soon as any dependency failed or was itself skipped.
func (g *Graph) MayStart(job string, states map[string]models.JobState) GateResult {
	deps := g.Dependencies(job)

	for _, dep := range deps {
		switch states[dep] {
		case models.JobStateFailure:
			return GateResult{Decision: GateSkip, Upstream: dep, Reason: fmt.Sprintf("dependency %s failed", dep)}
		case models.JobStateSkipped:
			return GateResult{Decision: GateSkip, Upstream: dep, Reason: fmt.Sprintf("dependency %s was skipped", dep)}
		}
	}

	for _, dep := range deps {
		if states[dep] != models.JobStateSuccess {
			return GateResult{Decision: GateWait, Upstream: dep}
		}
	}
	return GateResult{Decision: GateStart}
}
