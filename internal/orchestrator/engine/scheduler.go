// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"
	"maps"

	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

// Skip is a job the scheduler decided never to run.
type Skip struct {
	Job      string
	Upstream string
	Reason   string
}

// Plan is what the scheduler wants done after a state change.
type Plan struct {
	Start []string
	Skip  []Skip
}

// Empty reports whether the plan requires no action.
func (p Plan) Empty() bool { return len(p.Start) == 0 && len(p.Skip) == 0 }

// Scheduler is the worklist that drives a run. It owns the job-state map
// and is not safe for concurrent use: exactly one loop calls Next and
// Complete. It never looks at cells; the caller folds cell results into a
// job state before calling Complete.
//
// The scheduler is deterministic, so it is also used inside the Temporal
// pipeline workflow.
type Scheduler struct {
	graph       *Graph
	states      map[string]models.JobState
	skipReasons map[string]string
	dirty       map[string]bool
}

// NewScheduler returns a scheduler with every job pending.
func NewScheduler(g *Graph) *Scheduler {
	s := &Scheduler{
		graph:       g,
		states:      make(map[string]models.JobState, len(g.order)),
		skipReasons: make(map[string]string),
		dirty:       make(map[string]bool, len(g.order)),
	}
	for _, name := range g.order {
		s.states[name] = models.JobStatePending
		s.dirty[name] = true
	}
	return s
}

// Next evaluates the gate for every job whose dependencies changed since the
// last call. Jobs cleared to start are marked running; skipped jobs are
// marked skipped at once and their dependents are re-evaluated in the same
// pass, so a failure cascades through the whole downstream graph.
func (s *Scheduler) Next() Plan {
	var plan Plan
	// Topological order guarantees a skipped job's dependents are visited
	// after it within this loop.
	for _, name := range s.graph.topo {
		if !s.dirty[name] {
			continue
		}
		delete(s.dirty, name)
		if s.states[name] != models.JobStatePending {
			continue
		}

		res := s.graph.MayStart(name, s.states)
		switch res.Decision {
		case GateStart:
			s.states[name] = models.JobStateRunning
			plan.Start = append(plan.Start, name)
		case GateSkip:
			s.states[name] = models.JobStateSkipped
			s.skipReasons[name] = res.Reason
			plan.Skip = append(plan.Skip, Skip{Job: name, Upstream: res.Upstream, Reason: res.Reason})
			s.markDependentsDirty(name)
		}
	}
	return plan
}

// Complete records the terminal state of a running job.
func (s *Scheduler) Complete(job string, state models.JobState) error {
	current, ok := s.states[job]
	if !ok {
		return fmt.Errorf("%w: unknown job %s", ErrInvalidTransition, job)
	}
	if current != models.JobStateRunning {
		return fmt.Errorf("%w: job %s is %s, not running", ErrInvalidTransition, job, current)
	}
	if state != models.JobStateSuccess && state != models.JobStateFailure {
		return fmt.Errorf("%w: job %s cannot complete as %s", ErrInvalidTransition, job, state)
	}
	s.states[job] = state
	s.markDependentsDirty(job)
	return nil
}

func (s *Scheduler) markDependentsDirty(job string) {
	for _, d := range s.graph.nodes[job].dependents {
		s.dirty[d] = true
	}
}

// Done reports whether every job reached a terminal state.
func (s *Scheduler) Done() bool {
	for _, st := range s.states {
		if !st.Terminal() {
			return false
		}
	}
	return true
}

// State returns the current state of one job.
func (s *Scheduler) State(job string) models.JobState {
	return s.states[job]
}

// SkipReason returns why a job was skipped, or "".
func (s *Scheduler) SkipReason(job string) string {
	return s.skipReasons[job]
}

// States returns a copy of the job-state map.
func (s *Scheduler) States() map[string]models.JobState {
	return maps.Clone(s.states)
}

// Running returns the jobs currently dispatched, in topological order.
func (s *Scheduler) Running() []string {
	var out []string
	for _, name := range s.graph.topo {
		if s.states[name] == models.JobStateRunning {
			out = append(out, name)
		}
	}
	return out
}
