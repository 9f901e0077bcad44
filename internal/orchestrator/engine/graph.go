// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"
	"strings"

	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/samber/lo"
)

// Graph is a validated job dependency graph. Edges point from a job to the
// jobs that depend on it. A Graph is immutable once built.
type Graph struct {
	pipeline string
	nodes    map[string]*node
	order    []string // declaration order
	topo     []string
}

type node struct {
	job        models.JobDefinition
	cells      []models.MatrixCell
	deps       []string
	dependents []string
}

// NewGraph validates a pipeline and builds its graph. Every problem found is
// reported in a single ConfigurationError.
func NewGraph(p models.Pipeline) (*Graph, error) {
	g := &Graph{
		pipeline: p.Name,
		nodes:    make(map[string]*node, len(p.Jobs)),
	}
	var issues []string

	if len(p.Jobs) == 0 {
		issues = append(issues, "pipeline defines no jobs")
	}

	for _, job := range p.Jobs {
		if job.Name == "" {
			issues = append(issues, "job without a name")
			continue
		}
		if _, exists := g.nodes[job.Name]; exists {
			issues = append(issues, fmt.Sprintf("job %s defined more than once", job.Name))
			continue
		}
		n := &node{job: job}
		cells, err := Expand(job)
		if err != nil {
			issues = append(issues, err.(*ConfigurationError).Issues...)
		}
		n.cells = cells
		issues = append(issues, stepIssues(job)...)

		g.nodes[job.Name] = n
		g.order = append(g.order, job.Name)
	}

	for _, name := range g.order {
		n := g.nodes[name]
		for _, dup := range lo.FindDuplicates(n.job.Needs) {
			issues = append(issues, fmt.Sprintf("job %s lists dependency %s more than once", name, dup))
		}
		for _, dep := range lo.Uniq(n.job.Needs) {
			if dep == name {
				issues = append(issues, fmt.Sprintf("job %s depends on itself", name))
				continue
			}
			upstream, ok := g.nodes[dep]
			if !ok {
				issues = append(issues, fmt.Sprintf("job %s depends on unknown job %s", name, dep))
				continue
			}
			n.deps = append(n.deps, dep)
			upstream.dependents = append(upstream.dependents, name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		issues = append(issues, "dependency cycle: "+strings.Join(cycle, " -> "))
	}

	if len(issues) > 0 {
		return nil, &ConfigurationError{Pipeline: p.Name, Issues: issues}
	}

	g.topo = g.topologicalOrder()
	return g, nil
}

func stepIssues(job models.JobDefinition) []string {
	var issues []string
	if len(job.Steps) == 0 {
		issues = append(issues, fmt.Sprintf("job %s has no steps", job.Name))
	}
	for i, step := range job.Steps {
		label := step.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if !lo.Contains(models.KnownStepKinds, step.Uses) {
			issues = append(issues, fmt.Sprintf("job %s step %s: unknown step kind %q", job.Name, label, step.Uses))
		}
		if step.Uses == models.StepRun && strings.TrimSpace(step.Run) == "" {
			issues = append(issues, fmt.Sprintf("job %s step %s: run step without a command", job.Name, label))
		}
		if step.If != nil && !job.Matrix.Has(step.If.Dimension) {
			issues = append(issues, fmt.Sprintf("job %s step %s: predicate refers to undeclared dimension %q",
				job.Name, label, step.If.Dimension))
		}
		if step.Timeout < 0 {
			issues = append(issues, fmt.Sprintf("job %s step %s: negative timeout", job.Name, label))
		}
	}
	return issues
}

// findCycle runs a three-colour DFS and returns the first cycle found as a
// path that starts and ends on the same job.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		colour[name] = grey
		stack = append(stack, name)
		for _, next := range g.nodes[name].dependents {
			switch colour[next] {
			case grey:
				start := lo.IndexOf(stack, next)
				return append(append([]string{}, stack[start:]...), next)
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[name] = black
		return nil
	}

	for _, name := range g.order {
		if colour[name] == white {
			if c := visit(name); c != nil {
				return c
			}
		}
	}
	return nil
}

// topologicalOrder is Kahn's algorithm seeded and drained in declaration
// order, so the result is deterministic.
func (g *Graph) topologicalOrder() []string {
	indegree := make(map[string]int, len(g.nodes))
	for _, name := range g.order {
		indegree[name] = len(g.nodes[name].deps)
	}

	var queue, out []string
	for _, name := range g.order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, name)
		for _, d := range g.nodes[name].dependents {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	return out
}

// Pipeline returns the name of the pipeline the graph was built from.
func (g *Graph) Pipeline() string { return g.pipeline }

// Jobs returns job names in declaration order.
func (g *Graph) Jobs() []string { return append([]string(nil), g.order...) }

// TopologicalOrder returns job names such that every job follows all of its dependencies.
func (g *Graph) TopologicalOrder() []string { return append([]string(nil), g.topo...) }

// Job returns the definition of a job.
func (g *Graph) Job(name string) (models.JobDefinition, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return models.JobDefinition{}, false
	}
	return n.job, true
}

// Cells returns the expanded matrix cells of a job.
func (g *Graph) Cells(name string) []models.MatrixCell {
	if n, ok := g.nodes[name]; ok {
		return n.cells
	}
	return nil
}

// Dependencies returns the jobs name depends on.
func (g *Graph) Dependencies(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return append([]string(nil), n.deps...)
	}
	return nil
}

// Dependents returns the jobs that depend on name.
func (g *Graph) Dependents(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return append([]string(nil), n.dependents...)
	}
	return nil
}

// Roots returns the jobs with no dependencies.
func (g *Graph) Roots() []string {
	return lo.Filter(g.order, func(name string, _ int) bool { return len(g.nodes[name].deps) == 0 })
}

// Stages groups jobs by dependency depth: stage 0 holds the roots, stage n
// the jobs whose deepest dependency is in stage n-1.
func (g *Graph) Stages() [][]string {
	depth := make(map[string]int, len(g.nodes))
	maxDepth := 0
	for _, name := range g.topo {
		d := 0
		for _, dep := range g.nodes[name].deps {
			d = max(d, depth[dep]+1)
		}
		depth[name] = d
		maxDepth = max(maxDepth, d)
	}

	stages := make([][]string, maxDepth+1)
	for _, name := range g.order {
		stages[depth[name]] = append(stages[depth[name]], name)
	}
	return stages
}

// CellCount is the total number of cells across all jobs.
func (g *Graph) CellCount() int {
	return lo.SumBy(g.order, func(name string) int { return len(g.nodes[name].cells) })
}
