package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrGraph marks a structurally invalid workflow. Runs that fail graph
// validation are rejected before any step is invoked.
var ErrGraph = errors.New("engine: invalid workflow graph")

// graph is the validated dependency structure of one workflow.
type graph struct {
	steps      map[string]StepSpec
	dependents map[string][]string
	// order holds step ids sorted ascending; dispatch ties break in
	// this order.
	order []string
}

// buildGraph validates spec and returns its dependency structure.
// hasCapability reports whether the local registry can serve a
// capability name.
func buildGraph(spec WorkflowSpec, hasCapability func(name string) bool) (*graph, error) {
	if strings.TrimSpace(spec.RunID) == "" {
		return nil, fmt.Errorf("%w: missing run id", ErrGraph)
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("%w: run %q has no steps", ErrGraph, spec.RunID)
	}

	g := &graph{
		steps:      make(map[string]StepSpec, len(spec.Steps)),
		dependents: make(map[string][]string),
	}
	for _, step := range spec.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: step with empty id", ErrGraph)
		}
		if _, dup := g.steps[id]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %q", ErrGraph, id)
		}
		if step.RetryBudget < 0 {
			return nil, fmt.Errorf("%w: step %q has negative retry budget", ErrGraph, id)
		}
		if hasCapability != nil && !hasCapability(step.Capability) {
			return nil, fmt.Errorf("%w: step %q needs unknown capability %q", ErrGraph, id, step.Capability)
		}
		g.steps[id] = step
		g.order = append(g.order, id)
	}
	sort.Strings(g.order)

	for id, step := range g.steps {
		for _, dep := range step.DependsOn {
			if dep == id {
				return nil, fmt.Errorf("%w: step %q depends on itself", ErrGraph, id)
			}
			if _, ok := g.steps[dep]; !ok {
				return nil, fmt.Errorf("%w: step %q depends on unknown step %q", ErrGraph, id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if err := g.checkAcyclic(spec.RunID); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency edges.
func (g *graph) checkAcyclic(runID string) error {
	indegree := make(map[string]int, len(g.steps))
	for id, step := range g.steps {
		indegree[id] = len(step.DependsOn)
	}
	queue := make([]string, 0, len(g.steps))
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.steps) {
		return fmt.Errorf("%w: run %q contains a dependency cycle", ErrGraph, runID)
	}
	return nil
}
