// Package graph builds and validates the job dependency DAG derived from
// needs relationships, and computes the deterministic execution order.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/gantry/internal/workflow"
)

// CycleError reports a dependency cycle as the ordered list of job
// identifiers forming it.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(append(append([]string{}, e.Cycle...), e.Cycle[0]), " -> "))
}

// Graph is the resolved dependency structure of one workflow.
type Graph struct {
	// Order is a valid topological order; ties between independent jobs
	// are broken by declaration order so scheduling is reproducible.
	Order []string

	successors   map[string][]string
	predecessors map[string][]string
}

// Resolve validates the needs edges of a workflow and computes its
// execution order. It fails before any job executes on unknown references,
// self-dependencies, and cycles.
func Resolve(wf *workflow.Workflow) (*Graph, error) {
	g := &Graph{
		successors:   make(map[string][]string, len(wf.Jobs)),
		predecessors: make(map[string][]string, len(wf.Jobs)),
	}

	index := make(map[string]int, len(wf.Jobs))
	for _, job := range wf.Jobs {
		index[job.ID] = job.Index
		g.successors[job.ID] = nil
		g.predecessors[job.ID] = nil
	}

	for _, job := range wf.Jobs {
		for _, dep := range job.Needs {
			if dep == job.ID {
				return nil, fmt.Errorf("job %q depends on itself", job.ID)
			}
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("job %q needs unknown job %q", job.ID, dep)
			}
			g.successors[dep] = append(g.successors[dep], job.ID)
			g.predecessors[job.ID] = append(g.predecessors[job.ID], dep)
		}
	}

	if cycle := findCycle(wf, g.successors); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	g.Order = topoOrder(wf, g, index)

	// Keep successor/predecessor lists in declaration order too, so every
	// downstream iteration is deterministic.
	for id := range g.successors {
		sortByIndex(g.successors[id], index)
	}
	for id := range g.predecessors {
		sortByIndex(g.predecessors[id], index)
	}
	return g, nil
}

// Successors returns the jobs that declare a needs edge on id.
func (g *Graph) Successors(id string) []string { return g.successors[id] }

// Predecessors returns the jobs id declares needs edges on.
func (g *Graph) Predecessors(id string) []string { return g.predecessors[id] }

// findCycle runs a DFS with an explicit stack so the offending cycle can be
// reported as a path, not just detected.
func findCycle(wf *workflow.Workflow, successors map[string][]string) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(successors))

	var walk func(id string, stack []string) []string
	walk = func(id string, stack []string) []string {
		switch state[id] {
		case done:
			return nil
		case visiting:
			idx := 0
			for i := range stack {
				if stack[i] == id {
					idx = i
					break
				}
			}
			return append([]string{}, stack[idx:]...)
		}

		state[id] = visiting
		stack = append(stack, id)
		for _, next := range successors[id] {
			if cycle := walk(next, stack); cycle != nil {
				return cycle
			}
		}
		state[id] = done
		return nil
	}

	for _, job := range wf.Jobs {
		if cycle := walk(job.ID, nil); cycle != nil {
			return cycle
		}
	}
	return nil
}

// topoOrder is Kahn's algorithm with a declaration-order frontier: whenever
// more than one job is ready, the one declared first is emitted first.
func topoOrder(wf *workflow.Workflow, g *Graph, index map[string]int) []string {
	inDegree := make(map[string]int, len(index))
	for id, preds := range g.predecessors {
		inDegree[id] = len(preds)
	}

	var frontier []string
	for _, job := range wf.Jobs {
		if inDegree[job.ID] == 0 {
			frontier = append(frontier, job.ID)
		}
	}

	order := make([]string, 0, len(index))
	for len(frontier) > 0 {
		sortByIndex(frontier, index)
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		for _, next := range g.successors[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	return order
}

func sortByIndex(ids []string, index map[string]int) {
	sort.Slice(ids, func(i, j int) bool { return index[ids[i]] < index[ids[j]] })
}
