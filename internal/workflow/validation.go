package workflow

import (
	"fmt"
	"strings"
)

// CycleCheck is the result of dependency cycle detection over a definition's
// steps.
type CycleCheck struct {
	HasCycle    bool
	CyclePath   []string
	SortedOrder []string
}

// Validate checks a definition before admission: non-empty steps and agents,
// resolvable agent ids, resolvable dependency references, and an acyclic
// dependency graph.
func Validate(def *Definition) error {
	if def == nil {
		return NewValidationError("definition is nil", "")
	}
	if len(def.Steps) == 0 {
		return NewValidationError("workflow has no steps", def.ID)
	}
	if len(def.Agents) == 0 {
		return NewValidationError("workflow declares no agents", def.ID)
	}

	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return NewValidationError("step has empty id", def.ID)
		}
		if seen[step.ID] {
			return NewValidationError("duplicate step id", step.ID)
		}
		seen[step.ID] = true
		if def.AgentByID(step.AgentID) == nil {
			return NewValidationError("step references unknown agent", fmt.Sprintf("%s -> %s", step.ID, step.AgentID))
		}
	}
	for i := range def.Steps {
		for _, dep := range def.Steps[i].Dependencies {
			if dep == def.Steps[i].ID {
				return NewValidationError("step depends on itself", def.Steps[i].ID)
			}
			if !seen[dep] {
				return NewValidationError("step depends on unknown step", fmt.Sprintf("%s -> %s", def.Steps[i].ID, dep))
			}
		}
	}

	check := DetectCycles(def.Steps)
	if check.HasCycle {
		return NewValidationError(
			fmt.Sprintf("circular dependency detected involving steps: %s", strings.Join(check.CyclePath, " -> ")),
			def.ID,
		)
	}
	return nil
}

// DetectCycles runs Kahn's algorithm over the step dependency graph. When no
// cycle exists, SortedOrder is a valid topological order of all step ids.
func DetectCycles(steps []Step) CycleCheck {
	if len(steps) == 0 {
		return CycleCheck{SortedOrder: []string{}}
	}

	inDegree := make(map[string]int, len(steps))
	// graph maps a step to the steps that depend on it
	graph := make(map[string][]string, len(steps))
	known := make(map[string]bool, len(steps))

	for i := range steps {
		known[steps[i].ID] = true
		if _, ok := inDegree[steps[i].ID]; !ok {
			inDegree[steps[i].ID] = 0
		}
	}
	for i := range steps {
		id := steps[i].ID
		for _, dep := range steps[i].Dependencies {
			if dep == id || !known[dep] {
				// self-references and unknown deps are reported by Validate,
				// not treated as cycles
				continue
			}
			graph[dep] = append(graph[dep], id)
			inDegree[id]++
		}
	}

	var queue []string
	// seed in definition order so the sorted order is stable
	for i := range steps {
		if inDegree[steps[i].ID] == 0 {
			queue = append(queue, steps[i].ID)
		}
	}

	sorted := make([]string, 0, len(steps))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)
		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(known) {
		return CycleCheck{SortedOrder: sorted}
	}

	var cycleNodes []string
	for i := range steps {
		if inDegree[steps[i].ID] > 0 {
			cycleNodes = append(cycleNodes, steps[i].ID)
		}
	}
	return CycleCheck{HasCycle: true, CyclePath: findCyclePath(graph, cycleNodes)}
}

// findCyclePath walks the residual graph to report the actual cycle when one
// can be traced; otherwise it falls back to the unresolved node set.
func findCyclePath(graph map[string][]string, cycleNodes []string) []string {
	if len(cycleNodes) == 0 {
		return nil
	}
	inCycle := make(map[string]bool, len(cycleNodes))
	for _, n := range cycleNodes {
		inCycle[n] = true
	}

	var visited map[string]bool
	var dfs func(node string, path []string) []string
	dfs = func(node string, path []string) []string {
		if visited[node] {
			for i, n := range path {
				if n == node {
					return append(path[i:], node)
				}
			}
			return nil
		}
		if !inCycle[node] {
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for _, next := range graph[node] {
			if inCycle[next] {
				if found := dfs(next, path); found != nil {
					return found
				}
			}
		}
		return nil
	}

	for _, start := range cycleNodes {
		visited = make(map[string]bool)
		if found := dfs(start, nil); len(found) > 1 {
			return found
		}
	}
	return cycleNodes
}
