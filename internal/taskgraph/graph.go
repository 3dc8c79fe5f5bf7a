// Package taskgraph holds decomposed tasks and their dependency edges.
package taskgraph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Kocoro-lab/orchestra/internal/models"
)

var (
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrEmptyGraph        = errors.New("graph has no tasks")
)

// Graph is an immutable, validated DAG of tasks.
type Graph struct {
	tasks      map[string]*models.Task
	order      []string // insertion order, used for deterministic tie-breaks
	dependents map[string][]string

	// PreferredMode is an optional execution-mode hint set by compound
	// decomposition patterns. Empty means the builder decides structurally.
	PreferredMode string
	// Pattern names the decomposition pattern that produced the graph.
	Pattern string
}

// New validates tasks and builds a graph. It fails fast with
// ErrCyclicDependency when the dependency edges do not form a DAG.
func New(tasks []models.Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyGraph
	}

	g := &Graph{
		tasks:      make(map[string]*models.Task, len(tasks)),
		order:      make([]string, 0, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			return nil, fmt.Errorf("task at index %d has empty id", i)
		}
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		t.Priority = models.ClampPriority(t.Priority)
		t.Dependencies = append([]string(nil), t.Dependencies...)
		g.tasks[t.ID] = &t
		g.order = append(g.order, t.ID)
	}

	for _, id := range g.order {
		t := g.tasks[id]
		for _, dep := range t.Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if cycle := DetectCycle(g.order, g.deps); len(cycle) > 0 {
		return nil, &CycleError{Path: cycle}
	}
	return g, nil
}

func (g *Graph) deps(id string) []string {
	if t, ok := g.tasks[id]; ok {
		return t.Dependencies
	}
	return nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// IDs returns task ids in insertion order.
func (g *Graph) IDs() []string { return append([]string(nil), g.order...) }

// Task returns the task with the given id. The returned pointer is shared and
// must be treated as read-only.
func (g *Graph) Task(id string) (*models.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Dependents returns ids of tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// TopologicalOrder returns all ids such that every task follows its
// dependencies. Ready tasks are emitted in insertion order.
func (g *Graph) TopologicalOrder() []string {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.tasks[id].Dependencies)
	}
	position := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}

	ready := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		sorted = append(sorted, current)
		for _, dependent := range g.dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				sort.SliceStable(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
			}
		}
	}
	return sorted
}

// Levels groups tasks by longest dependency depth: level 0 has no
// dependencies, level n depends on at least one task at level n-1.
// Tasks within a level never depend on each other.
func (g *Graph) Levels() [][]string {
	depth := make(map[string]int, len(g.order))
	maxDepth := 0
	for _, id := range g.TopologicalOrder() {
		d := 0
		for _, dep := range g.tasks[id].Dependencies {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range g.order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// IsIndependent reports whether no task declares any dependency.
func (g *Graph) IsIndependent() bool {
	for _, id := range g.order {
		if len(g.tasks[id].Dependencies) > 0 {
			return false
		}
	}
	return true
}

// IsSingleChain reports whether the tasks form one linear chain: exactly one
// root, and every task has at most one dependency and at most one dependent.
func (g *Graph) IsSingleChain() bool {
	if len(g.order) < 2 {
		return false
	}
	roots := 0
	for _, id := range g.order {
		deps := len(g.tasks[id].Dependencies)
		if deps == 0 {
			roots++
		}
		if deps > 1 || len(g.dependents[id]) > 1 {
			return false
		}
	}
	return roots == 1
}

// HasFanOut reports whether some dependency set is shared by more than one
// task, i.e. several siblings wait on exactly the same prerequisites.
func (g *Graph) HasFanOut() bool {
	groups := make(map[string]int)
	for _, id := range g.order {
		deps := g.tasks[id].Dependencies
		if len(deps) == 0 {
			continue
		}
		key := dependencyKey(deps)
		groups[key]++
		if groups[key] > 1 {
			return true
		}
	}
	return false
}

func dependencyKey(deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	key := ""
	for i, d := range sorted {
		if i > 0 {
			key += "\x00"
		}
		key += d
	}
	return key
}
