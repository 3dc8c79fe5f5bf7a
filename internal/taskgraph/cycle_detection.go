package taskgraph

import (
	"fmt"
	"strings"
)

// CycleError reports the dependency loop that made a graph invalid.
type CycleError struct {
	Path []string // first id is repeated at the end
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

const (
	white = iota // unvisited
	gray         // on the current DFS stack
	black        // fully explored
)

// DetectCycle runs a DFS with three-color marking over the dependency edges
// and returns the first cycle found, or nil. Nodes are visited in the given
// order so the reported cycle is deterministic. A self-dependency is a cycle.
func DetectCycle(ids []string, deps func(id string) []string) []string {
	colors := make(map[string]int, len(ids))
	stack := make([]string, 0, len(ids))

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)

		for _, dep := range deps(id) {
			switch colors[dep] {
			case gray:
				// back edge: the cycle is the stack suffix starting at dep
				for i, n := range stack {
					if n == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
				return []string{dep, dep}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, id := range ids {
		if colors[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
