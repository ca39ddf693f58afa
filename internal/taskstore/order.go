package taskstore

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// DependencyOrder returns task ids ordered so that every task follows the
// tasks in its blockedBy list. References to tasks outside the set are
// ignored; the links are informational and never enforced at dispatch.
func DependencyOrder(tasks []Task) ([]string, error) {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		linked := false
		for _, dep := range t.BlockedBy {
			if !known[dep] || dep == t.ID {
				continue
			}
			edges = append(edges, toposort.Edge{dep, t.ID})
			linked = true
		}
		if !linked {
			// Root task: anchor it so it appears in the result.
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, err)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(tasks) {
		return nil, fmt.Errorf("%w: ordered %d of %d tasks", ErrDependencyCycle, len(order), len(tasks))
	}
	return order, nil
}
