// Package dag builds the dependency graph induced by a plan's
// depends_on edges and verifies it is acyclic.
package dag

import (
	"sort"
	"strings"

	"github.com/orch-dev/orch/internal/plan"
)

// Graph holds the dependency structure of a plan: for each task the
// set of tasks that depend on it (dependents) and the number of direct
// dependencies it waits for (in-degree).
type Graph struct {
	order      []string            // task ids in plan order
	Dependents map[string][]string // edges dep -> dependent
	InDegree   map[string]int
}

// Build computes adjacency and in-degree from the plan.
func Build(p *plan.Plan) *Graph {
	g := &Graph{
		order:      p.TaskIDs(),
		Dependents: make(map[string][]string, len(p.Tasks)),
		InDegree:   make(map[string]int, len(p.Tasks)),
	}
	for i := range p.Tasks {
		t := &p.Tasks[i]
		g.InDegree[t.ID] = len(t.DependsOn)
		if _, ok := g.Dependents[t.ID]; !ok {
			g.Dependents[t.ID] = nil
		}
		for _, dep := range t.DependsOn {
			g.Dependents[dep] = append(g.Dependents[dep], t.ID)
		}
	}
	return g
}

// TopoOrder runs a Kahn reduction and returns a topological order of
// all tasks. Ties are broken by plan order so the output is stable
// across invocations of the same plan. If any task cannot be reduced
// the residual set is reported as a cycle via *plan.Error.
func (g *Graph) TopoOrder() ([]string, error) {
	degrees := make(map[string]int, len(g.InDegree))
	for id, d := range g.InDegree {
		degrees[id] = d
	}

	planIdx := make(map[string]int, len(g.order))
	for i, id := range g.order {
		planIdx[id] = i
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if degrees[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		released := make([]string, 0, len(g.Dependents[current]))
		for _, next := range g.Dependents[current] {
			degrees[next]--
			if degrees[next] == 0 {
				released = append(released, next)
			}
		}
		sort.Slice(released, func(i, j int) bool {
			return planIdx[released[i]] < planIdx[released[j]]
		})
		queue = append(queue, released...)
	}

	if len(order) != len(g.order) {
		residual := make([]string, 0)
		for _, id := range g.order {
			if degrees[id] > 0 {
				residual = append(residual, id)
			}
		}
		return nil, plan.Errorf("plan has cyclic dependencies among: %s", strings.Join(residual, ", "))
	}
	return order, nil
}
