package sync

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// Node is one entity type in the dependency graph
type Node struct {
	Entity    string
	Tier      int
	DependsOn []string
	Task      Task
}

// Graph is a validated, tiered set of entity tasks
type Graph struct {
	nodes []Node
}

// NewGraph validates the nodes and orders them by tier, keeping declaration
// order within a tier. Every dependency must name a node in a strictly lower
// tier, so the graph cannot contain a cycle.
func NewGraph(nodes ...Node) (*Graph, error) {
	tiers := make(map[string]int, len(nodes))
	for _, n := range nodes {
		switch {
		case n.Entity == "":
			return nil, errors.New("graph node without an entity type")
		case n.Task == nil:
			return nil, fmt.Errorf("graph node %s has no task", n.Entity)
		case n.Tier < 0:
			return nil, fmt.Errorf("graph node %s has negative tier %d", n.Entity, n.Tier)
		}
		if _, dup := tiers[n.Entity]; dup {
			return nil, fmt.Errorf("duplicate graph node %s", n.Entity)
		}
		tiers[n.Entity] = n.Tier
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			depTier, ok := tiers[dep]
			if !ok {
				return nil, fmt.Errorf("graph node %s depends on unknown entity %s", n.Entity, dep)
			}
			if depTier >= n.Tier {
				return nil, fmt.Errorf("graph node %s (tier %d) depends on %s (tier %d) which does not run earlier",
					n.Entity, n.Tier, dep, depTier)
			}
		}
	}

	ordered := slices.Clone(nodes)
	slices.SortStableFunc(ordered, func(a, b Node) int { return cmp.Compare(a.Tier, b.Tier) })
	return &Graph{nodes: ordered}, nil
}

// Nodes returns the nodes in execution order
func (g *Graph) Nodes() []Node {
	return slices.Clone(g.nodes)
}

// Entities returns the entity types in execution order
func (g *Graph) Entities() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.Entity
	}
	return out
}
