// Package engine drives one workflow execution from queue pickup to a
// settled status: graph validation, readiness scheduling, bounded
// parallelism, pause/resume and cancellation.
package engine

import (
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

// Graph is the validated, indexed form of a workflow DAG
type Graph struct {
	Workflow *models.Workflow
	nodes    map[string]*models.Node
	inbound  map[string][]models.Edge
	outbound map[string][]models.Edge
	// Order is a topological ordering of node ids, used for deterministic
	// scheduling and iteration
	Order []string
}

// BuildGraph validates a workflow and indexes it for scheduling. All
// violations surface as KindBadWorkflow faults.
func BuildGraph(wf *models.Workflow) (*Graph, error) {
	if len(wf.Nodes) == 0 {
		return nil, faults.New(faults.KindBadWorkflow, "workflow has no nodes")
	}

	g := &Graph{
		Workflow: wf,
		nodes:    make(map[string]*models.Node, len(wf.Nodes)),
		inbound:  make(map[string][]models.Edge),
		outbound: make(map[string][]models.Edge),
	}

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ID == "" {
			return nil, faults.New(faults.KindBadWorkflow, "node without an id")
		}
		if _, dup := g.nodes[node.ID]; dup {
			return nil, faults.New(faults.KindBadWorkflow, "duplicate node id %q", node.ID)
		}
		g.nodes[node.ID] = node
	}

	for _, edge := range wf.Edges {
		if edge.SourceNodeID == edge.TargetNodeID {
			return nil, faults.New(faults.KindBadWorkflow, "edge %q is a self-loop on %q", edge.ID, edge.SourceNodeID)
		}
		if _, ok := g.nodes[edge.SourceNodeID]; !ok {
			return nil, faults.New(faults.KindBadWorkflow, "edge %q references unknown source %q", edge.ID, edge.SourceNodeID)
		}
		if _, ok := g.nodes[edge.TargetNodeID]; !ok {
			return nil, faults.New(faults.KindBadWorkflow, "edge %q references unknown target %q", edge.ID, edge.TargetNodeID)
		}
		g.outbound[edge.SourceNodeID] = append(g.outbound[edge.SourceNodeID], edge)
		g.inbound[edge.TargetNodeID] = append(g.inbound[edge.TargetNodeID], edge)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.Order = order

	for _, id := range order {
		node := g.nodes[id]
		if len(g.inbound[id]) == 0 && node.BlockType != models.BlockTrigger {
			return nil, faults.New(faults.KindBadWorkflow, "node %q has no inbound edges and is not a trigger", id)
		}
	}
	return g, nil
}

// topoSort is Kahn's algorithm; a leftover node means a cycle
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for _, node := range g.Workflow.Nodes {
		indegree[node.ID] = len(g.inbound[node.ID])
	}

	var frontier []string
	for _, node := range g.Workflow.Nodes {
		if indegree[node.ID] == 0 {
			frontier = append(frontier, node.ID)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, edge := range g.outbound[id] {
			indegree[edge.TargetNodeID]--
			if indegree[edge.TargetNodeID] == 0 {
				frontier = append(frontier, edge.TargetNodeID)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, faults.New(faults.KindBadWorkflow, "workflow contains a cycle")
	}
	return order, nil
}

// Node returns the node with the given id
func (g *Graph) Node(id string) *models.Node {
	return g.nodes[id]
}

// Inbound returns the edges entering a node
func (g *Graph) Inbound(id string) []models.Edge {
	return g.inbound[id]
}

// Terminal reports whether the node has no outbound edges; terminal node
// outputs form the execution's output document.
func (g *Graph) Terminal(id string) bool {
	return len(g.outbound[id]) == 0
}
