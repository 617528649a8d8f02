package diagram

import (
	"fmt"

	"github.com/rendis/flowpilot/internal/graph"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Build constructs a Model from a graph definition and an optional step
// history. Nodes keep definition order; a virtual start node points at the
// entry. When history is given, each visited node carries the outcome of its
// latest visit.
func Build(def *schema.GraphDefinition, history []*store.StepRecord) (*Model, error) {
	g, err := graph.Compile(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: compile graph: %w", err)
	}

	overlays := make(map[string]*StatusOverlay)
	for _, rec := range history {
		ov, ok := overlays[rec.NodeID]
		if !ok {
			ov = &StatusOverlay{}
			overlays[rec.NodeID] = ov
		}
		ov.Visits++
		ov.Outcome = rec.Outcome
		ov.Error = ""
		if rec.Error != nil {
			ov.Error = rec.Error.Message
		}
	}

	nodes := make([]*Node, 0, len(g.Nodes)+1)
	nodes = append(nodes, &Node{ID: startID, Label: "Start"})
	for _, id := range g.Order() {
		n, _ := g.Node(id)
		nodes = append(nodes, &Node{
			ID:     id,
			Label:  nodeLabel(n),
			Kind:   n.Kind,
			Status: overlays[id],
		})
	}

	edges := make([]Edge, 0, len(def.Edges)+1)
	edges = append(edges, Edge{From: startID, To: g.Entry})
	for _, e := range def.Edges {
		edges = append(edges, Edge{From: e.From, To: e.To, Label: e.FromHandle})
	}

	return &Model{Title: titleFromDef(def), Nodes: nodes, Edges: edges}, nil
}

// nodeLabel prefers the operator's label, then the id.
func nodeLabel(n *graph.Node) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

func titleFromDef(def *schema.GraphDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}
