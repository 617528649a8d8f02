package diagram

import "github.com/rendis/flowpilot/pkg/schema"

// Model is the intermediate representation rendered by RenderMermaid.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one graph node, or the virtual start marker.
type Node struct {
	ID     string
	Label  string
	Kind   schema.NodeKind // empty for the virtual start node
	Status *StatusOverlay
}

// StatusOverlay carries what an instance did at a node.
type StatusOverlay struct {
	Outcome schema.StepOutcome // outcome of the latest visit
	Visits  int
	Error   string
}

// Edge is a routed handle between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

const startID = "__start__"
