package graph

import (
	"sort"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Graph is the immutable runtime view of a validated GraphDefinition.
// Built once per (graph id, version) and shared by every tick that runs it.
type Graph struct {
	ID        string
	Version   int
	Name      string
	Entry     string
	Nodes     map[string]*Node
	Variables []schema.VariableDefinition

	order    []string
	edges    map[edgeKey]string
	defaults map[string]any
}

// Node is a definition paired with its decoded config.
type Node struct {
	ID     string
	Kind   schema.NodeKind
	Label  string
	Config schema.NodeConfig

	def *schema.NodeDefinition
}

// DeclaresHandle reports whether h is one of the node's output handles.
func (n *Node) DeclaresHandle(h string) bool {
	return n.def.DeclaresHandle(h)
}

// Handles returns the node's declared output handles.
func (n *Node) Handles() []string {
	return n.def.Handles()
}

type edgeKey struct {
	from   string
	handle string
}

// Compile builds a Graph from def. It only re-checks what it needs to route:
// an entry node, decodable configs and edges between known nodes. Full
// validation is the job of the validation package at save time.
func Compile(def *schema.GraphDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeStructural, "graph definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeStructural, "graph %s has no nodes", def.ID)
	}

	g := &Graph{
		ID:        def.ID,
		Version:   def.Version,
		Name:      def.Name,
		Nodes:     make(map[string]*Node, len(def.Nodes)),
		Variables: def.Variables,
		order:     make([]string, 0, len(def.Nodes)),
		edges:     make(map[edgeKey]string, len(def.Edges)),
		defaults:  make(map[string]any, len(def.Variables)),
	}

	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if _, dup := g.Nodes[nd.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "duplicate node id %q", nd.ID)
		}
		cfg, err := schema.DecodeNodeConfig(nd.Kind, nd.Config)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "node %s: invalid config: %v", nd.ID, err).
				WithNode(nd.ID).WithCause(err)
		}
		g.Nodes[nd.ID] = &Node{ID: nd.ID, Kind: nd.Kind, Label: nd.Label, Config: cfg, def: nd}
		g.order = append(g.order, nd.ID)
		if nd.IsEntry {
			if g.Entry != "" {
				return nil, schema.NewErrorf(schema.ErrCodeStructural, "graph %s has more than one entry node", def.ID)
			}
			g.Entry = nd.ID
		}
	}
	if g.Entry == "" {
		return nil, schema.NewErrorf(schema.ErrCodeStructural, "graph %s has no entry node", def.ID)
	}

	for _, e := range def.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "edge from unknown node %q", e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "edge to unknown node %q", e.To)
		}
		k := edgeKey{from: e.From, handle: e.FromHandle}
		if _, dup := g.edges[k]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "handle %s.%s has more than one edge", e.From, e.FromHandle)
		}
		g.edges[k] = e.To
	}

	for _, v := range def.Variables {
		if v.DefaultValue != nil {
			g.defaults[v.Key] = v.DefaultValue
		}
	}

	return g, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Next returns the successor routed from (nodeID, handle). The second return
// is false when the handle has no edge: a dead end.
func (g *Graph) Next(nodeID, handle string) (string, bool) {
	to, ok := g.edges[edgeKey{from: nodeID, handle: handle}]
	return to, ok
}

// Defaults returns the declared variable defaults keyed by variable key.
func (g *Graph) Defaults() map[string]any {
	return g.defaults
}

// Order returns node ids in definition order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Successors returns the distinct nodes reachable from id in one edge, sorted.
func (g *Graph) Successors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for k, to := range g.edges {
		if k.from == id && !seen[to] {
			seen[to] = true
			out = append(out, to)
		}
	}
	sort.Strings(out)
	return out
}

// Reachable returns the set of nodes reachable from the entry node (BFS).
func (g *Graph) Reachable() map[string]bool {
	reachable := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Successors(cur) {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reachable
}
