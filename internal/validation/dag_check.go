package validation

import (
	"fmt"

	"github.com/rendis/flowpilot/pkg/schema"
)

// validateReachability warns about nodes no path from the entry node can
// reach. Cycles are legal: bounded polling loops are guarded at run time by
// the step ceiling, so they are not reported here.
func validateReachability(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	var entry string
	adjacency := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.IsEntry {
			entry = n.ID
		}
	}
	if entry == "" {
		return result // reported by the semantic stage
	}
	for _, e := range def.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	reachable := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i, n := range def.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeStructural,
				fmt.Sprintf("node %q is unreachable from entry node %q", n.ID, entry))
		}
	}
	return result
}
