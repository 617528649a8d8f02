package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// semanticChecker carries the compilers used to check node configs.
// Either may be nil to skip the corresponding check.
type semanticChecker struct {
	predicates ExpressionChecker
	paths      PathChecker
}

// validateSemantic checks what JSON Schema cannot express: entry node,
// unique ids, kind-specific configs, handles, edges and variable keys.
func (sc *semanticChecker) validateSemantic(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.NodeDefinition, len(def.Nodes))
	var entries []string
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if _, dup := nodes[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeStructural,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n
		if n.IsEntry {
			entries = append(entries, n.ID)
		}
		sc.validateNode(n, path, result)
	}

	switch len(entries) {
	case 0:
		result.AddError("nodes", schema.ErrCodeStructural, "graph has no entry node")
	case 1:
	default:
		result.AddError("nodes", schema.ErrCodeStructural,
			fmt.Sprintf("graph has %d entry nodes %v; exactly one is required", len(entries), entries))
	}

	validateEdges(def.Edges, nodes, result)
	declared := validateVariables(def.Variables, result)
	validateTemplateKeys(def, declared, result)

	return result
}

// validateNode checks a single node's kind, handles and config.
func (sc *semanticChecker) validateNode(n *schema.NodeDefinition, path string, result *schema.ValidationResult) {
	if !schema.KnownKind(n.Kind) {
		result.AddError(path+".kind", schema.ErrCodeStructural,
			fmt.Sprintf("unknown node kind %q", n.Kind))
		return
	}

	spec := schema.KindHandles(n.Kind)
	allowed := make(map[string]bool, len(spec.Defaults)+len(spec.Optional))
	for _, h := range spec.Defaults {
		allowed[h] = true
	}
	for _, h := range spec.Optional {
		allowed[h] = true
	}
	seen := make(map[string]bool, len(n.OutputHandles))
	for j, h := range n.OutputHandles {
		hp := fmt.Sprintf("%s.output_handles[%d]", path, j)
		if !allowed[h] {
			result.AddError(hp, schema.ErrCodeStructural,
				fmt.Sprintf("%s node cannot declare handle %q", n.Kind, h))
		}
		if seen[h] {
			result.AddError(hp, schema.ErrCodeStructural,
				fmt.Sprintf("handle %q declared twice", h))
		}
		seen[h] = true
	}

	cfg, err := schema.DecodeNodeConfig(n.Kind, n.Config)
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeStructural,
			fmt.Sprintf("invalid %s config: %v", n.Kind, err))
		return
	}
	sc.validateConfig(cfg, path+".config", result)
}

func (sc *semanticChecker) validateConfig(cfg schema.NodeConfig, path string, result *schema.ValidationResult) {
	switch c := cfg.(type) {
	case schema.HTTPRequestConfig:
		if c.URL == "" {
			result.AddError(path+".url", schema.ErrCodeStructural, "url is required")
		}
		switch c.Method {
		case "", "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
		default:
			result.AddError(path+".method", schema.ErrCodeStructural,
				fmt.Sprintf("unsupported method %q", c.Method))
		}
		if c.Timeout != "" {
			if d, err := time.ParseDuration(c.Timeout); err != nil || d <= 0 {
				result.AddError(path+".timeout", schema.ErrCodeStructural,
					fmt.Sprintf("invalid timeout %q", c.Timeout))
			}
		}
		for i, rule := range c.ExtractVariables {
			rp := fmt.Sprintf("%s.extract_variables[%d]", path, i)
			checkWritableKey(rule.Key, rp+".key", result)
			if sc.paths != nil {
				if err := sc.paths.Compile(expressions.NormalizePath(rule.Path)); err != nil {
					result.AddError(rp+".path", schema.ErrCodeStructural,
						fmt.Sprintf("invalid extraction path %q: %v", rule.Path, err))
				}
			}
		}

	case schema.ConditionConfig:
		if c.Expression != "" {
			if sc.predicates != nil {
				if err := sc.predicates.Compile(c.Engine, c.Expression); err != nil {
					result.AddError(path+".expression", schema.ErrCodeStructural, err.Error())
				}
			}
			return
		}
		if !schema.ValidOperator(c.Operator) {
			result.AddError(path+".operator", schema.ErrCodeStructural,
				fmt.Sprintf("unknown operator %q", c.Operator))
		}

	case schema.SetVariableConfig:
		all := c.All()
		if len(all) == 0 {
			result.AddError(path, schema.ErrCodeStructural, "set_variable requires at least one assignment")
		}
		for i, a := range all {
			checkWritableKey(a.Key, fmt.Sprintf("%s.assignments[%d].key", path, i), result)
		}

	case schema.TerminalConfig:
		if c.Status != schema.InstanceStatusCompleted && c.Status != schema.InstanceStatusFailed {
			result.AddError(path+".status", schema.ErrCodeStructural,
				fmt.Sprintf("terminal status must be completed or failed, got %q", c.Status))
		}

	case schema.WaitForEventConfig:
		// An empty correlation key is allowed: a token is generated.
	}
}

// validateEdges checks edge endpoints, declared handles and fan-out.
func validateEdges(edges []schema.EdgeDefinition, nodes map[string]*schema.NodeDefinition, result *schema.ValidationResult) {
	routed := make(map[string]int, len(edges))
	for i, e := range edges {
		path := fmt.Sprintf("edges[%d]", i)
		from, ok := nodes[e.From]
		if !ok {
			result.AddError(path+".from", schema.ErrCodeStructural,
				fmt.Sprintf("references non-existent node %q", e.From))
			continue
		}
		if _, ok := nodes[e.To]; !ok {
			result.AddError(path+".to", schema.ErrCodeStructural,
				fmt.Sprintf("references non-existent node %q", e.To))
		}
		if from.Kind == schema.NodeKindTerminal {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("terminal node %q cannot have outgoing edges", e.From))
			continue
		}
		if !from.DeclaresHandle(e.FromHandle) {
			result.AddError(path+".from_handle", schema.ErrCodeStructural,
				fmt.Sprintf("node %q does not declare handle %q", e.From, e.FromHandle))
			continue
		}
		key := e.From + "." + e.FromHandle
		if first, dup := routed[key]; dup {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("handle %s already routed by edges[%d]", key, first))
			continue
		}
		routed[key] = i
	}
}

// validateVariables checks key format, uniqueness and the reserved prefix.
// It returns the set of declared keys.
func validateVariables(vars []schema.VariableDefinition, result *schema.ValidationResult) map[string]bool {
	declared := make(map[string]bool, len(vars))
	for i, v := range vars {
		path := fmt.Sprintf("variables[%d].key", i)
		if !schema.VariableKeyPattern.MatchString(v.Key) {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("variable key %q must match %s", v.Key, schema.VariableKeyPattern))
			continue
		}
		if schema.IsReservedKey(v.Key) {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("variable key %q uses the reserved %q prefix", v.Key, schema.ReservedVariablePrefix))
			continue
		}
		if declared[v.Key] {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("duplicate variable key %q", v.Key))
			continue
		}
		declared[v.Key] = true
	}
	return declared
}

func checkWritableKey(key, path string, result *schema.ValidationResult) {
	switch {
	case !schema.VariableKeyPattern.MatchString(key):
		result.AddError(path, schema.ErrCodeStructural,
			fmt.Sprintf("variable key %q must match %s", key, schema.VariableKeyPattern))
	case schema.IsReservedKey(key):
		result.AddError(path, schema.ErrCodeStructural,
			fmt.Sprintf("variable key %q uses the reserved %q prefix", key, schema.ReservedVariablePrefix))
	}
}

// validateTemplateKeys warns about {{key}} references that no declaration,
// node output or event binding can satisfy. They resolve to "" at run time.
func validateTemplateKeys(def *schema.GraphDefinition, declared map[string]bool, result *schema.ValidationResult) {
	known := make(map[string]bool, len(declared))
	for k := range declared {
		known[k] = true
	}
	var templates []struct{ path, text string }
	add := func(path, text string) {
		if text != "" {
			templates = append(templates, struct{ path, text string }{path, text})
		}
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d].config", i)
		cfg, err := schema.DecodeNodeConfig(n.Kind, n.Config)
		if err != nil {
			continue
		}
		switch c := cfg.(type) {
		case schema.HTTPRequestConfig:
			for _, r := range c.ExtractVariables {
				known[r.Key] = true
			}
			add(path+".method", c.Method)
			add(path+".url", c.URL)
			add(path+".body", string(c.Body))
			hk := make([]string, 0, len(c.Headers))
			for h := range c.Headers {
				hk = append(hk, h)
			}
			sort.Strings(hk)
			for _, h := range hk {
				add(path+".headers."+h, c.Headers[h])
			}
		case schema.ConditionConfig:
			add(path+".left", c.Left)
			add(path+".right", c.Right)
		case schema.SetVariableConfig:
			for j, a := range c.All() {
				known[a.Key] = true
				add(fmt.Sprintf("%s.assignments[%d].value", path, j), a.Value)
			}
		case schema.WaitForEventConfig:
			add(path+".correlation_key", c.CorrelationKey)
		case schema.TerminalConfig:
			add(path+".reason", c.Reason)
		}
	}

	for _, t := range templates {
		for _, key := range expressions.TemplateKeys(t.text) {
			if known[key] || schema.IsReservedKey(key) {
				continue
			}
			result.AddWarning(t.path, schema.ErrCodeMissingVariable,
				fmt.Sprintf("template references undeclared variable %q", key))
		}
	}
}
