package scheduler

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/flowgraph/flowgraph/component"
	"github.com/flowgraph/flowgraph/graph"
)

// Input expression scopes: graph.inputs.<key>, node.<id>.<field>,
// map.item[.<path>], map.index, const:<literal>. Anything else passes
// through unchanged.
func (r *runContext) resolveExpression(expression any, loop *component.LoopContext) any {
	expr, ok := expression.(string)
	if !ok {
		return expression
	}
	switch {
	case strings.HasPrefix(expr, "graph.inputs."):
		return r.state.inputs[strings.TrimPrefix(expr, "graph.inputs.")]
	case strings.HasPrefix(expr, "node."):
		parts := strings.Split(expr, ".")
		if len(parts) < 3 {
			return nil
		}
		nodeState, ok := r.state.nodeStates[parts[1]]
		if !ok {
			return nil
		}
		return nodeState.Outputs[parts[2]]
	case expr == "map.item":
		if loop == nil {
			return nil
		}
		return loop.Item
	case strings.HasPrefix(expr, "map.item."):
		if loop == nil {
			return nil
		}
		return traverseKeys(loop.Item, strings.Split(strings.TrimPrefix(expr, "map.item."), "."))
	case expr == "map.index":
		if loop == nil {
			return nil
		}
		return loop.Index
	case strings.HasPrefix(expr, "const:"):
		return strings.TrimPrefix(expr, "const:")
	default:
		return expr
	}
}

func (r *runContext) prepareInputs(spec graph.NodeSpec, loop *component.LoopContext) map[string]any {
	if spec.Meta == nil {
		return map[string]any{}
	}
	resolved := make(map[string]any, len(spec.Meta.Inputs))
	for name, expression := range spec.Meta.Inputs {
		resolved[name] = r.resolveExpression(expression, loop)
	}
	return resolved
}

// prepareOutputs applies the component's output mapping to the raw
// result. `$.a.b[0].c` walks object keys and array indices; a missing
// path yields a nil value rather than a failure.
func (r *runContext) prepareOutputs(spec graph.NodeSpec, result map[string]any) map[string]any {
	if spec.Meta == nil {
		return map[string]any{}
	}
	outputs := make(map[string]any, len(spec.Meta.Outputs))
	for name, expression := range spec.Meta.Outputs {
		outputs[name] = resolveResultExpression(expression, result)
	}
	return outputs
}

func (r *runContext) stateView() component.StateView {
	nodes := make(map[string]map[string]any, len(r.state.nodeStates))
	for nodeID, state := range r.state.nodeStates {
		nodes[nodeID] = state.Outputs
	}
	return component.StateView{GraphInputs: r.state.inputs, NodeOutputs: nodes}
}

func resolveResultExpression(expression any, result any) any {
	expr, ok := expression.(string)
	if !ok {
		return expression
	}
	if !strings.HasPrefix(expr, "$.") {
		return expr
	}
	current := result
	for _, segment := range parseResultPath(expr[2:]) {
		if segment.isIndex {
			list, ok := current.([]any)
			if !ok || segment.index < 0 || segment.index >= len(list) {
				return nil
			}
			current = list[segment.index]
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		value, ok := m[segment.key]
		if !ok {
			return nil
		}
		current = value
	}
	return current
}

type pathSegment struct {
	key     string
	index   int
	isIndex bool
}

// parseResultPath tokenizes alternating `.name` and `[int]` segments.
func parseResultPath(raw string) []pathSegment {
	var segments []pathSegment
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(raw[i:], ']')
			if end < 0 {
				return segments
			}
			index, err := strconv.Atoi(raw[i+1 : i+end])
			if err != nil {
				return segments
			}
			segments = append(segments, pathSegment{index: index, isIndex: true})
			i += end + 1
		default:
			j := i
			for j < len(raw) && raw[j] != '.' && raw[j] != '[' {
				j++
			}
			segments = append(segments, pathSegment{key: raw[i:j]})
			i = j
		}
	}
	return segments
}

func traverseKeys(value any, path []string) any {
	current := value
	for _, part := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
