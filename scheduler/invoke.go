package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flowgraph/flowgraph/component"
	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/graph"
	"github.com/flowgraph/flowgraph/telemetry"
)

// invokeComponent runs one component invocation end to end: permission
// check, rate acquisition, input resolution, lifecycle hooks, output
// mapping. Retry, when configured for the node, wraps everything after
// the permission check.
func (r *runContext) invokeComponent(ctx context.Context, spec graph.NodeSpec, loop *component.LoopContext, emitEvent bool) (NodeState, error) {
	if spec.Component == nil {
		return NodeState{Outputs: map[string]any{}}, nil
	}

	if spec.Kind == graph.KindTool && spec.Meta != nil {
		if err := r.gate.Check(spec.Meta.ID, requiredPermissionsOf(spec.Meta.Config)); err != nil {
			return NodeState{}, err
		}
	}

	var nodeState NodeState
	var lastInputs map[string]any

	attempt := func() error {
		providerID := ""
		if spec.Meta != nil {
			providerID = spec.Meta.ProviderID
		}
		if err := r.rate.Acquire(ctx, r.runID, spec.ID, providerID); err != nil {
			return err
		}

		inputs := r.prepareInputs(spec, loop)
		lastInputs = inputs
		cc := r.componentContext(spec, loop)

		if hook, ok := spec.Component.(component.BeforeExecutor); ok {
			replaced, err := hook.BeforeExecute(ctx, cc, inputs)
			if err != nil {
				return err
			}
			if replaced != nil {
				inputs = replaced
			}
		}
		lastInputs = inputs
		result, err := spec.Component.Invoke(ctx, r.stateView(), inputs, cc)
		if err != nil {
			return err
		}
		if hook, ok := spec.Component.(component.AfterExecutor); ok {
			replaced, err := hook.AfterExecute(ctx, cc, result, inputs)
			if err != nil {
				return err
			}
			if replaced != nil {
				result = replaced
			}
		}
		nodeState = NodeState{Outputs: r.prepareOutputs(spec, result), Result: result}
		return nil
	}

	var err error
	if retryPolicy := r.retry.ForNode(spec.ID); retryPolicy != nil {
		err = retryPolicy.Execute(ctx, r.em, r.runID, spec.ID, attempt)
	} else {
		err = attempt()
	}
	if err != nil {
		if hook, ok := spec.Component.(component.ErrorHandler); ok {
			// Hook errors are swallowed so a broken handler cannot loop.
			_ = hook.OnError(ctx, r.componentContext(spec, nil), err, lastInputs)
		}
		return NodeState{}, err
	}

	if emitEvent {
		if err := r.emitComponentEvent(spec, lastInputs, nodeState); err != nil {
			return NodeState{}, err
		}
	}
	return nodeState, nil
}

func (r *runContext) componentContext(spec graph.NodeSpec, loop *component.LoopContext) *component.Context {
	return &component.Context{
		NodeID:     spec.ID,
		GraphName:  r.def.Name,
		RunID:      r.runID,
		Config:     spec.Config,
		Emit:       r.em.Emit,
		Cancel:     r.cancelToken,
		Deadline:   r.deadline,
		Registries: r.registries,
		Logger:     r.log,
		Loop:       loop,
	}
}

func (r *runContext) executeMap(ctx context.Context, spec graph.NodeSpec) (map[string]any, any, error) {
	if spec.Component == nil || spec.Meta == nil {
		return nil, nil, errs.New(
			errs.CodeMapBodyNotFound,
			fmt.Sprintf("map node %q is missing a component", spec.ID),
			spec.Pointer,
		)
	}

	collection := r.resolveExpression(spec.Config["collection"], nil)
	items, ok := asSlice(collection)
	if !ok {
		return nil, nil, errs.New(
			errs.CodeMapOverNotArray,
			fmt.Sprintf("map node %q requires array-like input", spec.ID),
			spec.Pointer,
		)
	}

	failureMode := strings.ToLower(configString(spec.Config, "failure_mode", "fail_fast"))
	ordered := true
	if v, ok := spec.Config["ordered"].(bool); ok {
		ordered = v
	}
	resultKey := configString(spec.Config, "result_key", "results")

	type indexedOutputs struct {
		index   int
		outputs map[string]any
	}
	var results []indexedOutputs
	errorsList := []any{}

	for index, item := range items {
		loop := &component.LoopContext{Item: item, Index: index}
		iteration, err := r.invokeComponent(ctx, spec, loop, false)
		if err != nil {
			r.em.emitQuiet(telemetry.EventErrorRaised, map[string]any{
				"node_id":   spec.ID,
				"kind":      spec.Kind,
				"iteration": index,
				"message":   err.Error(),
			})
			switch failureMode {
			case "fail_fast":
				return nil, nil, errs.Wrap(
					errs.CodeNodeRuntime,
					fmt.Sprintf("map iteration %d failed: %v", index, err),
					spec.Pointer,
					err,
				)
			case "collect_errors":
				errorsList = append(errorsList, map[string]any{"index": index, "error": err.Error()})
				continue
			case "skip_failed":
				continue
			default:
				return nil, nil, err
			}
		}
		results = append(results, indexedOutputs{index: index, outputs: iteration.Outputs})
	}

	if ordered {
		sort.SliceStable(results, func(i, j int) bool { return results[i].index < results[j].index })
	}
	mapped := make([]map[string]any, 0, len(results))
	for _, entry := range results {
		mapped = append(mapped, entry.outputs)
	}

	outputs := map[string]any{resultKey: mapped, "errors": errorsList}
	return outputs, mapped, nil
}

func (r *runContext) executeParallel(ctx context.Context, spec graph.NodeSpec) (map[string]any, any, error) {
	rawBranches, _ := spec.Config["branches"].([]any)
	if len(rawBranches) == 0 {
		return nil, nil, errs.New(
			errs.CodeParallelEmpty,
			fmt.Sprintf("parallel node %q defines no branches", spec.ID),
			spec.Pointer,
		)
	}

	mergePolicy := strings.ToLower(configString(spec.Config, "merge_policy", "overwrite"))
	mode := strings.ToLower(configString(spec.Config, "mode", "all"))

	type branch struct {
		id   string
		spec graph.NodeSpec
	}
	var branches []branch
	for _, raw := range rawBranches {
		branchID, ok := raw.(string)
		if !ok {
			continue
		}
		branchSpec, ok := r.def.Nodes[branchID]
		if !ok {
			return nil, nil, errs.New(
				errs.CodeEdgeEndpointInvalid,
				fmt.Sprintf("parallel branch %q is not defined", branchID),
				spec.Pointer,
			)
		}
		branches = append(branches, branch{id: branchID, spec: branchSpec})
	}
	if len(branches) == 0 {
		return nil, nil, errs.New(
			errs.CodeParallelEmpty,
			fmt.Sprintf("parallel node %q defines no valid branches", spec.ID),
			spec.Pointer,
		)
	}

	results := make(map[string]NodeState, len(branches))

	if mode == "first_success" || mode == "any" {
		raceCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		type outcome struct {
			id    string
			state NodeState
			err   error
		}
		ch := make(chan outcome, len(branches))
		for _, b := range branches {
			go func(b branch) {
				state, err := r.invokeComponent(raceCtx, b.spec, nil, true)
				ch <- outcome{id: b.id, state: state, err: err}
			}(b)
		}
		first := <-ch
		cancel()
		// Losing branches may still be reading run state; every branch
		// must finish before the scheduler mutates it and advances.
		for i := 1; i < len(branches); i++ {
			<-ch
		}
		if first.err != nil {
			return nil, nil, errs.Wrap(
				errs.CodeNodeRuntime,
				fmt.Sprintf("parallel node %q failed: %v", spec.ID, first.err),
				spec.Pointer,
				first.err,
			)
		}
		results[first.id] = first.state
	} else {
		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for _, b := range branches {
			b := b
			g.Go(func() error {
				state, err := r.invokeComponent(gctx, b.spec, nil, true)
				if err != nil {
					return err
				}
				mu.Lock()
				results[b.id] = state
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
	}

	merged := map[string]any{}
	if mergePolicy == "namespace" {
		for _, b := range branches {
			if state, ok := results[b.id]; ok {
				merged[b.id] = state.Outputs
			}
		}
	} else {
		for _, b := range branches {
			state, ok := results[b.id]
			if !ok {
				continue
			}
			for key, value := range state.Outputs {
				if mergePolicy == "error" {
					if existing, dup := merged[key]; dup && !deepEqual(existing, value) {
						return nil, nil, errs.New(
							errs.CodeNodeRuntime,
							fmt.Sprintf("parallel merge conflict for key %q", key),
							spec.Pointer,
						)
					}
				}
				merged[key] = value
			}
		}
	}

	raw := make(map[string]any, len(results))
	for id, state := range results {
		raw[id] = state.Outputs
	}
	return map[string]any{"results": merged}, raw, nil
}

// emitComponentEvent publishes the kind-specific call event. A bus
// rejection (permission or cost) fails the node.
func (r *runContext) emitComponentEvent(spec graph.NodeSpec, inputs map[string]any, state NodeState) error {
	switch spec.Kind {
	case graph.KindLLM:
		payload := map[string]any{
			"node_id": spec.ID,
			"inputs":  inputs,
			"outputs": state.Outputs,
		}
		if spec.Meta != nil {
			payload["provider_id"] = spec.Meta.ProviderID
			payload["component_id"] = spec.Meta.ID
			payload["model"] = spec.Meta.Config["model"]
		}
		if result, ok := state.Result.(map[string]any); ok {
			if usage, ok := result["usage"].(map[string]any); ok {
				payload["tokens_in"] = intOf(usage["prompt_tokens"])
				payload["tokens_out"] = intOf(usage["completion_tokens"])
			}
		}
		return r.em.Emit(telemetry.EventLLMCall, payload)
	case graph.KindTool:
		payload := map[string]any{
			"node_id": spec.ID,
			"inputs":  inputs,
			"outputs": state.Outputs,
		}
		if spec.Meta != nil {
			payload["tool_id"] = spec.Meta.ToolID
			payload["component_id"] = spec.Meta.ID
			payload["required_permissions"] = requiredPermissionsOf(spec.Meta.Config)
		}
		return r.em.Emit(telemetry.EventToolCall, payload)
	default:
		return nil
	}
}

func requiredPermissionsOf(config map[string]any) []string {
	raw, ok := config["requires_permissions"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func configString(config map[string]any, key, fallback string) string {
	if raw, ok := config[key]; ok {
		return fmt.Sprint(raw)
	}
	return fallback
}

func asSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, true
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

func intOf(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
