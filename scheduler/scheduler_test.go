package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/flowgraph/component"
	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/graph"
	"github.com/flowgraph/flowgraph/ir"
	"github.com/flowgraph/flowgraph/policy"
	"github.com/flowgraph/flowgraph/telemetry"
)

func echoComponent(fn func(inputs map[string]any) (map[string]any, error)) component.Component {
	return component.Func(func(ctx context.Context, state component.StateView, inputs map[string]any, cc *component.Context) (map[string]any, error) {
		return fn(inputs)
	})
}

func newRunBus() (*telemetry.Bus, *telemetry.MemoryExporter) {
	sink := telemetry.NewMemoryExporter(0)
	return telemetry.NewBus([]telemetry.Exporter{sink}), sink
}

// Linear llm -> router -> tool pipeline.
func pipelineDefinition() *graph.Definition {
	llmMeta := &ir.Component{
		ID:         "gen_comp",
		Type:       "llm",
		ProviderID: "openai",
		Inputs:     map[string]any{"prompt": "graph.inputs.prompt"},
		Outputs:    map[string]any{"text": "$.text"},
		Config:     map[string]any{"model": "gpt-4o-mini"},
	}
	routerMeta := &ir.Component{
		ID:      "route_comp",
		Type:    "router",
		Inputs:  map[string]any{"text": "node.generate.text"},
		Outputs: map[string]any{"route": "$.route"},
	}
	toolMeta := &ir.Component{
		ID:         "tool_comp",
		Type:       "tool",
		ProviderID: "openai",
		ToolID:     "wrap",
		Inputs:     map[string]any{"text": "node.generate.text"},
		Outputs:    map[string]any{"final": "$.final"},
		Config:     map[string]any{},
	}

	return &graph.Definition{
		Name:       "pipeline",
		Entrypoint: "generate",
		Nodes: map[string]graph.NodeSpec{
			"generate": {
				ID:   "generate",
				Kind: graph.KindLLM,
				Meta: llmMeta,
				Component: echoComponent(func(inputs map[string]any) (map[string]any, error) {
					prompt, _ := inputs["prompt"].(string)
					return map[string]any{
						"text": strings.ToUpper(prompt),
						"usage": map[string]any{
							"prompt_tokens":     3,
							"completion_tokens": 5,
						},
					}, nil
				}),
				NextNodes: []string{"route"},
			},
			"route": {
				ID:   "route",
				Kind: graph.KindRouter,
				Meta: routerMeta,
				Component: echoComponent(func(inputs map[string]any) (map[string]any, error) {
					text, _ := inputs["text"].(string)
					if strings.Contains(text, "ERROR") {
						return map[string]any{"route": "fallback"}, nil
					}
					return map[string]any{"route": "success"}, nil
				}),
				Routes: map[string]string{"success": "wrap", "fallback": "fallback"},
			},
			"wrap": {
				ID:   "wrap",
				Kind: graph.KindTool,
				Meta: toolMeta,
				Component: echoComponent(func(inputs map[string]any) (map[string]any, error) {
					text, _ := inputs["text"].(string)
					return map[string]any{"final": "tool:" + text}, nil
				}),
			},
			"fallback": {
				ID:   "fallback",
				Kind: graph.KindComponent,
				Meta: &ir.Component{ID: "fallback_comp", Outputs: map[string]any{"note": "$.note"}},
				Component: echoComponent(func(inputs map[string]any) (map[string]any, error) {
					return map[string]any{"note": "fell back"}, nil
				}),
			},
		},
		Outputs: []ir.GraphOutput{{Key: "final", NodeID: "wrap", Output: "final"}},
	}
}

func TestRunLinearPipeline(t *testing.T) {
	bus, sink := newRunBus()
	result, err := New().Run(context.Background(), pipelineDefinition(), map[string]any{"prompt": "hello"},
		WithEmitter(bus), WithRunID("run-1"))
	require.NoError(t, err)
	require.Equal(t, "tool:HELLO", result.Outputs["final"])
	require.Equal(t, "run-1", result.RunID)

	names := sink.EventNames("run-1")
	require.Equal(t, "graph.start", names[0])
	require.Equal(t, "graph.finish", names[len(names)-1])

	llmAt, toolAt := -1, -1
	for i, name := range names {
		switch name {
		case telemetry.EventLLMCall:
			llmAt = i
		case telemetry.EventToolCall:
			toolAt = i
		}
	}
	require.Greater(t, llmAt, 0)
	require.Greater(t, toolAt, llmAt)

	// The llm.call event carries usage counters.
	for _, event := range sink.Events("run-1") {
		if event.Event == telemetry.EventLLMCall {
			require.Equal(t, 3, event.Payload["tokens_in"])
			require.Equal(t, 5, event.Payload["tokens_out"])
		}
	}
}

func TestRunRouterFallsBackOnDefaultRoute(t *testing.T) {
	def := pipelineDefinition()
	bus, sink := newRunBus()

	result, err := New().Run(context.Background(), def, map[string]any{"prompt": "this is an error"},
		WithEmitter(bus), WithRunID("run-1"))
	require.NoError(t, err)

	_, toolRan := result.NodeStates["wrap"]
	require.False(t, toolRan)
	require.Equal(t, "fell back", result.NodeStates["fallback"].Outputs["note"])
	require.NotContains(t, sink.EventNames("run-1"), telemetry.EventToolCall)
}

func TestRunRouterNoMatch(t *testing.T) {
	def := pipelineDefinition()
	route := def.Nodes["route"]
	route.Routes = map[string]string{"success": "wrap"}
	route.Component = echoComponent(func(map[string]any) (map[string]any, error) {
		return map[string]any{"route": "unknown"}, nil
	})
	def.Nodes["route"] = route

	_, err := New().Run(context.Background(), def, map[string]any{"prompt": "hi"})
	require.Equal(t, errs.CodeRouterNoMatch, errs.CodeOf(err))
}

func TestRunRouterCELRules(t *testing.T) {
	def := pipelineDefinition()
	route := def.Nodes["route"]
	route.Config = map[string]any{
		"rules": []any{
			map[string]any{"when": `$.route == "success"`, "to": "fallback"},
		},
	}
	def.Nodes["route"] = route
	def.Outputs = nil

	result, err := New().Run(context.Background(), def, map[string]any{"prompt": "hi"})
	require.NoError(t, err)

	// The rule redirected the success route to the fallback node.
	_, toolRan := result.NodeStates["wrap"]
	require.False(t, toolRan)
	require.Contains(t, result.NodeStates, "fallback")
}

func mapDefinition(failureMode string) *graph.Definition {
	meta := &ir.Component{
		ID:      "double_comp",
		Inputs:  map[string]any{"item": "map.item", "index": "map.index"},
		Outputs: map[string]any{"value": "$.value"},
	}
	return &graph.Definition{
		Name:       "mapper",
		Entrypoint: "fanout",
		Nodes: map[string]graph.NodeSpec{
			"fanout": {
				ID:   "fanout",
				Kind: graph.KindMap,
				Meta: meta,
				Component: echoComponent(func(inputs map[string]any) (map[string]any, error) {
					if s, ok := inputs["item"].(string); ok && s == "boom" {
						return nil, errs.New(errs.CodeNodeRuntime, "boom item", "/")
					}
					return map[string]any{"value": inputs["item"]}, nil
				}),
				Config: map[string]any{
					"collection":   "graph.inputs.items",
					"failure_mode": failureMode,
				},
			},
		},
	}
}

func TestRunMapCollectErrors(t *testing.T) {
	bus, sink := newRunBus()
	result, err := New().Run(context.Background(), mapDefinition("collect_errors"),
		map[string]any{"items": []any{1, 2, "boom", 3}},
		WithEmitter(bus), WithRunID("run-1"))
	require.NoError(t, err)

	state := result.NodeStates["fanout"]
	results := state.Outputs["results"].([]map[string]any)
	require.Len(t, results, 3)
	require.Equal(t, 1, results[0]["value"])
	require.Equal(t, 3, results[2]["value"])

	errorsList := state.Outputs["errors"].([]any)
	require.Len(t, errorsList, 1)
	require.Equal(t, 2, errorsList[0].(map[string]any)["index"])

	// The map node itself still finished successfully.
	for _, event := range sink.Events("run-1") {
		if event.Event == telemetry.EventNodeFinish {
			require.Equal(t, "success", event.Payload["status"])
		}
	}
}

func TestRunMapFailFast(t *testing.T) {
	_, err := New().Run(context.Background(), mapDefinition("fail_fast"),
		map[string]any{"items": []any{"boom"}})
	require.Equal(t, errs.CodeNodeRuntime, errs.CodeOf(err))
}

func TestRunMapSkipFailed(t *testing.T) {
	result, err := New().Run(context.Background(), mapDefinition("skip_failed"),
		map[string]any{"items": []any{"boom", "ok"}})
	require.NoError(t, err)

	state := result.NodeStates["fanout"]
	require.Len(t, state.Outputs["results"].([]map[string]any), 1)
	require.Empty(t, state.Outputs["errors"].([]any))
}

func TestRunMapRejectsNonArrayCollection(t *testing.T) {
	_, err := New().Run(context.Background(), mapDefinition("fail_fast"),
		map[string]any{"items": "not a list"})
	require.Equal(t, errs.CodeMapOverNotArray, errs.CodeOf(err))
}

func TestRunRetryRecoversTransientFailure(t *testing.T) {
	var calls atomic.Int32
	meta := &ir.Component{
		ID:         "flaky_comp",
		ProviderID: "openai",
		ToolID:     "flaky",
		Outputs:    map[string]any{"value": "$.value"},
		Config:     map[string]any{},
	}
	def := &graph.Definition{
		Name:       "retrier",
		Entrypoint: "flaky",
		Nodes: map[string]graph.NodeSpec{
			"flaky": {
				ID:   "flaky",
				Kind: graph.KindTool,
				Meta: meta,
				Component: echoComponent(func(inputs map[string]any) (map[string]any, error) {
					if calls.Add(1) == 1 {
						return nil, &policy.HTTPError{Status: 500, Message: "upstream hiccup"}
					}
					return map[string]any{"value": "recovered"}, nil
				}),
			},
		},
		Policies: map[string]any{
			"retry": map[string]any{
				"default": map[string]any{"strategy": "fixed", "max_attempts": 3, "interval": 0},
			},
		},
	}

	bus, sink := newRunBus()
	result, err := New().Run(context.Background(), def, nil, WithEmitter(bus), WithRunID("run-1"))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "recovered", result.NodeStates["flaky"].Outputs["value"])

	attempts := 0
	for _, event := range sink.Events("run-1") {
		if event.Event == telemetry.EventRetryAttempt {
			attempts++
			require.Equal(t, 1, event.Payload["attempt"])
		}
	}
	require.Equal(t, 1, attempts)
}

func parallelDefinition(mode, mergePolicy string) *graph.Definition {
	branchMeta := func(id string) *ir.Component {
		return &ir.Component{ID: id + "_comp", Outputs: map[string]any{"value": "$.value"}}
	}
	return &graph.Definition{
		Name:       "racer",
		Entrypoint: "race",
		Nodes: map[string]graph.NodeSpec{
			"race": {
				ID:   "race",
				Kind: graph.KindParallel,
				Config: map[string]any{
					"branches":     []any{"slow", "fast"},
					"mode":         mode,
					"merge_policy": mergePolicy,
				},
			},
			"slow": {
				ID:   "slow",
				Kind: graph.KindComponent,
				Meta: branchMeta("slow"),
				Component: component.Func(func(ctx context.Context, _ component.StateView, _ map[string]any, _ *component.Context) (map[string]any, error) {
					select {
					case <-time.After(100 * time.Millisecond):
						return map[string]any{"value": "slow"}, nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}),
			},
			"fast": {
				ID:   "fast",
				Kind: graph.KindComponent,
				Meta: branchMeta("fast"),
				Component: echoComponent(func(map[string]any) (map[string]any, error) {
					return map[string]any{"value": "fast"}, nil
				}),
			},
		},
	}
}

func TestRunParallelFirstSuccess(t *testing.T) {
	result, err := New().Run(context.Background(), parallelDefinition("first_success", "namespace"), nil)
	require.NoError(t, err)

	merged := result.NodeStates["race"].Outputs["results"].(map[string]any)
	require.Contains(t, merged, "fast")
	require.NotContains(t, merged, "slow")
	require.Equal(t, "fast", merged["fast"].(map[string]any)["value"])
}

func TestRunParallelAllOverwrite(t *testing.T) {
	result, err := New().Run(context.Background(), parallelDefinition("all", "overwrite"), nil)
	require.NoError(t, err)

	merged := result.NodeStates["race"].Outputs["results"].(map[string]any)
	// Branch order is the declared order, so fast wins the collision.
	require.Equal(t, "fast", merged["value"])
}

func TestRunParallelErrorMergeConflict(t *testing.T) {
	_, err := New().Run(context.Background(), parallelDefinition("all", "error"), nil)
	require.Equal(t, errs.CodeNodeRuntime, errs.CodeOf(err))
}

func TestRunParallelEmptyBranches(t *testing.T) {
	def := parallelDefinition("all", "overwrite")
	race := def.Nodes["race"]
	race.Config = map[string]any{"branches": []any{}}
	def.Nodes["race"] = race

	_, err := New().Run(context.Background(), def, nil)
	require.Equal(t, errs.CodeParallelEmpty, errs.CodeOf(err))
}

func TestRunToolPermissionDenied(t *testing.T) {
	var invoked atomic.Bool
	meta := &ir.Component{
		ID:         "fetch_comp",
		ProviderID: "openai",
		ToolID:     "http_get",
		Config:     map[string]any{"requires_permissions": []any{"http"}},
	}
	def := &graph.Definition{
		Name:       "gated",
		Entrypoint: "fetch",
		Nodes: map[string]graph.NodeSpec{
			"fetch": {
				ID:   "fetch",
				Kind: graph.KindTool,
				Meta: meta,
				Component: echoComponent(func(map[string]any) (map[string]any, error) {
					invoked.Store(true)
					return map[string]any{}, nil
				}),
			},
		},
		Policies: map[string]any{
			"permissions": map[string]any{"default_allow": []any{}},
		},
	}

	bus, sink := newRunBus()
	_, err := New().Run(context.Background(), def, nil, WithEmitter(bus), WithRunID("run-1"))
	require.Equal(t, errs.CodeToolPermissionDenied, errs.CodeOf(err))
	require.False(t, invoked.Load(), "tool must not be invoked when permission is denied")
	require.Contains(t, sink.EventNames("run-1"), telemetry.EventErrorRaised)
}

func TestRunGraphTimeout(t *testing.T) {
	def := &graph.Definition{
		Name:       "sleeper",
		Entrypoint: "nap",
		Nodes: map[string]graph.NodeSpec{
			"nap": {
				ID:   "nap",
				Kind: graph.KindComponent,
				Meta: &ir.Component{ID: "nap_comp"},
				Component: component.Func(func(ctx context.Context, _ component.StateView, _ map[string]any, _ *component.Context) (map[string]any, error) {
					select {
					case <-time.After(time.Second):
						return map[string]any{}, nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}),
			},
		},
	}

	bus, sink := newRunBus()
	_, err := New().Run(context.Background(), def, nil,
		WithEmitter(bus), WithRunID("run-1"), WithTimeout(20*time.Millisecond))
	require.Equal(t, errs.CodeGraphTimeout, errs.CodeOf(err))

	names := sink.EventNames("run-1")
	require.Contains(t, names, telemetry.EventTimeout)
	require.Equal(t, telemetry.EventGraphFinish, names[len(names)-1])
	for _, event := range sink.Events("run-1") {
		if event.Event == telemetry.EventGraphFinish {
			require.Equal(t, "timeout", event.Payload["status"])
		}
	}
}

func TestRunCancelOnErrorFalseContinues(t *testing.T) {
	def := &graph.Definition{
		Name:       "tolerant",
		Entrypoint: "broken",
		Nodes: map[string]graph.NodeSpec{
			"broken": {
				ID:   "broken",
				Kind: graph.KindComponent,
				Meta: &ir.Component{ID: "broken_comp"},
				Component: echoComponent(func(map[string]any) (map[string]any, error) {
					return nil, errs.New(errs.CodeNodeRuntime, "always fails", "/")
				}),
				NextNodes: []string{"never"},
			},
			"never": {
				ID:   "never",
				Kind: graph.KindComponent,
				Meta: &ir.Component{ID: "never_comp"},
				Component: echoComponent(func(map[string]any) (map[string]any, error) {
					return map[string]any{}, nil
				}),
			},
		},
	}

	result, err := New().Run(context.Background(), def, nil, WithCancelOnError(false))
	require.NoError(t, err)

	// The failed node recorded empty outputs and produced no successors.
	require.Empty(t, result.NodeStates["broken"].Outputs)
	require.NotContains(t, result.NodeStates, "never")
}

func TestRunVisitedSetDeduplicatesFanIn(t *testing.T) {
	var joinRuns atomic.Int32
	simple := func(fn func() map[string]any) component.Component {
		return echoComponent(func(map[string]any) (map[string]any, error) { return fn(), nil })
	}
	def := &graph.Definition{
		Name:       "diamond",
		Entrypoint: "a",
		Nodes: map[string]graph.NodeSpec{
			"a": {ID: "a", Kind: graph.KindComponent, Meta: &ir.Component{ID: "a_comp"},
				Component: simple(func() map[string]any { return map[string]any{} }), NextNodes: []string{"b", "c"}},
			"b": {ID: "b", Kind: graph.KindComponent, Meta: &ir.Component{ID: "b_comp"},
				Component: simple(func() map[string]any { return map[string]any{} }), NextNodes: []string{"d"}},
			"c": {ID: "c", Kind: graph.KindComponent, Meta: &ir.Component{ID: "c_comp"},
				Component: simple(func() map[string]any { return map[string]any{} }), NextNodes: []string{"d"}},
			"d": {ID: "d", Kind: graph.KindComponent, Meta: &ir.Component{ID: "d_comp"},
				Component: simple(func() map[string]any {
					joinRuns.Add(1)
					return map[string]any{}
				})},
		},
	}

	_, err := New().Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), joinRuns.Load())
}

func TestRunUndefinedSuccessorFails(t *testing.T) {
	def := &graph.Definition{
		Name:       "dangling",
		Entrypoint: "a",
		Nodes: map[string]graph.NodeSpec{
			"a": {ID: "a", Kind: graph.KindComponent, Meta: &ir.Component{ID: "a_comp"},
				Component: echoComponent(func(map[string]any) (map[string]any, error) {
					return map[string]any{}, nil
				}),
				NextNodes: []string{"ghost"}},
		},
	}
	_, err := New().Run(context.Background(), def, nil)
	require.Equal(t, errs.CodeEdgeEndpointInvalid, errs.CodeOf(err))
}

func TestRunClosesComponentsOnTeardown(t *testing.T) {
	closer := &closingComponent{}
	def := &graph.Definition{
		Name:       "tidy",
		Entrypoint: "work",
		Nodes: map[string]graph.NodeSpec{
			"work": {ID: "work", Kind: graph.KindComponent, ComponentID: "tidy_comp",
				Meta: &ir.Component{ID: "tidy_comp"}, Component: closer},
		},
	}
	_, err := New().Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, closer.closed.Load())
}

type closingComponent struct {
	closed atomic.Bool
}

func (c *closingComponent) Invoke(ctx context.Context, _ component.StateView, _ map[string]any, _ *component.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

func (c *closingComponent) Close(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

func TestRunMissingGraphOutputFieldFails(t *testing.T) {
	def := pipelineDefinition()
	def.Outputs = []ir.GraphOutput{{Key: "final", NodeID: "wrap", Output: "missing"}}
	_, err := New().Run(context.Background(), def, map[string]any{"prompt": "hi"})
	require.Equal(t, errs.CodeNodeType, errs.CodeOf(err))
}

type hookedComponent struct {
	seenInputs map[string]any
}

func (h *hookedComponent) Invoke(ctx context.Context, _ component.StateView, inputs map[string]any, _ *component.Context) (map[string]any, error) {
	h.seenInputs = inputs
	return map[string]any{"text": inputs["prompt"]}, nil
}

func (h *hookedComponent) BeforeExecute(ctx context.Context, _ *component.Context, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		out[k] = v
	}
	out["trace_id"] = "trace-1"
	return out, nil
}

func (h *hookedComponent) AfterExecute(ctx context.Context, _ *component.Context, result, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(result)+1)
	for k, v := range result {
		out[k] = v
	}
	out["annotated"] = inputs["trace_id"]
	return out, nil
}

func TestRunHooksTransformInputsAndResult(t *testing.T) {
	hooked := &hookedComponent{}
	def := &graph.Definition{
		Name:       "hooked",
		Entrypoint: "work",
		Nodes: map[string]graph.NodeSpec{
			"work": {
				ID:   "work",
				Kind: graph.KindComponent,
				Meta: &ir.Component{
					ID:      "work_comp",
					Inputs:  map[string]any{"prompt": "graph.inputs.prompt"},
					Outputs: map[string]any{"text": "$.text", "annotated": "$.annotated"},
				},
				Component: hooked,
			},
		},
	}

	result, err := New().Run(context.Background(), def, map[string]any{"prompt": "hi"})
	require.NoError(t, err)

	// BeforeExecute's replacement reached Invoke.
	require.Equal(t, "trace-1", hooked.seenInputs["trace_id"])
	require.Equal(t, "hi", hooked.seenInputs["prompt"])

	// AfterExecute's replacement reached the output mapping.
	state := result.NodeStates["work"]
	require.Equal(t, "hi", state.Outputs["text"])
	require.Equal(t, "trace-1", state.Outputs["annotated"])
}

type failingHookedComponent struct {
	hookInputs map[string]any
	hookErr    error
}

func (f *failingHookedComponent) Invoke(ctx context.Context, _ component.StateView, _ map[string]any, _ *component.Context) (map[string]any, error) {
	return nil, errs.New(errs.CodeNodeRuntime, "boom", "/graph/nodes/0")
}

func (f *failingHookedComponent) OnError(ctx context.Context, _ *component.Context, invokeErr error, inputs map[string]any) error {
	f.hookErr = invokeErr
	f.hookInputs = inputs
	return nil
}

func TestRunOnErrorHookReceivesInputs(t *testing.T) {
	failing := &failingHookedComponent{}
	def := &graph.Definition{
		Name:       "fragile",
		Entrypoint: "work",
		Nodes: map[string]graph.NodeSpec{
			"work": {
				ID:   "work",
				Kind: graph.KindComponent,
				Meta: &ir.Component{
					ID:     "work_comp",
					Inputs: map[string]any{"prompt": "graph.inputs.prompt"},
				},
				Component: failing,
			},
		},
	}

	_, err := New().Run(context.Background(), def, map[string]any{"prompt": "hi"})
	require.Equal(t, errs.CodeNodeRuntime, errs.CodeOf(err))
	require.Equal(t, errs.CodeNodeRuntime, errs.CodeOf(failing.hookErr))
	require.Equal(t, "hi", failing.hookInputs["prompt"])
}

func TestRunParallelFirstSuccessWaitsForLosers(t *testing.T) {
	def := parallelDefinition("first_success", "namespace")

	// The loser ignores cooperative cancellation on purpose.
	var loserDone atomic.Bool
	slow := def.Nodes["slow"]
	slow.Component = echoComponent(func(map[string]any) (map[string]any, error) {
		time.Sleep(50 * time.Millisecond)
		loserDone.Store(true)
		return map[string]any{"value": "slow"}, nil
	})
	def.Nodes["slow"] = slow

	result, err := New().Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, loserDone.Load())

	merged := result.NodeStates["race"].Outputs["results"].(map[string]any)
	require.Contains(t, merged, "fast")
}

func TestRunCallerDeadlineReportsEffectiveTimeout(t *testing.T) {
	def := &graph.Definition{
		Name:       "sleeper",
		Entrypoint: "nap",
		Nodes: map[string]graph.NodeSpec{
			"nap": {
				ID:   "nap",
				Kind: graph.KindComponent,
				Meta: &ir.Component{ID: "nap_comp"},
				Component: component.Func(func(ctx context.Context, _ component.StateView, _ map[string]any, _ *component.Context) (map[string]any, error) {
					select {
					case <-time.After(time.Second):
						return map[string]any{}, nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}),
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	bus, sink := newRunBus()
	_, err := New().Run(ctx, def, nil, WithEmitter(bus), WithRunID("run-1"))
	require.Equal(t, errs.CodeGraphTimeout, errs.CodeOf(err))
	require.NotContains(t, err.Error(), "exceeded 0s")

	for _, event := range sink.Events("run-1") {
		if event.Event == telemetry.EventTimeout {
			require.Greater(t, event.Payload["timeout"].(float64), 0.0)
		}
	}
}
