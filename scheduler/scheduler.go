// Package scheduler executes compiled graph definitions. Nodes advance
// one at a time from a FIFO frontier; parallel nodes and rate-limit
// waits are the only points of real concurrency.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowgraph/flowgraph/common/logger"
	"github.com/flowgraph/flowgraph/component"
	"github.com/flowgraph/flowgraph/condition"
	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/graph"
	"github.com/flowgraph/flowgraph/history"
	"github.com/flowgraph/flowgraph/policy"
	"github.com/flowgraph/flowgraph/telemetry"
)

// NodeState is the captured outcome of one executed node.
type NodeState struct {
	Outputs map[string]any
	Result  any
}

// Result is what a completed run hands back to the caller.
type Result struct {
	Outputs    map[string]any
	NodeStates map[string]NodeState
	RunID      string
}

type options struct {
	emitter       policy.Emitter
	timeout       time.Duration
	runID         string
	registries    map[string]any
	cancelOnError bool
	log           *logger.Logger
}

// Option configures a single run.
type Option func(*options)

// WithEmitter routes run events through the given bus or emitter.
func WithEmitter(emitter policy.Emitter) Option {
	return func(o *options) { o.emitter = emitter }
}

// WithTimeout bounds the whole run; expiry cancels the run token and
// fails the run with ERR_GRAPH_TIMEOUT.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

// WithRunID pins the run identifier instead of generating one.
func WithRunID(runID string) Option {
	return func(o *options) { o.runID = runID }
}

// WithRegistries exposes host-provided objects to components through
// the invocation context.
func WithRegistries(registries map[string]any) Option {
	return func(o *options) { o.registries = registries }
}

// WithCancelOnError controls whether a node failure aborts the run.
// When false the failed node records empty outputs and execution
// continues with no successors.
func WithCancelOnError(cancel bool) Option {
	return func(o *options) { o.cancelOnError = cancel }
}

// WithLogger attaches a logger to the run and its component contexts.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.log = log }
}

type graphState struct {
	inputs     map[string]any
	nodeStates map[string]NodeState
}

// runEmitter stamps the run id onto every event before it reaches the
// bus. Lifecycle emit failures are logged, not raised; llm.call and
// tool.call rejections fail the node and are checked at the call site.
type runEmitter struct {
	emitter policy.Emitter
	runID   string
	log     *logger.Logger
}

func (e *runEmitter) Emit(event string, payload map[string]any) error {
	if e.emitter == nil {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["run_id"]; !ok {
		payload["run_id"] = e.runID
	}
	return e.emitter.Emit(event, payload)
}

func (e *runEmitter) emitQuiet(event string, payload map[string]any) {
	if err := e.Emit(event, payload); err != nil {
		e.log.Warn("event emit failed", "event", event, "error", err)
	}
}

// Scheduler drives graph executions. Safe for concurrent runs.
type Scheduler struct {
	evaluator *condition.Evaluator
}

// New returns a Scheduler with a shared condition evaluator so router
// rule programs are compiled once across runs.
func New() *Scheduler {
	return &Scheduler{evaluator: condition.NewEvaluator()}
}

// Run executes a definition to completion and returns its outputs.
func (s *Scheduler) Run(ctx context.Context, def *graph.Definition, inputs map[string]any, opts ...Option) (*Result, error) {
	o := options{cancelOnError: true, log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	em := &runEmitter{emitter: o.emitter, runID: o.runID, log: o.log}
	state := &graphState{inputs: inputs, nodeStates: map[string]NodeState{}}

	retryMgr, err := policy.NewRetryManager(policySection(def.Policies, "retry"))
	if err != nil {
		return nil, err
	}
	rateMgr, err := policy.NewRateLimitManager(policySection(def.Policies, "rate_limit"), em)
	if err != nil {
		return nil, err
	}
	gate := policy.NewPermissionGate(policySection(def.Policies, "permissions"))

	registries := make(map[string]any, len(o.registries)+1)
	for k, v := range o.registries {
		registries[k] = v
	}
	if _, ok := registries["histories"]; !ok && len(def.Histories) > 0 {
		store, err := history.Materialize(def.Histories)
		if err != nil {
			return nil, err
		}
		registries["histories"] = store
	}

	cancelToken := component.NewCancelToken()
	started := time.Now()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	deadline, hasDeadline := ctx.Deadline()

	run := &runContext{
		scheduler:   s,
		def:         def,
		state:       state,
		em:          em,
		retry:       retryMgr,
		rate:        rateMgr,
		gate:        gate,
		cancelToken: cancelToken,
		deadline:    deadline,
		registries:  registries,
		cancelOnErr: o.cancelOnError,
		runID:       o.runID,
		log:         o.log,
	}

	closables := collectClosables(def)
	defer run.closeComponents(ctx, closables)
	defer cancelToken.Cancel()

	em.emitQuiet(telemetry.EventGraphStart, map[string]any{
		"graph_name": def.Name,
		"entrypoint": def.Entrypoint,
	})

	outputs, err := run.execute(ctx)
	switch {
	case err == nil:
		em.emitQuiet(telemetry.EventGraphFinish, map[string]any{
			"graph_name": def.Name,
			"status":     "success",
			"outputs":    outputs,
		})
		return &Result{Outputs: outputs, NodeStates: state.nodeStates, RunID: o.runID}, nil
	case errors.Is(err, context.DeadlineExceeded):
		cancelToken.Cancel()
		// The deadline may come from the caller's context rather than the
		// timeout option; report whichever bound was in force.
		limit := o.timeout
		if limit <= 0 && hasDeadline {
			limit = deadline.Sub(started).Round(time.Millisecond)
		}
		em.emitQuiet(telemetry.EventTimeout, map[string]any{
			"graph_name": def.Name,
			"timeout":    limit.Seconds(),
		})
		em.emitQuiet(telemetry.EventGraphFinish, map[string]any{
			"graph_name": def.Name,
			"status":     "timeout",
		})
		return nil, errs.Wrap(errs.CodeGraphTimeout, fmt.Sprintf("graph execution exceeded %s", limit), "/", err)
	case errors.Is(err, context.Canceled):
		cancelToken.Cancel()
		em.emitQuiet(telemetry.EventCancelled, map[string]any{"graph_name": def.Name})
		em.emitQuiet(telemetry.EventGraphFinish, map[string]any{
			"graph_name": def.Name,
			"status":     "cancelled",
		})
		return nil, errs.Wrap(errs.CodeGraphCancelled, "graph execution cancelled", "/", err)
	default:
		cancelToken.Cancel()
		finish := map[string]any{
			"graph_name": def.Name,
			"status":     "error",
		}
		if code := errs.CodeOf(err); code != "" {
			finish["error_code"] = code
		}
		em.emitQuiet(telemetry.EventGraphFinish, finish)
		return nil, err
	}
}

type runContext struct {
	scheduler   *Scheduler
	def         *graph.Definition
	state       *graphState
	em          *runEmitter
	retry       *policy.RetryManager
	rate        *policy.RateLimitManager
	gate        *policy.PermissionGate
	cancelToken *component.CancelToken
	deadline    time.Time
	registries  map[string]any
	cancelOnErr bool
	runID       string
	log         *logger.Logger
}

func (r *runContext) execute(ctx context.Context) (map[string]any, error) {
	pending := []string{r.def.Entrypoint}
	visited := map[string]struct{}{}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nodeID := pending[0]
		pending = pending[1:]
		if _, seen := visited[nodeID]; seen {
			continue
		}
		spec, ok := r.def.Nodes[nodeID]
		if !ok {
			return nil, errs.New(
				errs.CodeEdgeEndpointInvalid,
				fmt.Sprintf("node %q referenced in graph is not defined", nodeID),
				"/graph/nodes",
			)
		}
		next, err := r.runNode(ctx, spec)
		if err != nil {
			return nil, err
		}
		visited[nodeID] = struct{}{}
		for _, target := range next {
			if _, ok := r.def.Nodes[target]; !ok {
				return nil, errs.New(
					errs.CodeEdgeEndpointInvalid,
					fmt.Sprintf("node %q references undefined target %q", nodeID, target),
					spec.Pointer,
				)
			}
			pending = append(pending, target)
		}
	}

	return r.collectOutputs()
}

func (r *runContext) runNode(ctx context.Context, spec graph.NodeSpec) ([]string, error) {
	startWall := time.Now()
	r.em.emitQuiet(telemetry.EventNodeStart, map[string]any{
		"node_id":    spec.ID,
		"kind":       spec.Kind,
		"started_at": float64(startWall.UnixNano()) / 1e9,
		"graph_name": r.def.Name,
	})

	var outputs map[string]any
	var result any
	var err error

	switch spec.Kind {
	case graph.KindMap:
		outputs, result, err = r.executeMap(ctx, spec)
	case graph.KindParallel:
		outputs, result, err = r.executeParallel(ctx, spec)
	default:
		var nodeState NodeState
		nodeState, err = r.invokeComponent(ctx, spec, nil, true)
		if err == nil {
			outputs = nodeState.Outputs
			result = nodeState.Result
		}
	}

	durationMS := float64(time.Since(startWall)) / float64(time.Millisecond)
	if err != nil {
		r.em.emitQuiet(telemetry.EventErrorRaised, map[string]any{
			"node_id": spec.ID,
			"kind":    spec.Kind,
			"message": err.Error(),
		})
		r.em.emitQuiet(telemetry.EventNodeFinish, map[string]any{
			"node_id":     spec.ID,
			"kind":        spec.Kind,
			"status":      "error",
			"duration_ms": durationMS,
			"outputs":     map[string]any{},
			"started_at":  float64(startWall.UnixNano()) / 1e9,
			"graph_name":  r.def.Name,
		})
		if !r.cancelOnErr && !isContextError(err) {
			r.state.nodeStates[spec.ID] = NodeState{Outputs: map[string]any{}}
			return nil, nil
		}
		r.cancelToken.Cancel()
		if errs.CodeOf(err) != "" || isContextError(err) {
			return nil, err
		}
		return nil, errs.Wrap(errs.CodeNodeRuntime, err.Error(), spec.Pointer, err)
	}

	r.state.nodeStates[spec.ID] = NodeState{Outputs: outputs, Result: result}
	r.em.emitQuiet(telemetry.EventNodeFinish, map[string]any{
		"node_id":     spec.ID,
		"kind":        spec.Kind,
		"status":      "success",
		"duration_ms": durationMS,
		"outputs":     outputs,
		"started_at":  float64(startWall.UnixNano()) / 1e9,
		"graph_name":  r.def.Name,
	})

	return r.selectNext(spec)
}

// selectNext picks successors. Routers consult their CEL rules first,
// then the conventional route output; everything else follows the
// static next_nodes edges.
func (r *runContext) selectNext(spec graph.NodeSpec) ([]string, error) {
	if spec.Kind != graph.KindRouter {
		return spec.NextNodes, nil
	}
	nodeState, ok := r.state.nodeStates[spec.ID]
	if !ok {
		return nil, errs.New(
			errs.CodeRouterNoMatch,
			fmt.Sprintf("router node %q did not produce a state", spec.ID),
			spec.Pointer,
		)
	}

	if rules := condition.ParseRules(spec.Config["rules"]); len(rules) > 0 {
		runCtx := map[string]any{"inputs": r.state.inputs}
		target, matched, err := r.scheduler.evaluator.SelectRoute(rules, nodeState.Outputs, runCtx)
		if err != nil {
			return nil, errs.Wrap(errs.CodeRouterNoMatch, fmt.Sprintf("router node %q rule evaluation failed: %v", spec.ID, err), spec.Pointer, err)
		}
		if matched {
			return []string{target}, nil
		}
	}

	routeValue, ok := nodeState.Outputs["route"]
	if !ok || routeValue == nil {
		if target, ok := spec.Routes["default"]; ok {
			return []string{target}, nil
		}
		return nil, errs.New(
			errs.CodeRouterNoMatch,
			fmt.Sprintf("router node %q did not produce a route output", spec.ID),
			spec.Pointer,
		)
	}
	routeKey := fmt.Sprint(routeValue)
	if target, ok := spec.Routes[routeKey]; ok {
		return []string{target}, nil
	}
	if target, ok := spec.Routes["default"]; ok {
		return []string{target}, nil
	}
	return nil, errs.New(
		errs.CodeRouterNoMatch,
		fmt.Sprintf("router node %q produced unknown route %q", spec.ID, routeKey),
		spec.Pointer,
	)
}

func (r *runContext) collectOutputs() (map[string]any, error) {
	outputs := map[string]any{}
	for _, mapping := range r.def.Outputs {
		nodeState, ok := r.state.nodeStates[mapping.NodeID]
		if !ok {
			return nil, errs.New(
				errs.CodeEdgeEndpointInvalid,
				fmt.Sprintf("graph output references undefined node %q", mapping.NodeID),
				"/graph/outputs",
			)
		}
		value, ok := nodeState.Outputs[mapping.Output]
		if !ok {
			return nil, errs.New(
				errs.CodeNodeType,
				fmt.Sprintf("graph output %q expects field %q from node %q", mapping.Key, mapping.Output, mapping.NodeID),
				"/graph/outputs",
			)
		}
		outputs[mapping.Key] = value
	}
	return outputs, nil
}

func (r *runContext) closeComponents(ctx context.Context, closables []closable) {
	for _, entry := range closables {
		if err := entry.closer.Close(ctx); err != nil {
			r.em.emitQuiet(telemetry.EventErrorRaised, map[string]any{
				"node_id": entry.componentID,
				"kind":    "component",
				"message": fmt.Sprintf("close failed: %v", err),
			})
		}
	}
}

type closable struct {
	closer      component.Closer
	componentID string
}

func collectClosables(def *graph.Definition) []closable {
	seen := map[string]struct{}{}
	var out []closable
	for _, spec := range def.Nodes {
		closer, ok := spec.Component.(component.Closer)
		if !ok || closer == nil {
			continue
		}
		key := spec.ComponentID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, closable{closer: closer, componentID: spec.ComponentID})
	}
	return out
}

func policySection(policies map[string]any, key string) map[string]any {
	if policies == nil {
		return nil
	}
	section, _ := policies[key].(map[string]any)
	return section
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
