// Package graph compiles normalized IR plus materialized runtime objects
// into the executable definition consumed by the scheduler.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/flowgraph/flowgraph/component"
	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/ir"
	"github.com/flowgraph/flowgraph/registry"
)

// Node kinds understood by the scheduler.
const (
	KindComponent = "component"
	KindLLM       = "llm"
	KindTool      = "tool"
	KindRouter    = "router"
	KindMap       = "map"
	KindParallel  = "parallel"
)

var supportedKinds = map[string]struct{}{
	KindComponent: {},
	KindLLM:       {},
	KindTool:      {},
	KindRouter:    {},
	KindMap:       {},
	KindParallel:  {},
}

// NodeSpec freezes everything the scheduler needs to execute one node.
type NodeSpec struct {
	ID          string
	Kind        string
	Pointer     string
	ComponentID string
	Component   component.Component
	Meta        *ir.Component
	Inputs      map[string]any
	Outputs     map[string]any
	Routes      map[string]string
	NextNodes   []string
	Config      map[string]any
}

// Definition is the compiled, executable graph.
type Definition struct {
	Name       string
	Entrypoint string
	Nodes      map[string]NodeSpec
	Outputs    []ir.GraphOutput
	Policies   map[string]any
	Histories  map[string]ir.History
}

// Builder composes Definitions.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder { return &Builder{} }

// Build folds the IR and the materialized registry output into a
// Definition, enforcing per-kind preconditions.
func (b *Builder) Build(def *ir.IR, resolved *registry.Materialized) (*Definition, error) {
	if resolved == nil {
		resolved = &registry.Materialized{
			Providers:  map[string]any{},
			Tools:      map[string]any{},
			Components: map[string]component.Component{},
		}
	}
	if _, ok := def.Graph.Nodes[def.Graph.EntryID]; !ok {
		return nil, errs.New(
			errs.CodeGraphEntryNotFound,
			fmt.Sprintf("graph entry %q does not exist", def.Graph.EntryID),
			"/graph/entry",
		)
	}

	nodes := make(map[string]NodeSpec, len(def.Graph.Nodes))
	for _, nodeID := range def.Graph.NodeOrder {
		spec, err := b.buildNode(def.Graph.Nodes[nodeID], def, resolved)
		if err != nil {
			return nil, err
		}
		nodes[nodeID] = spec
	}

	return &Definition{
		Name:       def.Runtime.GraphName,
		Entrypoint: def.Graph.EntryID,
		Nodes:      nodes,
		Outputs:    def.Graph.Outputs,
		Policies:   def.Policies,
		Histories:  def.Histories,
	}, nil
}

func (b *Builder) buildNode(node ir.GraphNode, def *ir.IR, resolved *registry.Materialized) (NodeSpec, error) {
	var meta *ir.Component
	var impl component.Component

	if node.ComponentID != "" {
		cmp, ok := def.Components[node.ComponentID]
		if !ok {
			return NodeSpec{}, errs.New(
				errs.CodeNodeType,
				fmt.Sprintf("component %q referenced by node %q is undefined", node.ComponentID, node.ID),
				node.Pointer,
			)
		}
		meta = &cmp
		impl, ok = resolved.Components[node.ComponentID]
		if !ok || impl == nil {
			return NodeSpec{}, errs.New(
				errs.CodeComponentImport,
				fmt.Sprintf("component %q has not been materialized", node.ComponentID),
				node.Pointer,
			)
		}
	}

	kind := determineKind(node, meta)
	if _, ok := supportedKinds[kind]; !ok {
		return NodeSpec{}, errs.New(
			errs.CodeNodeType,
			fmt.Sprintf("node %q has unsupported kind %q", node.ID, kind),
			node.Pointer,
		)
	}

	if kind == KindLLM || kind == KindTool {
		if meta == nil {
			return NodeSpec{}, errs.New(
				errs.CodeNodeType,
				fmt.Sprintf("node %q of kind %q requires a component", node.ID, kind),
				node.Pointer,
			)
		}
		if meta.ProviderID == "" {
			return NodeSpec{}, errs.New(
				errs.CodeProviderDefaultMissing,
				fmt.Sprintf("node %q requires a provider but none was resolved", node.ID),
				node.Pointer,
			)
		}
		if _, ok := resolved.Providers[meta.ProviderID]; !ok {
			return NodeSpec{}, errs.New(
				errs.CodeProviderDefaultMissing,
				fmt.Sprintf("provider %q for node %q is not available", meta.ProviderID, node.ID),
				node.Pointer,
			)
		}
	}

	if kind == KindTool && meta != nil {
		if meta.ToolID == "" {
			return NodeSpec{}, errs.New(
				errs.CodeToolNotFound,
				fmt.Sprintf("node %q of kind \"tool\" does not reference a tool", node.ID),
				node.Pointer,
			)
		}
		if _, ok := resolved.Tools[meta.ToolID]; !ok {
			return NodeSpec{}, errs.New(
				errs.CodeToolNotFound,
				fmt.Sprintf("tool %q required by node %q is not available", meta.ToolID, node.ID),
				node.Pointer,
			)
		}
	}

	if kind == KindRouter && len(node.Routes) == 0 {
		return NodeSpec{}, errs.New(
			errs.CodeRouterNoMatch,
			fmt.Sprintf("router node %q does not define any routes", node.ID),
			node.Pointer,
		)
	}

	if kind == KindMap && meta == nil {
		return NodeSpec{}, errs.New(
			errs.CodeMapBodyNotFound,
			fmt.Sprintf("map node %q requires a component", node.ID),
			node.Pointer,
		)
	}

	config, err := mergeConfig(kind, node, meta)
	if err != nil {
		return NodeSpec{}, errs.Wrap(errs.CodeNodeType, fmt.Sprintf("node %q config merge failed: %v", node.ID, err), node.Pointer, err)
	}

	return NodeSpec{
		ID:          node.ID,
		Kind:        kind,
		Pointer:     node.Pointer,
		ComponentID: node.ComponentID,
		Component:   impl,
		Meta:        meta,
		Inputs:      node.Inputs,
		Outputs:     node.Outputs,
		Routes:      node.Routes,
		NextNodes:   node.NextNodes,
		Config:      config,
	}, nil
}

// mergeConfig overlays the node config on the component config for map and
// parallel nodes, so component config supplies defaults (collection,
// failure_mode, branches). The overlay is a JSON merge patch, which makes
// the merge recursive and lets explicit nulls remove inherited keys.
func mergeConfig(kind string, node ir.GraphNode, meta *ir.Component) (map[string]any, error) {
	if (kind != KindMap && kind != KindParallel) || meta == nil || len(meta.Config) == 0 {
		return node.Config, nil
	}
	base, err := json.Marshal(meta.Config)
	if err != nil {
		return nil, err
	}
	patch, err := json.Marshal(node.Config)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// determineKind picks the execution kind: an explicit node type wins, and
// generic node types defer to the component's type.
func determineKind(node ir.GraphNode, meta *ir.Component) string {
	nodeType := strings.ToLower(node.Type)
	switch nodeType {
	case KindLLM, KindTool, KindRouter, KindMap, KindParallel:
		return nodeType
	case KindComponent, "node", "task":
		if meta != nil {
			componentType := strings.ToLower(meta.Type)
			switch componentType {
			case KindLLM, KindTool, KindRouter, KindMap, KindParallel:
				return componentType
			}
		}
		if nodeType == "node" || nodeType == "task" {
			return KindComponent
		}
	}
	return nodeType
}
