// Package ir lowers a validated workflow document into the immutable
// intermediate representation consumed by the graph builder. Normalization
// resolves cross-references, fills compatibility defaults, and reports
// non-blocking issues as warnings.
package ir

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/loader"
)

// Warning codes emitted during normalization.
const (
	WarnComponentProviderInfer  = "WARN_COMPONENT_PROVIDER_INFER"
	WarnComponentInputsDefault  = "WARN_V1_COMPONENT_INPUTS_OPTIONAL"
	WarnComponentOutputsDefault = "WARN_V1_COMPONENT_OUTPUTS_OPTIONAL"
	WarnNodeNaming              = "WARN_V1_NODE_NAMING"
	WarnNodeUnreachable         = "WARN_GRAPH_NODE_UNREACHABLE"
	WarnLegacyErrorPolicy       = "WARN_V1_ERROR_POLICY"
)

// Warning is a non-blocking compatibility issue tied to a document pointer.
type Warning struct {
	Code    string
	Message string
	Pointer string
}

type Provider struct {
	ID     string
	Type   string
	Config map[string]any
}

type Tool struct {
	ID         string
	Type       string
	ProviderID string
	Config     map[string]any
}

type Component struct {
	ID         string
	Type       string
	ProviderID string
	ToolID     string
	Inputs     map[string]any
	Outputs    map[string]any
	Config     map[string]any
}

type GraphNode struct {
	ID          string
	Type        string
	ComponentID string
	NextNodes   []string
	Routes      map[string]string
	Inputs      map[string]any
	Outputs     map[string]any
	Config      map[string]any
	Pointer     string
}

type GraphOutput struct {
	Key    string
	NodeID string
	Output string
}

type History struct {
	ID            string
	Backend       map[string]any
	SystemMessage string
}

type Runtime struct {
	Engine            string
	GraphName         string
	Defaults          map[string]any
	DefaultProviderID string
}

type Graph struct {
	EntryID string
	Nodes   map[string]GraphNode
	// NodeOrder preserves document order for deterministic iteration.
	NodeOrder []string
	Outputs   []GraphOutput
}

// IR is the fully normalized document.
type IR struct {
	Meta       map[string]any
	Runtime    Runtime
	Providers  map[string]Provider
	Tools      map[string]Tool
	Components map[string]Component
	Graph      Graph
	Policies   map[string]any
	Histories  map[string]History
}

var validNodeName = regexp.MustCompile(`^[a-z0-9_]+$`)

// NormalizeDocument lowers a loaded document.
func NormalizeDocument(doc *loader.Document) (*IR, []Warning, error) {
	return Normalize(doc.Root)
}

// Normalize lowers a schema-validated document tree into the IR.
func Normalize(document map[string]any) (*IR, []Warning, error) {
	if document == nil {
		return nil, nil, errs.New(errs.CodeIRInputType, "document must be a mapping", "/")
	}
	var warnings []Warning

	meta, err := normalizeMeta(document["meta"])
	if err != nil {
		return nil, nil, err
	}
	providers, err := normalizeProviders(document["providers"])
	if err != nil {
		return nil, nil, err
	}
	runtime, err := normalizeRuntime(document["runtime"], providers)
	if err != nil {
		return nil, nil, err
	}
	tools, err := normalizeTools(document["tools"], providers)
	if err != nil {
		return nil, nil, err
	}
	components, err := normalizeComponents(document["components"], providers, tools, runtime.DefaultProviderID, &warnings)
	if err != nil {
		return nil, nil, err
	}
	graph, err := normalizeGraph(document["graph"], components, &warnings)
	if err != nil {
		return nil, nil, err
	}
	policies, err := normalizePolicies(document["policies"], &warnings)
	if err != nil {
		return nil, nil, err
	}
	histories, err := normalizeHistories(document["histories"])
	if err != nil {
		return nil, nil, err
	}

	return &IR{
		Meta:       meta,
		Runtime:    runtime,
		Providers:  providers,
		Tools:      tools,
		Components: components,
		Graph:      graph,
		Policies:   policies,
		Histories:  histories,
	}, warnings, nil
}

func normalizeMeta(raw any) (map[string]any, error) {
	if raw == nil {
		return map[string]any{}, nil
	}
	meta, ok := raw.(map[string]any)
	if !ok {
		return nil, errs.New(errs.CodeMetaType, "meta must be a mapping", "/meta")
	}
	return cloneMap(meta), nil
}

func normalizeProviders(raw any) (map[string]Provider, error) {
	if raw == nil {
		return map[string]Provider{}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errs.New(errs.CodeProvidersType, "providers must be a list", "/providers")
	}
	providers := make(map[string]Provider, len(list))
	for idx, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, errs.New(errs.CodeProviderEntry, "provider entry must be a mapping", fmt.Sprintf("/providers/%d", idx))
		}
		id, ok := m["id"].(string)
		if !ok {
			return nil, errs.New(errs.CodeProviderID, "provider id must be a string", fmt.Sprintf("/providers/%d/id", idx))
		}
		ptype, ok := m["type"].(string)
		if !ok {
			return nil, errs.New(errs.CodeProviderTypeField, "provider type must be a string", fmt.Sprintf("/providers/%d/type", idx))
		}
		providers[id] = Provider{ID: id, Type: ptype, Config: configOf(m)}
	}
	return providers, nil
}

func normalizeRuntime(raw any, providers map[string]Provider) (Runtime, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Runtime{}, errs.New(errs.CodeRuntimeType, "runtime must be a mapping", "/runtime")
	}
	engine, ok := m["engine"].(string)
	if !ok {
		return Runtime{}, errs.New(errs.CodeRuntimeEngine, "runtime.engine must be a string", "/runtime/engine")
	}
	graphName, _ := m["graph_name"].(string)
	defaults, _ := m["defaults"].(map[string]any)
	defaultProvider, _ := defaults["provider"].(string)
	if defaultProvider != "" {
		if _, exists := providers[defaultProvider]; !exists {
			return Runtime{}, errs.New(
				errs.CodeRuntimeDefaultProvider,
				fmt.Sprintf("default provider %q is not defined", defaultProvider),
				"/runtime/defaults/provider",
			)
		}
	}
	return Runtime{
		Engine:            engine,
		GraphName:         graphName,
		Defaults:          cloneMap(defaults),
		DefaultProviderID: defaultProvider,
	}, nil
}

func normalizeTools(raw any, providers map[string]Provider) (map[string]Tool, error) {
	if raw == nil {
		return map[string]Tool{}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errs.New(errs.CodeToolsType, "tools must be a list", "/tools")
	}
	tools := make(map[string]Tool, len(list))
	for idx, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, errs.New(errs.CodeToolEntry, "tool entry must be a mapping", fmt.Sprintf("/tools/%d", idx))
		}
		id, ok := m["id"].(string)
		if !ok {
			return nil, errs.New(errs.CodeToolID, "tool id must be a string", fmt.Sprintf("/tools/%d/id", idx))
		}
		ttype, ok := m["type"].(string)
		if !ok {
			return nil, errs.New(errs.CodeToolTypeField, "tool type must be a string", fmt.Sprintf("/tools/%d/type", idx))
		}
		providerID, _ := m["provider"].(string)
		if providerID != "" {
			if _, exists := providers[providerID]; !exists {
				return nil, errs.New(
					errs.CodeToolProviderNotFound,
					fmt.Sprintf("tool references undefined provider %q", providerID),
					fmt.Sprintf("/tools/%d/provider", idx),
				)
			}
		}
		config := configOf(m)
		if perms, ok := m["permissions"]; ok {
			config["permissions"] = perms
		}
		tools[id] = Tool{ID: id, Type: ttype, ProviderID: providerID, Config: config}
	}
	return tools, nil
}

func normalizeComponents(raw any, providers map[string]Provider, tools map[string]Tool, defaultProviderID string, warnings *[]Warning) (map[string]Component, error) {
	if raw == nil {
		return map[string]Component{}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errs.New(errs.CodeComponentsType, "components must be a list", "/components")
	}
	components := make(map[string]Component, len(list))
	for idx, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, errs.New(errs.CodeComponentEntry, "component entry must be a mapping", fmt.Sprintf("/components/%d", idx))
		}
		id, ok := m["id"].(string)
		if !ok {
			return nil, errs.New(errs.CodeComponentID, "component id must be a string", fmt.Sprintf("/components/%d/id", idx))
		}
		ctype, ok := m["type"].(string)
		if !ok {
			return nil, errs.New(errs.CodeComponentTypeField, "component type must be a string", fmt.Sprintf("/components/%d/type", idx))
		}
		providerID, explicit := m["provider"].(string)
		if !explicit {
			providerID = defaultProviderID
		}
		if providerID != "" {
			if _, exists := providers[providerID]; !exists {
				return nil, errs.New(
					errs.CodeComponentProvider,
					fmt.Sprintf("component references undefined provider %q", providerID),
					fmt.Sprintf("/components/%d/provider", idx),
				)
			}
		} else {
			*warnings = append(*warnings, Warning{
				Code:    WarnComponentProviderInfer,
				Message: "component missing provider; leaving provider unset",
				Pointer: fmt.Sprintf("/components/%d", idx),
			})
		}
		toolID, _ := m["tool"].(string)
		if toolID != "" {
			if _, exists := tools[toolID]; !exists {
				return nil, errs.New(
					errs.CodeComponentToolNotFound,
					fmt.Sprintf("component references undefined tool %q", toolID),
					fmt.Sprintf("/components/%d/tool", idx),
				)
			}
		}
		inputs, hasInputs := m["inputs"].(map[string]any)
		if !hasInputs {
			*warnings = append(*warnings, Warning{
				Code:    WarnComponentInputsDefault,
				Message: "component inputs missing; defaulting to empty mapping",
				Pointer: fmt.Sprintf("/components/%d", idx),
			})
			inputs = map[string]any{}
		}
		outputs, hasOutputs := m["outputs"].(map[string]any)
		if !hasOutputs {
			*warnings = append(*warnings, Warning{
				Code:    WarnComponentOutputsDefault,
				Message: "component outputs missing; defaulting to empty mapping",
				Pointer: fmt.Sprintf("/components/%d", idx),
			})
			outputs = map[string]any{}
		}
		components[id] = Component{
			ID:         id,
			Type:       ctype,
			ProviderID: providerID,
			ToolID:     toolID,
			Inputs:     cloneMap(inputs),
			Outputs:    cloneMap(outputs),
			Config:     configOf(m),
		}
	}
	return components, nil
}

func normalizeGraph(raw any, components map[string]Component, warnings *[]Warning) (Graph, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Graph{}, errs.New(errs.CodeGraphType, "graph must be a mapping", "/graph")
	}
	entryID, ok := m["entry"].(string)
	if !ok {
		return Graph{}, errs.New(errs.CodeGraphEntryNotFound, "graph entry must reference a node id", "/graph/entry")
	}
	rawNodes, ok := m["nodes"].([]any)
	if !ok || len(rawNodes) == 0 {
		return Graph{}, errs.New(errs.CodeGraphNodes, "graph.nodes must be a non-empty list", "/graph/nodes")
	}

	nodes := make(map[string]GraphNode, len(rawNodes))
	order := make([]string, 0, len(rawNodes))
	for idx, entry := range rawNodes {
		nm, ok := entry.(map[string]any)
		if !ok {
			return Graph{}, errs.New(errs.CodeGraphNodeType, "graph node must be a mapping", fmt.Sprintf("/graph/nodes/%d", idx))
		}
		nodeID, ok := nm["id"].(string)
		if !ok {
			return Graph{}, errs.New(errs.CodeNodeID, "graph node id must be a string", fmt.Sprintf("/graph/nodes/%d/id", idx))
		}
		pointer := fmt.Sprintf("/graph/nodes/%d", idx)
		nodeType, ok := nm["type"].(string)
		if !ok {
			nodeType = "node"
		}
		componentID, _ := nm["component"].(string)
		if componentID != "" {
			if _, exists := components[componentID]; !exists {
				return Graph{}, errs.New(
					errs.CodeNodeComponentNotFound,
					fmt.Sprintf("node references undefined component %q", componentID),
					fmt.Sprintf("/graph/nodes/%d/component", idx),
				)
			}
		}
		inputs, _ := nm["inputs"].(map[string]any)
		outputs, _ := nm["outputs"].(map[string]any)
		config, _ := nm["config"].(map[string]any)

		nextRaw := nm["next"]
		nextNodes := extractTargets(nextRaw)
		routes := map[string]string{}
		if routeMap, ok := nextRaw.(map[string]any); ok {
			for key, value := range routeMap {
				if target, ok := value.(string); ok {
					routes[key] = target
				}
			}
		}

		nodes[nodeID] = GraphNode{
			ID:          nodeID,
			Type:        nodeType,
			ComponentID: componentID,
			NextNodes:   nextNodes,
			Routes:      routes,
			Inputs:      cloneMap(inputs),
			Outputs:     cloneMap(outputs),
			Config:      cloneMap(config),
			Pointer:     pointer,
		}
		order = append(order, nodeID)
		if !validNodeName.MatchString(nodeID) {
			*warnings = append(*warnings, Warning{
				Code:    WarnNodeNaming,
				Message: "node id contains characters outside snake_case; consider renaming",
				Pointer: fmt.Sprintf("/graph/nodes/%d/id", idx),
			})
		}
	}

	if _, exists := nodes[entryID]; !exists {
		return Graph{}, errs.New(
			errs.CodeGraphEntryNotFound,
			fmt.Sprintf("graph entry %q does not match any defined node", entryID),
			"/graph/entry",
		)
	}
	for _, nodeID := range order {
		for _, target := range nodes[nodeID].NextNodes {
			if _, exists := nodes[target]; !exists {
				return Graph{}, errs.New(
					errs.CodeEdgeEndpointInvalid,
					fmt.Sprintf("node %q references undefined target %q", nodeID, target),
					nodes[nodeID].Pointer+"/next",
				)
			}
		}
	}

	var graphOutputs []GraphOutput
	if outputsRaw, present := m["outputs"]; present && outputsRaw != nil {
		list, ok := outputsRaw.([]any)
		if !ok {
			return Graph{}, errs.New(errs.CodeGraphOutputsType, "graph.outputs must be a list", "/graph/outputs")
		}
		for idx, entry := range list {
			om, ok := entry.(map[string]any)
			if !ok {
				return Graph{}, errs.New(errs.CodeGraphOutputEntry, "graph output must be a mapping", fmt.Sprintf("/graph/outputs/%d", idx))
			}
			key, ok := om["key"].(string)
			if !ok {
				return Graph{}, errs.New(errs.CodeGraphOutputKey, "graph output key must be a string", fmt.Sprintf("/graph/outputs/%d/key", idx))
			}
			nodeID, ok := om["node"].(string)
			if !ok {
				return Graph{}, errs.New(errs.CodeGraphOutputNode, "graph output node must be a string", fmt.Sprintf("/graph/outputs/%d/node", idx))
			}
			if _, exists := nodes[nodeID]; !exists {
				return Graph{}, errs.New(
					errs.CodeEdgeEndpointInvalid,
					fmt.Sprintf("graph output references undefined node %q", nodeID),
					fmt.Sprintf("/graph/outputs/%d/node", idx),
				)
			}
			output, ok := om["output"].(string)
			if !ok {
				return Graph{}, errs.New(errs.CodeGraphOutputName, "graph output name must be a string", fmt.Sprintf("/graph/outputs/%d/output", idx))
			}
			graphOutputs = append(graphOutputs, GraphOutput{Key: key, NodeID: nodeID, Output: output})
		}
	}

	reachable := collectReachable(entryID, nodes)
	for _, nodeID := range order {
		if _, ok := reachable[nodeID]; !ok {
			*warnings = append(*warnings, Warning{
				Code:    WarnNodeUnreachable,
				Message: fmt.Sprintf("node %q is not reachable from entry %q", nodeID, entryID),
				Pointer: nodes[nodeID].Pointer,
			})
		}
	}

	return Graph{EntryID: entryID, Nodes: nodes, NodeOrder: order, Outputs: graphOutputs}, nil
}

func normalizePolicies(raw any, warnings *[]Warning) (map[string]any, error) {
	if raw == nil {
		return map[string]any{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errs.New(errs.CodePoliciesType, "policies must be a mapping", "/policies")
	}
	if _, legacy := m["error_policy"]; legacy {
		*warnings = append(*warnings, Warning{
			Code:    WarnLegacyErrorPolicy,
			Message: "found legacy error_policy; migrate to policies.error",
			Pointer: "/policies/error_policy",
		})
	}
	return cloneMap(m), nil
}

func normalizeHistories(raw any) (map[string]History, error) {
	list, ok := raw.([]any)
	if !ok {
		return map[string]History{}, nil
	}
	histories := make(map[string]History, len(list))
	for idx, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, errs.New(errs.CodeHistoryType, "history must be a mapping", fmt.Sprintf("/histories/%d", idx))
		}
		id, ok := m["id"].(string)
		if !ok {
			return nil, errs.New(errs.CodeHistoryID, "history id must be a string", fmt.Sprintf("/histories/%d/id", idx))
		}
		if _, dup := histories[id]; dup {
			return nil, errs.New(errs.CodeHistoryDuplicate, fmt.Sprintf("duplicate history id %q", id), fmt.Sprintf("/histories/%d/id", idx))
		}
		backend := map[string]any{"type": "memory"}
		if rawBackend, present := m["backend"]; present && rawBackend != nil {
			bm, ok := rawBackend.(map[string]any)
			if !ok {
				return nil, errs.New(errs.CodeHistoryBackendType, "history backend must be a mapping", fmt.Sprintf("/histories/%d/backend", idx))
			}
			if len(bm) > 0 {
				backend = cloneMap(bm)
			}
		}
		systemMessage, _ := m["system_message"].(string)
		histories[id] = History{ID: id, Backend: backend, SystemMessage: systemMessage}
	}
	return histories, nil
}

// extractTargets flattens the next field, which may be a single id, a list
// of ids, or a route mapping whose values are ids.
func extractTargets(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []any:
		var targets []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				targets = append(targets, s)
			}
		}
		return targets
	case map[string]any:
		var targets []string
		for _, value := range sortedValues(v) {
			if s, ok := value.(string); ok {
				targets = append(targets, s)
			}
		}
		return targets
	default:
		return nil
	}
}

// sortedValues returns map values ordered by key so route targets stay
// deterministic across runs.
func sortedValues(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]any, 0, len(keys))
	for _, k := range keys {
		values = append(values, m[k])
	}
	return values
}

func collectReachable(entryID string, nodes map[string]GraphNode) map[string]struct{} {
	reachable := map[string]struct{}{}
	queue := []string{entryID}
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		if _, seen := reachable[nodeID]; seen {
			continue
		}
		reachable[nodeID] = struct{}{}
		for _, target := range nodes[nodeID].NextNodes {
			if _, seen := reachable[target]; !seen {
				queue = append(queue, target)
			}
		}
	}
	return reachable
}

func configOf(m map[string]any) map[string]any {
	config, _ := m["config"].(map[string]any)
	return cloneMap(config)
}

func cloneMap(m map[string]any) map[string]any {
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
