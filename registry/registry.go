// Package registry materializes the runtime objects behind an IR: provider
// clients, tool instances, and component implementations. Factories are
// registered per type string; resolution caches by id so shared entities
// are built exactly once per definition.
package registry

import (
	"fmt"

	"github.com/flowgraph/flowgraph/component"
	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/ir"
)

// ProviderFactory builds a provider instance (an API client, a connection
// pool) from its IR definition.
type ProviderFactory func(provider ir.Provider) (any, error)

// ToolFactory builds a tool instance. providerInstance is nil when the
// tool declares no provider.
type ToolFactory func(tool ir.Tool, providerInstance any) (any, error)

// ComponentFactory builds the executable component for a definition.
type ComponentFactory func(cmp ir.Component, providerInstance, toolInstance any) (component.Component, error)

// PermissionCarrier is implemented by tool instances that require
// permissions to be granted before use.
type PermissionCarrier interface {
	Permissions() []string
}

// Registry resolves providers, tools, and components by type.
type Registry struct {
	providerFactories  map[string]ProviderFactory
	toolFactories      map[string]ToolFactory
	componentFactories map[string]ComponentFactory

	providerCache  map[string]any
	toolCache      map[string]any
	componentCache map[string]component.Component
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		providerFactories:  map[string]ProviderFactory{},
		toolFactories:      map[string]ToolFactory{},
		componentFactories: map[string]ComponentFactory{},
		providerCache:      map[string]any{},
		toolCache:          map[string]any{},
		componentCache:     map[string]component.Component{},
	}
}

// RegisterProvider binds a factory to a provider type.
func (r *Registry) RegisterProvider(providerType string, factory ProviderFactory) *Registry {
	r.providerFactories[providerType] = factory
	return r
}

// RegisterTool binds a factory to a tool type.
func (r *Registry) RegisterTool(toolType string, factory ToolFactory) *Registry {
	r.toolFactories[toolType] = factory
	return r
}

// RegisterComponent binds a factory to a component type.
func (r *Registry) RegisterComponent(componentType string, factory ComponentFactory) *Registry {
	r.componentFactories[componentType] = factory
	return r
}

// Materialized holds the resolved runtime objects for one IR.
type Materialized struct {
	Providers  map[string]any
	Tools      map[string]any
	Components map[string]component.Component
}

// Materialize resolves every entity in the IR: providers first, then tools
// with their provider instances, then components with provider and tool.
func (r *Registry) Materialize(def *ir.IR) (*Materialized, error) {
	out := &Materialized{
		Providers:  map[string]any{},
		Tools:      map[string]any{},
		Components: map[string]component.Component{},
	}
	for _, provider := range def.Providers {
		instance, err := r.resolveProvider(provider)
		if err != nil {
			return nil, err
		}
		out.Providers[provider.ID] = instance
	}
	for _, tool := range def.Tools {
		var providerInstance any
		if tool.ProviderID != "" {
			providerInstance = out.Providers[tool.ProviderID]
		}
		instance, err := r.resolveTool(tool, providerInstance)
		if err != nil {
			return nil, err
		}
		out.Tools[tool.ID] = instance
	}
	for _, cmp := range def.Components {
		var providerInstance, toolInstance any
		if cmp.ProviderID != "" {
			providerInstance = out.Providers[cmp.ProviderID]
		}
		if cmp.ToolID != "" {
			toolInstance = out.Tools[cmp.ToolID]
		}
		instance, err := r.resolveComponent(cmp, providerInstance, toolInstance)
		if err != nil {
			return nil, err
		}
		out.Components[cmp.ID] = instance
	}
	return out, nil
}

func (r *Registry) resolveProvider(provider ir.Provider) (any, error) {
	if instance, ok := r.providerCache[provider.ID]; ok {
		return instance, nil
	}
	factory, ok := r.providerFactories[provider.Type]
	if !ok {
		return nil, errs.New(
			errs.CodeToolImport,
			fmt.Sprintf("no factory registered for provider type %q", provider.Type),
			"/providers/"+provider.ID,
		)
	}
	instance, err := factory(provider)
	if err != nil {
		return nil, errs.Wrap(
			errs.CodeToolImport,
			fmt.Sprintf("provider factory for %q failed: %v", provider.ID, err),
			"/providers/"+provider.ID,
			err,
		)
	}
	r.providerCache[provider.ID] = instance
	return instance, nil
}

func (r *Registry) resolveTool(tool ir.Tool, providerInstance any) (any, error) {
	if instance, ok := r.toolCache[tool.ID]; ok {
		return instance, nil
	}
	factory, ok := r.toolFactories[tool.Type]
	if !ok {
		return nil, errs.New(
			errs.CodeToolImport,
			fmt.Sprintf("no factory registered for tool type %q", tool.Type),
			"/tools/"+tool.ID,
		)
	}
	instance, err := factory(tool, providerInstance)
	if err != nil {
		return nil, errs.Wrap(
			errs.CodeToolImport,
			fmt.Sprintf("tool factory for %q failed: %v", tool.ID, err),
			"/tools/"+tool.ID,
			err,
		)
	}
	if err := validateToolPermissions(instance, "/tools/"+tool.ID); err != nil {
		return nil, err
	}
	r.toolCache[tool.ID] = instance
	return instance, nil
}

func (r *Registry) resolveComponent(cmp ir.Component, providerInstance, toolInstance any) (component.Component, error) {
	if instance, ok := r.componentCache[cmp.ID]; ok {
		return instance, nil
	}
	factory, ok := r.componentFactories[cmp.Type]
	if !ok {
		return nil, errs.New(
			errs.CodeComponentImport,
			fmt.Sprintf("no factory registered for component type %q", cmp.Type),
			"/components/"+cmp.ID,
		)
	}
	instance, err := factory(cmp, providerInstance, toolInstance)
	if err != nil {
		return nil, errs.Wrap(
			errs.CodeComponentImport,
			fmt.Sprintf("component factory for %q failed: %v", cmp.ID, err),
			"/components/"+cmp.ID,
			err,
		)
	}
	if instance == nil {
		return nil, errs.New(
			errs.CodeComponentSignature,
			"component factory must return a non-nil component",
			"/components/"+cmp.ID,
		)
	}
	r.componentCache[cmp.ID] = instance
	return instance, nil
}

// ToolPermissions extracts the declared permission set from a tool
// instance. Tools without a permission surface require nothing.
func ToolPermissions(instance any) []string {
	carrier, ok := instance.(PermissionCarrier)
	if !ok {
		return nil
	}
	return carrier.Permissions()
}

func validateToolPermissions(instance any, pointer string) error {
	type permissionAttr interface{ Permissions() any }
	if attr, ok := instance.(permissionAttr); ok {
		if _, isString := attr.Permissions().(string); isString {
			return errs.New(errs.CodeToolPermType, "tool permissions must be a list, not a string", pointer)
		}
	}
	// Map-configured tools may carry permissions in their config; reject
	// scalar values there too.
	if m, ok := instance.(map[string]any); ok {
		if perms, present := m["permissions"]; present {
			switch perms.(type) {
			case []string, []any, nil:
			default:
				return errs.New(errs.CodeToolPermType, "tool permissions must be a list", pointer)
			}
		}
	}
	return nil
}
