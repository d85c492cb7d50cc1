package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/flowgraph/component"
	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/ir"
)

type staticTool struct {
	perms []string
}

func (t *staticTool) Permissions() []string { return t.perms }

func noopComponent() component.Component {
	return component.Func(func(ctx context.Context, state component.StateView, inputs map[string]any, cc *component.Context) (map[string]any, error) {
		return map[string]any{}, nil
	})
}

func sampleIR() *ir.IR {
	return &ir.IR{
		Providers: map[string]ir.Provider{
			"p1": {ID: "p1", Type: "fake", Config: map[string]any{"model": "m"}},
		},
		Tools: map[string]ir.Tool{
			"t1": {ID: "t1", Type: "fake_tool", ProviderID: "p1"},
		},
		Components: map[string]ir.Component{
			"c1": {ID: "c1", Type: "fake_component", ProviderID: "p1", ToolID: "t1"},
		},
	}
}

func TestMaterializeResolvesInOrder(t *testing.T) {
	var toolGotProvider, componentGotBoth bool
	providerInstance := map[string]any{"client": "yes"}
	toolInstance := &staticTool{perms: []string{"net"}}

	r := New().
		RegisterProvider("fake", func(p ir.Provider) (any, error) {
			return providerInstance, nil
		}).
		RegisterTool("fake_tool", func(tool ir.Tool, provider any) (any, error) {
			toolGotProvider = provider != nil
			return toolInstance, nil
		}).
		RegisterComponent("fake_component", func(cmp ir.Component, provider, tool any) (component.Component, error) {
			componentGotBoth = provider != nil && tool != nil
			return noopComponent(), nil
		})

	out, err := r.Materialize(sampleIR())
	require.NoError(t, err)
	require.True(t, toolGotProvider)
	require.True(t, componentGotBoth)
	require.Len(t, out.Providers, 1)
	require.Len(t, out.Tools, 1)
	require.Len(t, out.Components, 1)
}

func TestMaterializeCachesByID(t *testing.T) {
	count := 0
	r := New().RegisterProvider("fake", func(p ir.Provider) (any, error) {
		count++
		return count, nil
	})
	def := &ir.IR{Providers: map[string]ir.Provider{"p1": {ID: "p1", Type: "fake"}}}

	_, err := r.Materialize(def)
	require.NoError(t, err)
	_, err = r.Materialize(def)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMaterializeUnknownProviderType(t *testing.T) {
	_, err := New().Materialize(&ir.IR{
		Providers: map[string]ir.Provider{"p1": {ID: "p1", Type: "mystery"}},
	})
	var coded *errs.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, errs.CodeToolImport, coded.Code)
	require.Equal(t, "/providers/p1", coded.Pointer)
}

func TestMaterializeUnknownComponentType(t *testing.T) {
	r := New().RegisterProvider("fake", func(p ir.Provider) (any, error) { return nil, nil })
	_, err := r.Materialize(&ir.IR{
		Providers:  map[string]ir.Provider{"p1": {ID: "p1", Type: "fake"}},
		Components: map[string]ir.Component{"c1": {ID: "c1", Type: "mystery"}},
	})
	var coded *errs.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, errs.CodeComponentImport, coded.Code)
}

func TestMaterializeFactoryErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	r := New().RegisterProvider("fake", func(p ir.Provider) (any, error) { return nil, boom })
	_, err := r.Materialize(&ir.IR{
		Providers: map[string]ir.Provider{"p1": {ID: "p1", Type: "fake"}},
	})
	require.ErrorIs(t, err, boom)
	var coded *errs.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, errs.CodeToolImport, coded.Code)
}

func TestMaterializeNilComponentRejected(t *testing.T) {
	r := New().RegisterComponent("fake_component", func(cmp ir.Component, provider, tool any) (component.Component, error) {
		return nil, nil
	})
	_, err := r.Materialize(&ir.IR{
		Components: map[string]ir.Component{"c1": {ID: "c1", Type: "fake_component"}},
	})
	var coded *errs.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, errs.CodeComponentSignature, coded.Code)
}

func TestMaterializeToolPermissionsInConfigMap(t *testing.T) {
	r := New().RegisterTool("fake_tool", func(tool ir.Tool, provider any) (any, error) {
		return map[string]any{"permissions": "net"}, nil
	})
	_, err := r.Materialize(&ir.IR{
		Tools: map[string]ir.Tool{"t1": {ID: "t1", Type: "fake_tool"}},
	})
	var coded *errs.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, errs.CodeToolPermType, coded.Code)
}

func TestToolPermissions(t *testing.T) {
	require.Equal(t, []string{"net"}, ToolPermissions(&staticTool{perms: []string{"net"}}))
	require.Nil(t, ToolPermissions(map[string]any{}))
	require.Nil(t, ToolPermissions(nil))
}
