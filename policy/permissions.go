package policy

import (
	"fmt"
	"sort"

	"github.com/flowgraph/flowgraph/errs"
)

// PermissionGate tracks which permissions each component has been
// granted. Tool invocations must hold every permission their tool
// requires.
type PermissionGate struct {
	defaultAllow map[string]struct{}
	allow        map[string]map[string]struct{}
}

// NewPermissionGate parses policies.permissions config.
func NewPermissionGate(config map[string]any) *PermissionGate {
	g := &PermissionGate{
		defaultAllow: map[string]struct{}{},
		allow:        map[string]map[string]struct{}{},
	}
	if config == nil {
		return g
	}
	for _, item := range toStringSlice(config["default_allow"]) {
		g.defaultAllow[item] = struct{}{}
	}
	if allowMap, ok := config["allow"].(map[string]any); ok {
		for componentID, values := range allowMap {
			granted := map[string]struct{}{}
			for _, item := range toStringSlice(values) {
				granted[item] = struct{}{}
			}
			g.allow[componentID] = granted
		}
	}
	return g
}

// Check verifies that componentID holds every required permission.
func (g *PermissionGate) Check(componentID string, required []string) error {
	var missing []string
	granted := g.allow[componentID]
	for _, perm := range required {
		if _, ok := g.defaultAllow[perm]; ok {
			continue
		}
		if _, ok := granted[perm]; ok {
			continue
		}
		missing = append(missing, perm)
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return errs.New(
		errs.CodeToolPermissionDenied,
		fmt.Sprintf("component %q lacks permissions: %v", componentID, missing),
		"/components/"+componentID,
	)
}
