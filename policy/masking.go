package policy

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// DefaultMaskValue replaces redacted values.
const DefaultMaskValue = "***"

// MaskingEngine redacts configured payload paths before export. fields are
// always masked; diff_fields are masked only when the value changed since
// the previous event of the same run.
type MaskingEngine struct {
	fields     []string
	diffFields []string
	maskValue  string

	mu       sync.Mutex
	previous map[string]map[string]any
}

// NewMaskingEngine parses policies.masking config.
func NewMaskingEngine(config map[string]any) *MaskingEngine {
	e := &MaskingEngine{
		maskValue: DefaultMaskValue,
		previous:  map[string]map[string]any{},
	}
	if config == nil {
		return e
	}
	e.fields = toStringSlice(config["fields"])
	e.diffFields = toStringSlice(config["diff_fields"])
	if raw, ok := config["mask_value"]; ok {
		e.maskValue = fmt.Sprint(raw)
	}
	return e
}

// Mask returns a deep copy of payload with the configured paths redacted.
// The caller's payload is never mutated.
func (e *MaskingEngine) Mask(event string, payload map[string]any) map[string]any {
	masked, _ := deepCopy(payload).(map[string]any)
	if masked == nil {
		masked = map[string]any{}
	}
	for _, field := range e.fields {
		setPath(masked, field, e.maskValue)
	}

	runID, _ := payload["run_id"].(string)
	if runID == "" || len(e.diffFields) == 0 {
		return masked
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.previous[runID]
	if !ok {
		prev = map[string]any{}
		e.previous[runID] = prev
	}
	for _, field := range e.diffFields {
		current := getPath(masked, field)
		if current == nil {
			continue
		}
		if previous, seen := prev[field]; seen && previous != nil && !reflect.DeepEqual(previous, current) {
			setPath(masked, field, e.maskValue)
		}
		prev[field] = current
	}
	return masked
}

func getPath(data map[string]any, path string) any {
	var current any = data
	for _, part := range splitPath(path) {
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

func setPath(data map[string]any, path string, value any) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, ".") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		clone := make(map[string]any, len(v))
		for key, item := range v {
			clone[key] = deepCopy(item)
		}
		return clone
	case []any:
		clone := make([]any, len(v))
		for i, item := range v {
			clone[i] = deepCopy(item)
		}
		return clone
	default:
		return value
	}
}
