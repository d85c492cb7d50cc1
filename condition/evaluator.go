package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Rule pairs a CEL expression with the node to visit when it holds.
type Rule struct {
	When string
	To   string
}

// Evaluator compiles and caches CEL programs used by router rules.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Evaluate runs a boolean CEL expression against a node's outputs and
// the surrounding run context. JSONPath-style `$.field` references are
// rewritten to `output.field` so workflow authors can use either form.
func (e *Evaluator) Evaluate(expr string, output any, runCtx map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"output": output,
		"ctx":    runCtx,
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean, got %T", out.Value())
	}
	return result, nil
}

// SelectRoute returns the target of the first rule whose expression
// holds. The second return reports whether any rule matched.
func (e *Evaluator) SelectRoute(rules []Rule, output any, runCtx map[string]any) (string, bool, error) {
	for _, rule := range rules {
		matched, err := e.Evaluate(rule.When, output, runCtx)
		if err != nil {
			return "", false, err
		}
		if matched {
			return rule.To, true, nil
		}
	}
	return "", false, nil
}

// ParseRules extracts routing rules from a node's raw config block.
func ParseRules(raw any) []Rule {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	rules := make([]Rule, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		when, _ := entry["when"].(string)
		to, _ := entry["to"].(string)
		if when == "" || to == "" {
			continue
		}
		rules = append(rules, Rule{When: when, To: to})
	}
	return rules
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compile error: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// ClearCache drops all compiled programs.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize reports how many programs are cached.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
