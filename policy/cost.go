package policy

import (
	"fmt"
	"sync"

	"github.com/flowgraph/flowgraph/errs"
)

// CostLimiter accumulates token usage per run and rejects llm.call events
// once the per-run budget is exceeded.
type CostLimiter struct {
	mu          sync.Mutex
	perRunLimit int
	limited     bool
	runTotals   map[string]int
}

// NewCostLimiter parses policies.cost config. A missing per_run_tokens
// disables enforcement while still tracking totals.
func NewCostLimiter(config map[string]any) *CostLimiter {
	l := &CostLimiter{runTotals: map[string]int{}}
	if config == nil {
		return l
	}
	if raw, ok := config["per_run_tokens"]; ok && raw != nil {
		if limit, ok := toInt(raw); ok {
			l.perRunLimit = limit
			l.limited = true
		}
	}
	return l
}

// RecordLLMCall adds tokensIn+tokensOut to the run's total and fails with
// ERR_COST_LIMIT_EXCEEDED when the budget is blown.
func (l *CostLimiter) RecordLLMCall(runID string, tokensIn, tokensOut int) error {
	total := tokensIn + tokensOut
	if total <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.runTotals[runID] + total
	if l.limited && current > l.perRunLimit {
		return errs.New(
			errs.CodeCostLimitExceeded,
			fmt.Sprintf("run %q exceeded token budget (%d>%d)", runID, current, l.perRunLimit),
			"/policies/cost",
		)
	}
	l.runTotals[runID] = current
	return nil
}

// Total reports the accumulated token count for a run.
func (l *CostLimiter) Total(runID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runTotals[runID]
}
