package policy

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/flowgraph/flowgraph/errs"
)

// Retry strategies.
const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
	StrategyJitter      = "jitter"
)

// RetryPolicy wraps an operation with retries. Delays grow per strategy;
// only failures classified by Retryable are attempted again.
type RetryPolicy struct {
	Strategy    string
	MaxAttempts int
	Interval    time.Duration
	Jitter      time.Duration
}

// Delay computes the sleep before the next attempt. attempt is 1-based:
// the number of failures observed so far.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	switch p.Strategy {
	case StrategyFixed:
		return p.Interval
	case StrategyExponential:
		return p.Interval * (1 << (attempt - 1))
	case StrategyJitter:
		base := p.Interval * time.Duration(max(1, attempt))
		if p.Jitter <= 0 {
			return base
		}
		return base + time.Duration(rand.Int63n(int64(p.Jitter)))
	default:
		return p.Interval
	}
}

// Execute runs op, retrying per the policy. Every recovered failure emits
// a retry.attempt event; exhausted retries re-raise the last failure.
func (p *RetryPolicy) Execute(ctx context.Context, emitter Emitter, runID, nodeID string, op func() error) error {
	attempt := 0
	for {
		err := op()
		if err == nil {
			return nil
		}
		attempt++
		if attempt >= p.MaxAttempts || !Retryable(err) {
			return err
		}
		delay := p.Delay(attempt)
		if emitter != nil {
			_ = emitter.Emit("retry.attempt", map[string]any{
				"run_id":  runID,
				"node_id": nodeID,
				"attempt": attempt,
				"delay":   delay.Seconds(),
				"error":   err.Error(),
			})
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RetryManager resolves the retry policy for each node from the policies
// section: a default policy plus per-target overrides.
type RetryManager struct {
	defaultPolicy *RetryPolicy
	overrides     map[string]*RetryPolicy
}

// NewRetryManager parses policies.retry config. Invalid strategies or
// attempt counts fail with ERR_RETRY_PREDICATE.
func NewRetryManager(config map[string]any) (*RetryManager, error) {
	m := &RetryManager{overrides: map[string]*RetryPolicy{}}
	if config == nil {
		return m, nil
	}
	if raw, ok := config["default"].(map[string]any); ok {
		policy, err := buildRetryPolicy(raw)
		if err != nil {
			return nil, err
		}
		m.defaultPolicy = policy
	}
	if overrides, ok := config["overrides"].([]any); ok {
		for _, entry := range overrides {
			raw, ok := entry.(map[string]any)
			if !ok {
				return nil, errs.New(errs.CodeRetryPredicate, "retry override must be a mapping", "/policies/retry/overrides")
			}
			target, ok := raw["target"].(string)
			if !ok {
				return nil, errs.New(errs.CodeRetryPredicate, "retry override requires a target identifier", "/policies/retry/overrides")
			}
			policy, err := buildRetryPolicy(raw)
			if err != nil {
				return nil, err
			}
			m.overrides[target] = policy
		}
	}
	return m, nil
}

// ForNode returns the override for nodeID if present, the default policy
// otherwise, or nil when retries are not configured.
func (m *RetryManager) ForNode(nodeID string) *RetryPolicy {
	if policy, ok := m.overrides[nodeID]; ok {
		return policy
	}
	return m.defaultPolicy
}

func buildRetryPolicy(entry map[string]any) (*RetryPolicy, error) {
	strategy := StrategyFixed
	if raw, ok := entry["strategy"]; ok {
		strategy = strings.ToLower(fmt.Sprint(raw))
	}
	switch strategy {
	case StrategyFixed, StrategyExponential, StrategyJitter:
	default:
		return nil, errs.New(errs.CodeRetryPredicate, fmt.Sprintf("unsupported retry strategy %q", strategy), "/policies/retry")
	}
	maxAttempts := 1
	if raw, ok := entry["max_attempts"]; ok {
		n, ok := toInt(raw)
		if !ok {
			return nil, errs.New(errs.CodeRetryPredicate, "max_attempts must be an integer", "/policies/retry")
		}
		maxAttempts = n
	}
	if maxAttempts < 1 {
		return nil, errs.New(errs.CodeRetryPredicate, "max_attempts must be >= 1", "/policies/retry")
	}
	var interval, jitter float64
	if raw, ok := entry["interval"]; ok {
		interval, _ = toFloat(raw)
	}
	if raw, ok := entry["jitter"]; ok {
		jitter, _ = toFloat(raw)
	}
	return &RetryPolicy{
		Strategy:    strategy,
		MaxAttempts: maxAttempts,
		Interval:    time.Duration(interval * float64(time.Second)),
		Jitter:      time.Duration(jitter * float64(time.Second)),
	}, nil
}
