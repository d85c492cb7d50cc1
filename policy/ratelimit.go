package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowgraph/flowgraph/errs"
)

// RateLimiter gates node execution. Acquire blocks until a slot is
// available, emitting a rate.limit.wait event whenever it has to wait.
type RateLimiter interface {
	Acquire(ctx context.Context, emitter Emitter, runID, scope, target string) error
}

// TokenBucket adapts rate.Limiter to the acquire-and-report contract. The
// bucket starts full and refills continuously.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket validates parameters and builds a bucket. refillRate is
// tokens per second.
func NewTokenBucket(capacity int, refillRate float64) (*TokenBucket, error) {
	if capacity <= 0 || refillRate <= 0 {
		return nil, errs.New(errs.CodeRateLimitPolicyParam, "invalid token bucket parameters", "/policies/rate_limit")
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(refillRate), capacity)}, nil
}

func (b *TokenBucket) Acquire(ctx context.Context, emitter Emitter, runID, scope, target string) error {
	reservation := b.limiter.ReserveN(time.Now(), 1)
	if !reservation.OK() {
		return errs.New(errs.CodeRateLimitPolicyParam, "token bucket cannot satisfy request", "/policies/rate_limit")
	}
	delay := reservation.Delay()
	if delay <= 0 {
		return nil
	}
	if emitter != nil {
		_ = emitter.Emit("rate.limit.wait", map[string]any{
			"run_id":    runID,
			"scope":     scope,
			"target":    target,
			"wait_time": delay.Seconds(),
		})
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}

// FixedWindow admits at most limit acquires per window, then makes
// waiters sleep until the window rolls.
type FixedWindow struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
}

// NewFixedWindow validates parameters and builds a window limiter.
func NewFixedWindow(limit int, window time.Duration) (*FixedWindow, error) {
	if limit <= 0 || window <= 0 {
		return nil, errs.New(errs.CodeRateLimitPolicyParam, "invalid fixed window parameters", "/policies/rate_limit")
	}
	return &FixedWindow{limit: limit, window: window, windowStart: time.Now()}, nil
}

func (w *FixedWindow) Acquire(ctx context.Context, emitter Emitter, runID, scope, target string) error {
	w.mu.Lock()
	now := time.Now()
	if now.Sub(w.windowStart) >= w.window {
		w.windowStart = now
		w.count = 0
	}
	if w.count < w.limit {
		w.count++
		w.mu.Unlock()
		return nil
	}
	wait := w.window - now.Sub(w.windowStart)
	w.mu.Unlock()

	if emitter != nil {
		_ = emitter.Emit("rate.limit.wait", map[string]any{
			"run_id":    runID,
			"scope":     scope,
			"target":    target,
			"wait_time": wait.Seconds(),
		})
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.windowStart = time.Now()
	w.count = 1
	w.mu.Unlock()
	return nil
}

// RateLimitManager resolves limiters per provider and per node, with an
// optional shared_providers indirection that lets several providers drain
// one bucket.
type RateLimitManager struct {
	emitter         Emitter
	providerLimits  map[string]RateLimiter
	nodeLimits      map[string]RateLimiter
	sharedProviders map[string]string
}

// NewRateLimitManager parses policies.rate_limit config.
func NewRateLimitManager(config map[string]any, emitter Emitter) (*RateLimitManager, error) {
	m := &RateLimitManager{
		emitter:         emitter,
		providerLimits:  map[string]RateLimiter{},
		nodeLimits:      map[string]RateLimiter{},
		sharedProviders: map[string]string{},
	}
	if config == nil {
		return m, nil
	}
	if providers, ok := config["providers"].([]any); ok {
		for _, entry := range providers {
			if err := m.register(entry, m.providerLimits); err != nil {
				return nil, err
			}
		}
	}
	if nodes, ok := config["nodes"].([]any); ok {
		for _, entry := range nodes {
			if err := m.register(entry, m.nodeLimits); err != nil {
				return nil, err
			}
		}
	}
	if shared, ok := config["shared_providers"].(map[string]any); ok {
		for providerID, sharedID := range shared {
			target, ok := sharedID.(string)
			if !ok {
				return nil, errs.New(errs.CodeRateLimitPolicyParam, "shared_providers must map strings", "/policies/rate_limit/shared_providers")
			}
			m.sharedProviders[providerID] = target
		}
	}
	return m, nil
}

func (m *RateLimitManager) register(entry any, target map[string]RateLimiter) error {
	raw, ok := entry.(map[string]any)
	if !ok {
		return errs.New(errs.CodeRateLimitPolicyParam, "rate limit entry must be a mapping", "/policies/rate_limit")
	}
	targetID, ok := raw["target"].(string)
	if !ok {
		return errs.New(errs.CodeRateLimitPolicyParam, "rate limit entry missing target", "/policies/rate_limit")
	}
	limiterType := "token_bucket"
	if t, ok := raw["type"]; ok {
		limiterType = strings.ToLower(fmt.Sprint(t))
	}
	switch limiterType {
	case "token_bucket":
		capacity := 1
		if v, ok := raw["capacity"]; ok {
			capacity, _ = toInt(v)
		}
		refill := 1.0
		if v, ok := raw["refill_rate"]; ok {
			refill, _ = toFloat(v)
		}
		limiter, err := NewTokenBucket(capacity, refill)
		if err != nil {
			return err
		}
		target[targetID] = limiter
	case "fixed_window":
		limit := 1
		if v, ok := raw["limit"]; ok {
			limit, _ = toInt(v)
		}
		window := 1.0
		if v, ok := raw["window"]; ok {
			window, _ = toFloat(v)
		}
		limiter, err := NewFixedWindow(limit, time.Duration(window*float64(time.Second)))
		if err != nil {
			return err
		}
		target[targetID] = limiter
	default:
		return errs.New(errs.CodeRateLimitPolicyParam, fmt.Sprintf("unsupported rate limit type %q", limiterType), "/policies/rate_limit")
	}
	return nil
}

// Acquire takes the provider-layer token (through the shared alias when
// configured) and then the node-layer token. Either layer may be absent.
func (m *RateLimitManager) Acquire(ctx context.Context, runID, nodeID, providerID string) error {
	limiterKey := providerID
	if providerID != "" {
		if shared, ok := m.sharedProviders[providerID]; ok {
			limiterKey = shared
		}
	}
	if limiterKey != "" {
		if limiter, ok := m.providerLimits[limiterKey]; ok {
			if err := limiter.Acquire(ctx, m.emitter, runID, "provider", limiterKey); err != nil {
				return err
			}
		}
	}
	if limiter, ok := m.nodeLimits[nodeID]; ok {
		if err := limiter.Acquire(ctx, m.emitter, runID, "node", nodeID); err != nil {
			return err
		}
	}
	return nil
}
