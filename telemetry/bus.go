// Package telemetry implements the sequenced event bus and its export
// sinks. Every runtime observation flows through the bus, which stamps a
// per-run monotonic sequence, enforces permission and cost policy on the
// emit path, masks sensitive fields, and fans out to all exporters.
package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/flowgraph/flowgraph/common/logger"
	"github.com/flowgraph/flowgraph/policy"
)

// Canonical event names.
const (
	EventGraphStart    = "graph.start"
	EventGraphFinish   = "graph.finish"
	EventNodeStart     = "node.start"
	EventNodeFinish    = "node.finish"
	EventLLMCall       = "llm.call"
	EventToolCall      = "tool.call"
	EventRetryAttempt  = "retry.attempt"
	EventRateLimitWait = "rate.limit.wait"
	EventErrorRaised   = "error.raised"
	EventTimeout       = "timeout"
	EventCancelled     = "cancelled"
)

// Exporter receives every event that clears the bus.
type Exporter interface {
	Export(event string, payload map[string]any) error
}

// FailedExport records a sink failure captured by the bus instead of
// propagating it to the emitter.
type FailedExport struct {
	Event    string
	Payload  map[string]any
	Exporter Exporter
	Err      error
}

// Bus is the masking and fan-out gateway for one or more runs.
type Bus struct {
	mu          sync.Mutex
	exporters   []Exporter
	masking     *policy.MaskingEngine
	permissions *policy.PermissionGate
	cost        *policy.CostLimiter
	sequences   map[string]int
	fallback    []FailedExport
	log         *logger.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithMasking installs the masking engine applied before fan-out.
func WithMasking(engine *policy.MaskingEngine) BusOption {
	return func(b *Bus) { b.masking = engine }
}

// WithPermissions installs the gate consulted on tool.call events.
func WithPermissions(gate *policy.PermissionGate) BusOption {
	return func(b *Bus) { b.permissions = gate }
}

// WithCostLimiter installs the limiter consulted on llm.call events.
func WithCostLimiter(limiter *policy.CostLimiter) BusOption {
	return func(b *Bus) { b.cost = limiter }
}

// WithLogger sets the logger used to note sink failures.
func WithLogger(log *logger.Logger) BusOption {
	return func(b *Bus) { b.log = log }
}

// NewBus creates a bus fanning out to the given exporters in order.
func NewBus(exporters []Exporter, opts ...BusOption) *Bus {
	b := &Bus{
		exporters: exporters,
		sequences: map[string]int{},
		log:       logger.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit stamps, checks, masks, and fans out one event. The payload must
// carry run_id. tool.call events are rejected when the component lacks a
// required permission; llm.call events are rejected when the run's token
// budget is exceeded. A rejection consumes a sequence number so the
// stream stays gap-free for auditing.
func (b *Bus) Emit(event string, payload map[string]any) error {
	runID, _ := payload["run_id"].(string)
	if runID == "" {
		return errors.New("telemetry: event payload missing run_id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sequence := b.sequences[runID]
	b.sequences[runID] = sequence + 1
	stamped := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		stamped[k] = v
	}
	stamped["sequence"] = sequence
	if _, ok := stamped["ts"]; !ok {
		stamped["ts"] = float64(time.Now().UnixNano()) / 1e9
	}

	switch event {
	case EventToolCall:
		if err := b.checkToolPermissions(stamped); err != nil {
			return err
		}
	case EventLLMCall:
		if err := b.checkCost(runID, stamped); err != nil {
			return err
		}
	}

	masked := stamped
	if b.masking != nil {
		masked = b.masking.Mask(event, stamped)
	}

	for _, exporter := range b.exporters {
		if err := exporter.Export(event, masked); err != nil {
			b.fallback = append(b.fallback, FailedExport{
				Event:    event,
				Payload:  masked,
				Exporter: exporter,
				Err:      err,
			})
			b.log.Warn("telemetry export failed", "event", event, "error", err)
		}
	}
	return nil
}

func (b *Bus) checkToolPermissions(payload map[string]any) error {
	if b.permissions == nil {
		return nil
	}
	componentID, _ := payload["component_id"].(string)
	if componentID == "" {
		componentID, _ = payload["node_id"].(string)
	}
	required := requiredPermissions(payload["required_permissions"])
	return b.permissions.Check(componentID, required)
}

func (b *Bus) checkCost(runID string, payload map[string]any) error {
	if b.cost == nil {
		return nil
	}
	return b.cost.RecordLLMCall(runID, intValue(payload["tokens_in"]), intValue(payload["tokens_out"]))
}

// FailedExports returns the sink failures captured so far.
func (b *Bus) FailedExports() []FailedExport {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FailedExport, len(b.fallback))
	copy(out, b.fallback)
	return out
}

// Sequence reports how many events have been stamped for a run, which
// is also the next sequence number to be assigned.
func (b *Bus) Sequence(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequences[runID]
}

func requiredPermissions(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intValue(raw any) int {
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
