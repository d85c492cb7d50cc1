package telemetry

import "sync"

// MemoryEvent is one captured event.
type MemoryEvent struct {
	Event   string
	Payload map[string]any
}

// MemoryExporter buffers events per run. It backs the HTTP API's event
// endpoint and most scheduler tests.
type MemoryExporter struct {
	mu    sync.Mutex
	byRun map[string][]MemoryEvent
	limit int
}

// NewMemoryExporter creates a buffer keeping at most limit events per run
// (0 means unbounded).
func NewMemoryExporter(limit int) *MemoryExporter {
	return &MemoryExporter{byRun: map[string][]MemoryEvent{}, limit: limit}
}

func (e *MemoryExporter) Export(event string, payload map[string]any) error {
	runID, _ := payload["run_id"].(string)
	e.mu.Lock()
	defer e.mu.Unlock()
	events := append(e.byRun[runID], MemoryEvent{Event: event, Payload: payload})
	if e.limit > 0 && len(events) > e.limit {
		events = events[len(events)-e.limit:]
	}
	e.byRun[runID] = events
	return nil
}

// Events returns the captured events for a run in emission order.
func (e *MemoryExporter) Events(runID string) []MemoryEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MemoryEvent, len(e.byRun[runID]))
	copy(out, e.byRun[runID])
	return out
}

// EventNames returns just the event names for a run, in order.
func (e *MemoryExporter) EventNames(runID string) []string {
	events := e.Events(runID)
	names := make([]string, len(events))
	for i, event := range events {
		names[i] = event.Event
	}
	return names
}
