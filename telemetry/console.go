package telemetry

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// ConsoleExporter writes a compact human-readable line per event. When a
// filter is configured, only the listed events are printed; verbose mode
// includes the full payload.
type ConsoleExporter struct {
	mu      sync.Mutex
	w       io.Writer
	filter  map[string]struct{}
	verbose bool
}

// ConsoleOption configures a ConsoleExporter.
type ConsoleOption func(*ConsoleExporter)

// WithConsoleWriter redirects output, mainly for tests.
func WithConsoleWriter(w io.Writer) ConsoleOption {
	return func(e *ConsoleExporter) { e.w = w }
}

// WithFilterEvents restricts output to the named events.
func WithFilterEvents(events ...string) ConsoleOption {
	return func(e *ConsoleExporter) {
		e.filter = make(map[string]struct{}, len(events))
		for _, event := range events {
			e.filter[event] = struct{}{}
		}
	}
}

// WithVerbose prints the full payload instead of the summary fields.
func WithVerbose() ConsoleOption {
	return func(e *ConsoleExporter) { e.verbose = true }
}

// NewConsoleExporter builds a console exporter writing to stdout.
func NewConsoleExporter(opts ...ConsoleOption) *ConsoleExporter {
	e := &ConsoleExporter{w: os.Stdout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ConsoleExporter) Export(event string, payload map[string]any) error {
	if e.filter != nil {
		if _, ok := e.filter[event]; !ok {
			return nil
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%v] %s", payload["sequence"], event)
	if nodeID, ok := payload["node_id"].(string); ok {
		fmt.Fprintf(&b, " node=%s", nodeID)
	}
	if status, ok := payload["status"].(string); ok {
		fmt.Fprintf(&b, " status=%s", status)
	}
	if e.verbose {
		keys := make([]string, 0, len(payload))
		for k := range payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, payload[k])
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintln(e.w, b.String())
	return err
}
