package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONLExporter appends one JSON object per event to a file. The event
// name is folded into the record under the "event" key.
type JSONLExporter struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLExporter opens (or creates) path for appending.
func NewJSONLExporter(path string) (*JSONLExporter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open jsonl file: %w", err)
	}
	return &JSONLExporter{file: file, enc: json.NewEncoder(file)}, nil
}

func (e *JSONLExporter) Export(event string, payload map[string]any) error {
	record := make(map[string]any, len(payload)+1)
	record["event"] = event
	for k, v := range payload {
		record[k] = v
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(record)
}

// Close flushes and closes the underlying file.
func (e *JSONLExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Close()
}
