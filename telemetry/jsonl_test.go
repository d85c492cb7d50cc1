package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONLExporterAppendsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	exporter, err := NewJSONLExporter(path)
	require.NoError(t, err)

	require.NoError(t, exporter.Export(EventGraphStart, map[string]any{"run_id": "run-1", "sequence": 1}))
	require.NoError(t, exporter.Export(EventGraphFinish, map[string]any{"run_id": "run-1", "sequence": 2, "status": "success"}))
	require.NoError(t, exporter.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	require.Len(t, records, 2)
	require.Equal(t, "graph.start", records[0]["event"])
	require.Equal(t, "success", records[1]["status"])
}
