package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OTelExporter mirrors workflow events as short-lived spans so runs show
// up in whatever tracing backend the host process has configured.
type OTelExporter struct {
	tracer trace.Tracer
}

// NewOTelExporter builds an exporter on the global tracer provider.
func NewOTelExporter() *OTelExporter {
	return &OTelExporter{tracer: otel.Tracer("flowgraph/telemetry")}
}

func (e *OTelExporter) Export(event string, payload map[string]any) error {
	attrs := make([]attribute.KeyValue, 0, 4)
	if runID, ok := payload["run_id"].(string); ok {
		attrs = append(attrs, attribute.String("workflow.run_id", runID))
	}
	if sequence, ok := payload["sequence"].(int); ok {
		attrs = append(attrs, attribute.Int("workflow.sequence", sequence))
	}
	if nodeID, ok := payload["node_id"].(string); ok {
		attrs = append(attrs, attribute.String("workflow.node_id", nodeID))
	}
	if status, ok := payload["status"].(string); ok {
		attrs = append(attrs, attribute.String("workflow.status", status))
	}

	_, span := e.tracer.Start(context.Background(), event, trace.WithAttributes(attrs...))
	if errMsg, ok := payload["error"]; ok {
		span.SetAttributes(attribute.String("workflow.error", fmt.Sprint(errMsg)))
	}
	span.End()
	return nil
}
