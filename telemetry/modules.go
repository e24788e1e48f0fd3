package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Module label values used on every metric so dashboards can slice by
// subsystem. Keep these in sync with the package names.
const (
	ModuleCore          = "core"
	ModuleAction        = "action"
	ModuleStorage       = "storage"
	ModuleOrchestration = "orchestration"
)

func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}
