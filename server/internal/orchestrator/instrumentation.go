package orchestrator

import "go.opentelemetry.io/otel"

const scopeName = "voiceorder/orchestrator"

var tracer = otel.Tracer(scopeName)
