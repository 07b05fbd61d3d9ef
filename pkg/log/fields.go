package log

import "context"

// Standard field names for consistent logging across the gateway.
const (
	FieldError = "error"

	// Request fields
	FieldRequestID  = "request_id"
	FieldTraceID    = "trace_id"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldBytes      = "bytes"
	FieldDuration   = "duration"

	// Invocation fields
	FieldAPI          = "api"
	FieldEndpoint     = "endpoint"
	FieldTarget       = "target"
	FieldAttempt      = "attempt"
	FieldComponent    = "component"
	FieldCircuitState = "circuit_state"
	FieldCircuit      = "circuit"

	// Health check fields
	FieldOldStatus    = "old_status"
	FieldNewStatus    = "new_status"
	FieldResponseTime = "response_time"
	FieldSuccess      = "success"
)

type contextKey struct{ name string }

var requestIDKey = &contextKey{"request_id"}

// ContextWithRequestID returns a copy of ctx that carries the request id.
// Loggers created through WithContext pick it up automatically.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id stored by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// EndpointFields creates the standard fields that identify an upstream endpoint.
func EndpointFields(api, endpoint, target string) []Field {
	return []Field{
		String(FieldAPI, api),
		String(FieldEndpoint, endpoint),
		String(FieldTarget, target),
	}
}
