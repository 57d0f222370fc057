// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	// Membership attributes
	ClusterKey   = "tether.cluster"
	InstanceKey  = "tether.instance"
	SessionIDKey = "tether.session_id"
	RoleKey      = "tether.role"

	// Re-join attributes
	StepKey       = "rejoin.step"
	BestEffortKey = "rejoin.best_effort"

	// Dispatch attributes
	ChangeTypeKey = "dispatch.change_type"
	ScopeKey      = "dispatch.scope"

	// Message attributes
	MessageIDKey = "message.id"
	ResourceKey  = "message.resource"
	PartitionKey = "message.partition"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// SessionAttributes identifies the member a span belongs to. Empty values
// are omitted.
func SessionAttributes(cluster, instance, sessionID, role string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if cluster != "" {
		attrs = append(attrs, attribute.String(ClusterKey, cluster))
	}
	if instance != "" {
		attrs = append(attrs, attribute.String(InstanceKey, instance))
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if role != "" {
		attrs = append(attrs, attribute.String(RoleKey, role))
	}
	return attrs
}

// StepAttributes describes one re-join step.
func StepAttributes(step string, bestEffort bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(StepKey, step),
		attribute.Bool(BestEffortKey, bestEffort),
	}
}

// DispatchAttributes describes a listener dispatch.
func DispatchAttributes(changeType, scope string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ChangeTypeKey, changeType),
		attribute.String(ScopeKey, scope),
	}
}

// MessageAttributes describes a task message.
func MessageAttributes(id, resource, partition string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(MessageIDKey, id),
		attribute.String(ResourceKey, resource),
		attribute.String(PartitionKey, partition),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
