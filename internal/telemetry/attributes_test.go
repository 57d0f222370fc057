// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("GET", "/status", 200)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, HTTPMethodKey, "GET")
	verifyAttribute(t, attrs, HTTPRouteKey, "/status")
	verifyIntAttribute(t, attrs, HTTPStatusCodeKey, 200)
}

func TestSessionAttributes(t *testing.T) {
	tests := []struct {
		name     string
		cluster  string
		instance string
		session  string
		role     string
		wantLen  int
	}{
		{name: "all fields", cluster: "C", instance: "node-1", session: "s1", role: "PARTICIPANT", wantLen: 4},
		{name: "before connect", cluster: "C", instance: "node-1", wantLen: 2},
		{name: "empty fields", wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := SessionAttributes(tt.cluster, tt.instance, tt.session, tt.role)

			if len(attrs) != tt.wantLen {
				t.Errorf("Expected %d attributes, got %d", tt.wantLen, len(attrs))
			}
			if tt.cluster != "" {
				verifyAttribute(t, attrs, ClusterKey, tt.cluster)
			}
			if tt.instance != "" {
				verifyAttribute(t, attrs, InstanceKey, tt.instance)
			}
			if tt.session != "" {
				verifyAttribute(t, attrs, SessionIDKey, tt.session)
			}
			if tt.role != "" {
				verifyAttribute(t, attrs, RoleKey, tt.role)
			}
		})
	}
}

func TestStepAttributes(t *testing.T) {
	attrs := StepAttributes("create_live_instance", false)

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}
	verifyAttribute(t, attrs, StepKey, "create_live_instance")
	verifyBoolAttribute(t, attrs, BestEffortKey, false)
}

func TestDispatchAttributes(t *testing.T) {
	attrs := DispatchAttributes("LIVE_INSTANCE", "cluster")

	verifyAttribute(t, attrs, ChangeTypeKey, "LIVE_INSTANCE")
	verifyAttribute(t, attrs, ScopeKey, "cluster")
}

func TestMessageAttributes(t *testing.T) {
	attrs := MessageAttributes("m-1", "db", "db_0")

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}
	verifyAttribute(t, attrs, MessageIDKey, "m-1")
	verifyAttribute(t, attrs, ResourceKey, "db")
	verifyAttribute(t, attrs, PartitionKey, "db_0")
}

func TestErrorAttributes(t *testing.T) {
	err := errors.New("test error")
	attrs := ErrorAttributes(err, "duplicate_instance")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "duplicate_instance")
}

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
