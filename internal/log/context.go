// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type fieldsKey struct{}

// field is one log field carried by a context. Later fields with the same
// key shadow earlier ones.
type field struct {
	key, value string
}

// ContextWithField returns a context carrying key=value for WithContext.
// Empty values are not stored.
func ContextWithField(ctx context.Context, key, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if value == "" {
		return ctx
	}
	prev, _ := ctx.Value(fieldsKey{}).([]field)
	next := make([]field, 0, len(prev)+1)
	for _, f := range prev {
		if f.key != key {
			next = append(next, f)
		}
	}
	return context.WithValue(ctx, fieldsKey{}, append(next, field{key, value}))
}

// ContextWithSessionID stores the coordination session id in the context.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return ContextWithField(ctx, FieldSessionID, id)
}

// ContextWithInstance stores the instance name in the context.
func ContextWithInstance(ctx context.Context, name string) context.Context {
	return ContextWithField(ctx, FieldInstance, name)
}

// FieldFromContext returns the value stored for key, or "".
func FieldFromContext(ctx context.Context, key string) string {
	if ctx == nil {
		return ""
	}
	fields, _ := ctx.Value(fieldsKey{}).([]field)
	for _, f := range fields {
		if f.key == key {
			return f.value
		}
	}
	return ""
}

func SessionIDFromContext(ctx context.Context) string { return FieldFromContext(ctx, FieldSessionID) }
func InstanceFromContext(ctx context.Context) string  { return FieldFromContext(ctx, FieldInstance) }

// WithContext adds every field carried by ctx to logger.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	fields, _ := ctx.Value(fieldsKey{}).([]field)
	if len(fields) == 0 {
		return logger
	}
	b := logger.With()
	for _, f := range fields {
		b = b.Str(f.key, f.value)
	}
	return b.Logger()
}
