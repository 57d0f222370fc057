// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package cluster defines the records stored in the coordination service and
// the path layout of a cluster.
package cluster

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Record is the generic payload of every node: scalar fields, list fields and
// nested map fields keyed by id. Typed views (LiveInstance, CurrentState, ...)
// are thin wrappers around it.
type Record struct {
	ID           string                       `json:"id"`
	SimpleFields map[string]string            `json:"simpleFields"`
	ListFields   map[string][]string          `json:"listFields"`
	MapFields    map[string]map[string]string `json:"mapFields"`

	// Version is the coordination-service version the record was read at.
	// Not serialized.
	Version int32 `json:"-"`
}

// NewRecord returns an empty record with initialized maps.
func NewRecord(id string) *Record {
	return &Record{
		ID:           id,
		SimpleFields: make(map[string]string),
		ListFields:   make(map[string][]string),
		MapFields:    make(map[string]map[string]string),
	}
}

// Decode parses a serialized record. Empty input yields an empty record.
func Decode(id string, data []byte) (*Record, error) {
	r := NewRecord(id)
	if len(data) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", id, err)
	}
	r.ensure()
	if r.ID == "" {
		r.ID = id
	}
	return r, nil
}

// Encode serializes the record.
func (r *Record) Encode() ([]byte, error) {
	r.ensure()
	return json.Marshal(r)
}

func (r *Record) ensure() {
	if r.SimpleFields == nil {
		r.SimpleFields = make(map[string]string)
	}
	if r.ListFields == nil {
		r.ListFields = make(map[string][]string)
	}
	if r.MapFields == nil {
		r.MapFields = make(map[string]map[string]string)
	}
}

func (r *Record) Simple(key string) string {
	if r == nil {
		return ""
	}
	return r.SimpleFields[key]
}

func (r *Record) SetSimple(key, value string) {
	r.ensure()
	r.SimpleFields[key] = value
}

// Map returns the map field for key, or nil.
func (r *Record) Map(key string) map[string]string {
	if r == nil {
		return nil
	}
	return r.MapFields[key]
}

// SetMapValue sets MapFields[key][field] = value.
func (r *Record) SetMapValue(key, field, value string) {
	r.ensure()
	m := r.MapFields[key]
	if m == nil {
		m = make(map[string]string)
		r.MapFields[key] = m
	}
	m[field] = value
}

// Clone deep-copies the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := NewRecord(r.ID)
	out.Version = r.Version
	maps.Copy(out.SimpleFields, r.SimpleFields)
	for k, v := range r.ListFields {
		out.ListFields[k] = slices.Clone(v)
	}
	for k, v := range r.MapFields {
		out.MapFields[k] = maps.Clone(v)
	}
	return out
}
