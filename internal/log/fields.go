// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCluster   = "cluster"
	FieldInstance  = "instance"
	FieldSessionID = "session_id"
	FieldRole      = "role"
	FieldMessageID = "message_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStep      = "step"
	FieldTask      = "task"

	// Coordination fields
	FieldPath       = "path"
	FieldVersion    = "version"
	FieldChangeType = "change_type"
	FieldScope      = "scope"
	FieldListener   = "listener"

	// State fields
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldResource  = "resource"
	FieldPartition = "partition"
)
