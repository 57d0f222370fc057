// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package callback

import "github.com/ManuGH/tether/internal/cluster"

// Capabilities is the set of change types a role may subscribe to.
type Capabilities struct {
	allowed map[cluster.ChangeType]struct{}
}

func newCapabilities(types ...cluster.ChangeType) Capabilities {
	c := Capabilities{allowed: make(map[cluster.ChangeType]struct{}, len(types))}
	for _, t := range types {
		c.allowed[t] = struct{}{}
	}
	return c
}

// AllCapabilities allows every change type.
func AllCapabilities() Capabilities { return newCapabilities(cluster.AllChangeTypes...) }

// RestrictedCapabilities allows only ideal-state, live-instance and
// current-state observation, for processes backed by a static cluster view.
func RestrictedCapabilities() Capabilities {
	return newCapabilities(cluster.ChangeIdealState, cluster.ChangeLiveInstance, cluster.ChangeCurrentState)
}

// CapabilitiesFor returns the default set for role.
func CapabilitiesFor(role cluster.Role) Capabilities {
	switch role {
	case cluster.RoleParticipant, cluster.RoleController:
		return AllCapabilities()
	case cluster.RoleSpectator:
		types := make([]cluster.ChangeType, 0, len(cluster.AllChangeTypes))
		for _, t := range cluster.AllChangeTypes {
			if t != cluster.ChangeMessage {
				types = append(types, t)
			}
		}
		return newCapabilities(types...)
	default:
		return newCapabilities()
	}
}

func (c Capabilities) Allows(t cluster.ChangeType) bool {
	_, ok := c.allowed[t]
	return ok
}

// Types lists the allowed change types in declaration order.
func (c Capabilities) Types() []cluster.ChangeType {
	var out []cluster.ChangeType
	for _, t := range cluster.AllChangeTypes {
		if c.Allows(t) {
			out = append(out, t)
		}
	}
	return out
}
