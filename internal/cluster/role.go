// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cluster

import (
	"fmt"
	"strings"
)

// Role is the kind of process attached to a cluster.
type Role int

const (
	RoleParticipant Role = iota + 1
	RoleController
	RoleSpectator
	RoleAdministrator
)

func (r Role) String() string {
	switch r {
	case RoleParticipant:
		return "PARTICIPANT"
	case RoleController:
		return "CONTROLLER"
	case RoleSpectator:
		return "SPECTATOR"
	case RoleAdministrator:
		return "ADMINISTRATOR"
	default:
		return fmt.Sprintf("ROLE(%d)", int(r))
	}
}

// ParseRole accepts the String form, case-insensitively.
func ParseRole(s string) (Role, error) {
	for _, r := range []Role{RoleParticipant, RoleController, RoleSpectator, RoleAdministrator} {
		if strings.EqualFold(s, r.String()) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}
