// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package manager

import (
	"context"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
)

// Role is the kind of process a manager attaches as.
type Role = cluster.Role

const (
	RoleParticipant   = cluster.RoleParticipant
	RoleController    = cluster.RoleController
	RoleSpectator     = cluster.RoleSpectator
	RoleAdministrator = cluster.RoleAdministrator
)

// TimerTask is a periodic background task owned by the manager. It is
// stopped at the start of every re-join and started again at its end.
type TimerTask interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// LeaderElector runs the controller's election for every new session.
type LeaderElector interface {
	OnNewSession(ctx context.Context, session coord.SessionID) error
}

// LeaderElectorFunc adapts a function to LeaderElector.
type LeaderElectorFunc func(ctx context.Context, session coord.SessionID) error

func (f LeaderElectorFunc) OnNewSession(ctx context.Context, session coord.SessionID) error {
	return f(ctx, session)
}
