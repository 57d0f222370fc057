// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cluster

import (
	"errors"
	"fmt"

	"github.com/ManuGH/tether/internal/coord"
)

// ErrBadScope is returned when a scope does not fit its change type.
var ErrBadScope = errors.New("cluster: scope does not match change type")

// ChangeType names a category of cluster state a listener can observe.
type ChangeType int

const (
	ChangeIdealState ChangeType = iota + 1
	ChangeLiveInstance
	ChangeCurrentState
	ChangeConfig
	ChangeExternalView
	ChangeController
	ChangeInstanceConfig
	ChangeMessage
)

// AllChangeTypes lists every change type in declaration order.
var AllChangeTypes = []ChangeType{
	ChangeIdealState, ChangeLiveInstance, ChangeCurrentState, ChangeConfig,
	ChangeExternalView, ChangeController, ChangeInstanceConfig, ChangeMessage,
}

func (t ChangeType) String() string {
	switch t {
	case ChangeIdealState:
		return "IDEAL_STATE"
	case ChangeLiveInstance:
		return "LIVE_INSTANCE"
	case ChangeCurrentState:
		return "CURRENT_STATE"
	case ChangeConfig:
		return "CONFIG"
	case ChangeExternalView:
		return "EXTERNAL_VIEW"
	case ChangeController:
		return "CONTROLLER"
	case ChangeInstanceConfig:
		return "INSTANCE_CONFIG"
	case ChangeMessage:
		return "MESSAGE"
	default:
		return fmt.Sprintf("CHANGE_TYPE(%d)", int(t))
	}
}

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool { return t >= ChangeIdealState && t <= ChangeMessage }

// Scope narrows a subscription. Instance is required for messages and
// current states, Session for current states, ConfigScope optionally selects
// CLUSTER (default), PARTICIPANT or RESOURCE configs.
type Scope struct {
	Instance    string
	Session     coord.SessionID
	ConfigScope string
}

func (s Scope) String() string {
	switch {
	case s.Session != "":
		return s.Instance + "/" + s.Session.String()
	case s.Instance != "":
		return s.Instance
	case s.ConfigScope != "":
		return s.ConfigScope
	default:
		return "cluster"
	}
}

// Path resolves the directory watched for t under cluster.
func (t ChangeType) Path(clusterName string, scope Scope) (string, error) {
	p := NewPaths(clusterName)
	clusterWide := scope.Instance == "" && scope.Session == ""

	switch t {
	case ChangeIdealState, ChangeLiveInstance, ChangeExternalView, ChangeController, ChangeInstanceConfig:
		if !clusterWide || scope.ConfigScope != "" {
			return "", fmt.Errorf("%s expects a cluster-wide scope: %w", t, ErrBadScope)
		}
	case ChangeConfig:
		if !clusterWide {
			return "", fmt.Errorf("%s expects a cluster-wide scope: %w", t, ErrBadScope)
		}
	case ChangeMessage:
		if scope.Instance == "" || scope.Session != "" {
			return "", fmt.Errorf("%s expects an instance scope: %w", t, ErrBadScope)
		}
	case ChangeCurrentState:
		if scope.Instance == "" || scope.Session == "" {
			return "", fmt.Errorf("%s expects an instance and session scope: %w", t, ErrBadScope)
		}
	default:
		return "", fmt.Errorf("unknown change type %d: %w", int(t), ErrBadScope)
	}

	switch t {
	case ChangeIdealState:
		return p.IdealStates(), nil
	case ChangeLiveInstance:
		return p.LiveInstances(), nil
	case ChangeExternalView:
		return p.ExternalView(), nil
	case ChangeController:
		return p.Controller(), nil
	case ChangeInstanceConfig:
		return p.ParticipantConfigs(), nil
	case ChangeConfig:
		switch scope.ConfigScope {
		case "", ScopeCluster:
			return p.ClusterConfigs(), nil
		case ScopeParticipant:
			return p.ParticipantConfigs(), nil
		case ScopeResource:
			return p.ResourceConfigs(), nil
		default:
			return "", fmt.Errorf("unknown config scope %q: %w", scope.ConfigScope, ErrBadScope)
		}
	case ChangeMessage:
		return p.Messages(scope.Instance), nil
	default:
		return p.SessionCurrentStates(scope.Instance, scope.Session), nil
	}
}
