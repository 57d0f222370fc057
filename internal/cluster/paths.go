// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cluster

import (
	"strings"

	"github.com/ManuGH/tether/internal/coord"
)

// Directory names under the cluster root.
const (
	DirConfigs        = "CONFIGS"
	DirIdealStates    = "IDEALSTATES"
	DirExternalView   = "EXTERNALVIEW"
	DirLiveInstances  = "LIVEINSTANCES"
	DirInstances      = "INSTANCES"
	DirController     = "CONTROLLER"
	DirStateModelDefs = "STATEMODELDEFS"

	DirCurrentStates = "CURRENTSTATES"
	DirMessages      = "MESSAGES"
	DirHealthReport  = "HEALTHREPORT"

	ScopeCluster     = "CLUSTER"
	ScopeParticipant = "PARTICIPANT"
	ScopeResource    = "RESOURCE"

	LeaderNode = "LEADER"
)

// Paths resolves node paths for one cluster.
type Paths struct {
	Cluster string
}

func NewPaths(cluster string) Paths { return Paths{Cluster: cluster} }

func (p Paths) Root() string { return coord.Join(p.Cluster) }

func (p Paths) Configs() string        { return coord.Join(p.Cluster, DirConfigs) }
func (p Paths) ClusterConfigs() string { return coord.Join(p.Cluster, DirConfigs, ScopeCluster) }
func (p Paths) ParticipantConfigs() string {
	return coord.Join(p.Cluster, DirConfigs, ScopeParticipant)
}
func (p Paths) ResourceConfigs() string { return coord.Join(p.Cluster, DirConfigs, ScopeResource) }

func (p Paths) ParticipantConfig(instance string) string {
	return coord.Join(p.Cluster, DirConfigs, ScopeParticipant, instance)
}

func (p Paths) IdealStates() string    { return coord.Join(p.Cluster, DirIdealStates) }
func (p Paths) ExternalView() string   { return coord.Join(p.Cluster, DirExternalView) }
func (p Paths) LiveInstances() string  { return coord.Join(p.Cluster, DirLiveInstances) }
func (p Paths) Instances() string      { return coord.Join(p.Cluster, DirInstances) }
func (p Paths) StateModelDefs() string { return coord.Join(p.Cluster, DirStateModelDefs) }

func (p Paths) LiveInstance(instance string) string {
	return coord.Join(p.Cluster, DirLiveInstances, instance)
}

func (p Paths) Instance(instance string) string {
	return coord.Join(p.Cluster, DirInstances, instance)
}

// CurrentStates is the per-instance directory holding one child per session.
func (p Paths) CurrentStates(instance string) string {
	return coord.Join(p.Cluster, DirInstances, instance, DirCurrentStates)
}

func (p Paths) SessionCurrentStates(instance string, session coord.SessionID) string {
	return coord.Join(p.Cluster, DirInstances, instance, DirCurrentStates, session.String())
}

func (p Paths) CurrentState(instance string, session coord.SessionID, resource string) string {
	return coord.Join(p.Cluster, DirInstances, instance, DirCurrentStates, session.String(), resource)
}

func (p Paths) Messages(instance string) string {
	return coord.Join(p.Cluster, DirInstances, instance, DirMessages)
}

func (p Paths) Message(instance, id string) string {
	return coord.Join(p.Cluster, DirInstances, instance, DirMessages, id)
}

func (p Paths) HealthReports(instance string) string {
	return coord.Join(p.Cluster, DirInstances, instance, DirHealthReport)
}

func (p Paths) HealthReport(instance, name string) string {
	return coord.Join(p.Cluster, DirInstances, instance, DirHealthReport, name)
}

func (p Paths) Controller() string         { return coord.Join(p.Cluster, DirController) }
func (p Paths) ControllerLeader() string   { return coord.Join(p.Cluster, DirController, LeaderNode) }
func (p Paths) ControllerMessages() string { return coord.Join(p.Cluster, DirController, DirMessages) }

// CurrentStateRef is a current-state path broken into its parts.
type CurrentStateRef struct {
	Cluster  string
	Instance string
	Session  coord.SessionID
	Resource string // empty for a session directory
}

// ParseCurrentStatePath recovers instance, session and optional resource from
// /<cluster>/INSTANCES/<instance>/CURRENTSTATES/<session>[/<resource>].
func ParseCurrentStatePath(path string) (CurrentStateRef, bool) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 5 || len(parts) > 6 {
		return CurrentStateRef{}, false
	}
	if parts[1] != DirInstances || parts[3] != DirCurrentStates {
		return CurrentStateRef{}, false
	}
	for _, part := range parts {
		if part == "" {
			return CurrentStateRef{}, false
		}
	}
	ref := CurrentStateRef{
		Cluster:  parts[0],
		Instance: parts[2],
		Session:  coord.SessionID(parts[4]),
	}
	if len(parts) == 6 {
		ref.Resource = parts[5]
	}
	return ref, true
}

// InstanceFromPath returns the instance of any path under INSTANCES/<instance>.
func InstanceFromPath(path string) (string, bool) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 3 || parts[1] != DirInstances || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// RequiredPaths lists the nodes that must exist for a cluster to be usable.
func (p Paths) RequiredPaths() []string {
	return []string{
		p.Root(),
		p.Configs(),
		p.ClusterConfigs(),
		p.ParticipantConfigs(),
		p.ResourceConfigs(),
		p.IdealStates(),
		p.ExternalView(),
		p.LiveInstances(),
		p.Instances(),
		p.Controller(),
		p.ControllerMessages(),
		p.StateModelDefs(),
	}
}

// InstancePaths lists the nodes that must exist for a provisioned instance.
func (p Paths) InstancePaths(instance string) []string {
	return []string{
		p.ParticipantConfig(instance),
		p.Instance(instance),
		p.CurrentStates(instance),
		p.Messages(instance),
		p.HealthReports(instance),
	}
}
