// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package manager

import (
	"github.com/ManuGH/tether/internal/callback"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
)

// Registry exposes the callback registry for status and tests.
func (m *Manager) Registry() *callback.Registry { return m.registry }

// subscribe fails fast with ErrNotConnected unless the manager is joined
// with a live session. A listener accepted just before the session ends
// stays registered and is bound again by the next re-join.
func (m *Manager) subscribe(l callback.Listener, t cluster.ChangeType, scope cluster.Scope) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return m.registry.Subscribe(l, t, scope)
}

func (m *Manager) SubscribeIdealStateListener(l callback.Listener) error {
	return m.subscribe(l, cluster.ChangeIdealState, cluster.Scope{})
}

func (m *Manager) SubscribeLiveInstanceListener(l callback.Listener) error {
	return m.subscribe(l, cluster.ChangeLiveInstance, cluster.Scope{})
}

func (m *Manager) SubscribeExternalViewListener(l callback.Listener) error {
	return m.subscribe(l, cluster.ChangeExternalView, cluster.Scope{})
}

func (m *Manager) SubscribeControllerListener(l callback.Listener) error {
	return m.subscribe(l, cluster.ChangeController, cluster.Scope{})
}

func (m *Manager) SubscribeInstanceConfigListener(l callback.Listener) error {
	return m.subscribe(l, cluster.ChangeInstanceConfig, cluster.Scope{})
}

// SubscribeConfigListener observes CLUSTER, PARTICIPANT or RESOURCE
// configs; an empty configScope means CLUSTER.
func (m *Manager) SubscribeConfigListener(l callback.Listener, configScope string) error {
	return m.subscribe(l, cluster.ChangeConfig, cluster.Scope{ConfigScope: configScope})
}

func (m *Manager) SubscribeCurrentStateListener(l callback.Listener, instance string, session coord.SessionID) error {
	return m.subscribe(l, cluster.ChangeCurrentState, cluster.Scope{Instance: instance, Session: session})
}

func (m *Manager) SubscribeMessageListener(l callback.Listener, instance string) error {
	return m.subscribe(l, cluster.ChangeMessage, cluster.Scope{Instance: instance})
}

// Unsubscribe removes l from every subscription; the listener receives a
// final FINALIZE event. It reports whether l was subscribed.
func (m *Manager) Unsubscribe(l callback.Listener) bool {
	return m.registry.Unsubscribe(l)
}
