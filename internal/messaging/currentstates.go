// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/tether/internal/accessor"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
)

// StateError marks partitions whose transition failed.
const StateError = "ERROR"

// CurrentStates reads and writes this instance's current-state records for
// one session through the cached accessor.
type CurrentStates struct {
	acc      *accessor.Cached
	paths    cluster.Paths
	instance string
	session  coord.SessionID
}

// NewCurrentStates binds a writer to session.
func NewCurrentStates(acc *accessor.Cached, clusterName, instance string, session coord.SessionID) *CurrentStates {
	return &CurrentStates{
		acc:      acc,
		paths:    cluster.NewPaths(clusterName),
		instance: instance,
		session:  session,
	}
}

// SessionID returns the session the writer is bound to.
func (c *CurrentStates) SessionID() coord.SessionID { return c.session }

// Get returns the snapshot for resource, or coord.ErrNoNode.
func (c *CurrentStates) Get(ctx context.Context, resource string) (cluster.CurrentState, error) {
	rec, err := c.acc.Get(ctx, c.paths.CurrentState(c.instance, c.session, resource))
	if err != nil {
		return cluster.CurrentState{}, err
	}
	return cluster.CurrentState{Record: rec}, nil
}

// List returns every snapshot of the bound session.
func (c *CurrentStates) List(ctx context.Context) ([]cluster.CurrentState, error) {
	recs, err := c.acc.ChildRecords(ctx, c.paths.SessionCurrentStates(c.instance, c.session))
	if errors.Is(err, coord.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]cluster.CurrentState, len(recs))
	for i, r := range recs {
		out[i] = cluster.CurrentState{Record: r}
	}
	return out, nil
}

// SetPartitionState records state for partition of resource, creating the
// snapshot when it does not exist yet.
func (c *CurrentStates) SetPartitionState(ctx context.Context, resource, partition, state string) error {
	if resource == "" || partition == "" {
		return fmt.Errorf("set partition state: resource and partition are required")
	}
	if err := c.ensureSessionDir(ctx); err != nil {
		return err
	}
	path := c.paths.CurrentState(c.instance, c.session, resource)
	return c.acc.Update(ctx, path, func(cur *cluster.Record) (*cluster.Record, error) {
		var cs cluster.CurrentState
		if cur == nil {
			cs = cluster.NewCurrentState(resource, c.session)
		} else {
			cs = cluster.CurrentState{Record: cur.Clone()}
		}
		cs.SetPartitionState(partition, state)
		return cs.Record, nil
	})
}

func (c *CurrentStates) ensureSessionDir(ctx context.Context) error {
	dir := c.paths.SessionCurrentStates(c.instance, c.session)
	err := c.acc.Base().Client().Create(ctx, dir, nil, coord.Persistent)
	if err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
