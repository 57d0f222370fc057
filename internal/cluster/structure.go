// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/tether/internal/coord"
)

// ErrNotSetUp reports that the cluster structure is incomplete.
var ErrNotSetUp = errors.New("cluster structure is not set up")

// StructureError names the first missing node.
type StructureError struct {
	Cluster string
	Missing string
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("cluster %q: %v: missing %s", e.Cluster, ErrNotSetUp, e.Missing)
}

func (e *StructureError) Unwrap() error { return ErrNotSetUp }

// Reader is the read side of the coordination facade.
type Reader interface {
	Exists(ctx context.Context, path string) (bool, coord.Stat, error)
}

// IsSetup verifies every required node exists. It returns a *StructureError
// for the first one missing, or the facade error.
func IsSetup(ctx context.Context, r Reader, clusterName string) error {
	for _, p := range NewPaths(clusterName).RequiredPaths() {
		ok, _, err := r.Exists(ctx, p)
		if err != nil {
			return fmt.Errorf("check %s: %w", p, err)
		}
		if !ok {
			return &StructureError{Cluster: clusterName, Missing: p}
		}
	}
	return nil
}

// IsInstanceSetup verifies the per-instance nodes exist.
func IsInstanceSetup(ctx context.Context, r Reader, clusterName, instance string) error {
	for _, p := range NewPaths(clusterName).InstancePaths(instance) {
		ok, _, err := r.Exists(ctx, p)
		if err != nil {
			return fmt.Errorf("check %s: %w", p, err)
		}
		if !ok {
			return &StructureError{Cluster: clusterName, Missing: p}
		}
	}
	return nil
}

// Writer is the create side of the coordination facade.
type Writer interface {
	Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) error
}

// Provision creates the cluster structure. Existing nodes are left alone.
// Administrative tooling only; participants never call it.
func Provision(ctx context.Context, w Writer, clusterName string) error {
	for _, p := range NewPaths(clusterName).RequiredPaths() {
		if err := ensure(ctx, w, p, nil); err != nil {
			return err
		}
	}
	return nil
}

// AddInstance provisions one instance: its config record and node subtree.
func AddInstance(ctx context.Context, w Writer, clusterName string, cfg InstanceConfig) error {
	paths := NewPaths(clusterName)
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	instance := cfg.InstanceName()
	if err := w.Create(ctx, paths.ParticipantConfig(instance), data, coord.Persistent); err != nil {
		if errors.Is(err, coord.ErrNodeExists) {
			return fmt.Errorf("instance %q already provisioned: %w", instance, err)
		}
		return fmt.Errorf("create config for %q: %w", instance, err)
	}
	for _, p := range paths.InstancePaths(instance)[1:] {
		if err := ensure(ctx, w, p, nil); err != nil {
			return err
		}
	}
	return nil
}

func ensure(ctx context.Context, w Writer, path string, data []byte) error {
	err := w.Create(ctx, path, data, coord.Persistent)
	if err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}
