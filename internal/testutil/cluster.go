// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord/memory"
)

// Cluster returns an in-process service with clusterName set up and each
// instance provisioned, plus the connected admin client used to do so.
// Callers close the admin client; tests checking for goroutine leaks need to
// order that themselves.
func Cluster(t testing.TB, clusterName string, instances ...string) (*memory.Server, *memory.Client) {
	t.Helper()
	ctx := context.Background()
	srv := memory.NewServer()
	admin := srv.NewClient(memory.Options{})
	require.NoError(t, admin.Connect(ctx))
	require.NoError(t, cluster.Provision(ctx, admin, clusterName))
	for _, name := range instances {
		require.NoError(t, cluster.AddInstance(ctx, admin, clusterName, cluster.NewInstanceConfig(name)))
	}
	return srv, admin
}
