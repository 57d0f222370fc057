// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManuGH/tether/internal/config"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/version"
)

var errEmbeddedBackend = errors.New("the memory backend lives inside the run process; provision a shared backend instead")

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Provision cluster structure in the coordination service",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Create the cluster's required nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, func(ctx context.Context, c coord.Client, cfg config.Config) error {
				if err := provision(ctx, c, cfg.Cluster, ""); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cluster %s is set up\n", cfg.Cluster)
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add-instance NAME...",
		Short: "Provision instances so they may join",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, c coord.Client, cfg config.Config) error {
				for _, name := range args {
					if err := provision(ctx, c, cfg.Cluster, name); err != nil {
						return err
					}
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "instance %s added to %s\n", name, cfg.Cluster); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})
	return cmd
}

func withAdmin(cmd *cobra.Command, fn func(context.Context, coord.Client, config.Config) error) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewLoader(path, version.Version).Load()
	if err != nil {
		return err
	}
	if cfg.Coord.Backend == "memory" {
		return errEmbeddedBackend
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	b := &backend{cfg: cfg}
	c := b.client()
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c, cfg)
}
