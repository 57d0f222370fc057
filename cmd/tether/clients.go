// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/config"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/coord/memory"
	"github.com/ManuGH/tether/internal/coord/rediscoord"
	"github.com/ManuGH/tether/internal/journal"
	"github.com/ManuGH/tether/internal/log"
)

// backend hands out coordination clients for the configured service.
type backend struct {
	cfg config.Config
	srv *memory.Server
	// admin holds the embedded service's provisioning session.
	admin coord.Client
}

func newBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{cfg: cfg}
	if cfg.Coord.Backend != "memory" {
		return b, nil
	}
	// The embedded service starts empty; provision the cluster and this
	// instance so the participant can join.
	b.srv = memory.NewServer()
	admin := b.srv.NewClient(memory.Options{})
	if err := admin.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect embedded service: %w", err)
	}
	b.admin = admin
	if err := provision(ctx, admin, cfg.Cluster, cfg.Instance); err != nil {
		_ = admin.Close()
		return nil, err
	}
	return b, nil
}

func (b *backend) client() coord.Client {
	if b.srv != nil {
		return b.srv.NewClient(memory.Options{})
	}
	c := b.cfg.Coord
	return rediscoord.New(rediscoord.Config{
		Addr:              c.Addr,
		Password:          c.Password,
		DB:                c.DB,
		Namespace:         c.Namespace,
		SessionTimeout:    c.SessionTimeout,
		CompressThreshold: c.CompressThreshold,
	}, log.WithComponent("coord"))
}

func (b *backend) Close() error {
	if b.admin != nil {
		return b.admin.Close()
	}
	return nil
}

// provision creates the cluster structure and adds the instance when it is
// not yet known.
func provision(ctx context.Context, w cluster.Writer, clusterName, instance string) error {
	if err := cluster.Provision(ctx, w, clusterName); err != nil {
		return fmt.Errorf("provision cluster %q: %w", clusterName, err)
	}
	if instance == "" {
		return nil
	}
	err := cluster.AddInstance(ctx, w, clusterName, cluster.NewInstanceConfig(instance))
	if err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return err
	}
	return nil
}

// openJournal opens the on-disk ack journal. Without a directory it returns
// nil and the manager keeps one in memory.
func openJournal(cfg config.JournalConfig) (journal.Journal, func() error, error) {
	if cfg.Dir == "" {
		return nil, func() error { return nil }, nil
	}
	j, err := journal.OpenBadger(cfg.Dir, cfg.TTL)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return j, j.Close, nil
}
