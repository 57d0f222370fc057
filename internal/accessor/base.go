// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package accessor reads and writes cluster records through the coordination
// facade, optionally caching a set of subtrees write-through.
package accessor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
)

// Base serializes records over a coord.Client without caching.
type Base struct {
	client coord.Client
}

func NewBase(client coord.Client) *Base {
	return &Base{client: client}
}

// Client exposes the underlying facade.
func (b *Base) Client() coord.Client { return b.client }

// Get reads and decodes a record; its Version is set from the node stat.
func (b *Base) Get(ctx context.Context, path string) (*cluster.Record, error) {
	data, stat, err := b.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	rec, err := cluster.Decode(coord.Base(path), data)
	if err != nil {
		return nil, err
	}
	rec.Version = stat.Version
	return rec, nil
}

// Create writes a new record. It fails with coord.ErrNodeExists.
func (b *Base) Create(ctx context.Context, path string, rec *cluster.Record, mode coord.CreateMode) error {
	data, err := encode(path, rec)
	if err != nil {
		return err
	}
	return b.client.Create(ctx, path, data, mode)
}

// SetVersion overwrites a record if its version still equals expected.
func (b *Base) SetVersion(ctx context.Context, path string, rec *cluster.Record, expected int32) (coord.Stat, error) {
	data, err := encode(path, rec)
	if err != nil {
		return coord.Stat{}, err
	}
	return b.client.Set(ctx, path, data, expected)
}

// Set writes a record unconditionally, creating it when absent.
func (b *Base) Set(ctx context.Context, path string, rec *cluster.Record) (coord.Stat, error) {
	for {
		stat, err := b.SetVersion(ctx, path, rec, coord.AnyVersion)
		if !errors.Is(err, coord.ErrNoNode) {
			return stat, err
		}
		err = b.Create(ctx, path, rec, coord.Persistent)
		if err == nil {
			return coord.Stat{}, nil
		}
		if !errors.Is(err, coord.ErrNodeExists) {
			return coord.Stat{}, err
		}
		// Lost a create race; overwrite the winner.
	}
}

func (b *Base) Exists(ctx context.Context, path string) (bool, coord.Stat, error) {
	return b.client.Exists(ctx, path)
}

func (b *Base) Children(ctx context.Context, path string) ([]string, error) {
	return b.client.Children(ctx, path)
}

// Remove deletes path and everything below it. A missing path is not an error.
func (b *Base) Remove(ctx context.Context, path string) error {
	children, err := b.client.Children(ctx, path)
	if errors.Is(err, coord.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, name := range children {
		if err := b.Remove(ctx, path+"/"+name); err != nil {
			return err
		}
	}
	err = b.client.Delete(ctx, path, coord.AnyVersion)
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		if errors.Is(err, coord.ErrNotEmpty) {
			// A child was added concurrently; try again.
			return b.Remove(ctx, path)
		}
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func encode(path string, rec *cluster.Record) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("write %s: nil record", path)
	}
	return rec.Encode()
}
