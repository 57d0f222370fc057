// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package journal remembers which messages have been acknowledged so a
// redelivered message is deleted instead of handed to the engine twice.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTTL bounds how long an acknowledgement is remembered.
const DefaultTTL = 24 * time.Hour

// ErrClosed is returned by a journal after Close.
var ErrClosed = errors.New("journal closed")

// Journal records acknowledged message ids.
type Journal interface {
	Acked(ctx context.Context, id string) (bool, error)
	MarkAcked(ctx context.Context, id string) error
	Close() error
}

// Memory is a process-local journal. Acknowledgements are lost on restart.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	acked  map[string]time.Time
	closed bool
}

// NewMemory returns an in-memory journal; ttl <= 0 selects DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, acked: make(map[string]time.Time)}
}

func (m *Memory) Acked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	exp, ok := m.acked[id]
	if ok && m.now().After(exp) {
		delete(m.acked, id)
		ok = false
	}
	return ok, nil
}

func (m *Memory) MarkAcked(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	// Sweep lazily so the map does not grow without bound.
	for k, exp := range m.acked {
		if now.After(exp) {
			delete(m.acked, k)
		}
	}
	m.acked[id] = now.Add(m.ttl)
	return nil
}

// Len returns the number of remembered acknowledgements, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
