// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rediscoord

import (
	"context"
	"sync"

	"github.com/ManuGH/tether/internal/coord"
)

type watch struct {
	ch   chan coord.WatchEvent
	path string
	kind coord.WatchKind
	once sync.Once
	stop func() bool
}

// watchSet holds the one-shot watches armed by this client.
type watchSet struct {
	mu       sync.Mutex
	data     map[string][]*watch
	children map[string][]*watch
}

func newWatchSet() *watchSet {
	return &watchSet{
		data:     make(map[string][]*watch),
		children: make(map[string][]*watch),
	}
}

func (s *watchSet) table(kind coord.WatchKind) map[string][]*watch {
	if kind == coord.WatchChildren {
		return s.children
	}
	return s.data
}

func (s *watchSet) add(ctx context.Context, path string, kind coord.WatchKind) <-chan coord.WatchEvent {
	w := &watch{ch: make(chan coord.WatchEvent, 1), path: path, kind: kind}
	s.mu.Lock()
	t := s.table(kind)
	t[path] = append(t[path], w)
	w.stop = context.AfterFunc(ctx, func() { s.remove(w) })
	s.mu.Unlock()
	return w.ch
}

func (s *watchSet) remove(w *watch) {
	s.mu.Lock()
	t := s.table(w.kind)
	ws := t[w.path]
	for i, cand := range ws {
		if cand == w {
			t[w.path] = append(ws[:i:i], ws[i+1:]...)
			break
		}
	}
	if len(t[w.path]) == 0 {
		delete(t, w.path)
	}
	s.mu.Unlock()
	w.once.Do(func() { close(w.ch) })
}

func (s *watchSet) fire(kind coord.WatchKind, path string, typ coord.EventType) {
	s.mu.Lock()
	t := s.table(kind)
	ws := t[path]
	delete(t, path)
	s.mu.Unlock()

	for _, w := range ws {
		deliver(w, coord.WatchEvent{Type: typ, Path: w.path})
	}
}

// dispatch routes a published "<kind>|<path>" event.
func (s *watchSet) dispatch(kind, path string) {
	switch kind {
	case "created":
		s.fire(coord.WatchData, path, coord.EventNodeCreated)
		s.fire(coord.WatchChildren, path, coord.EventNodeCreated)
	case "changed":
		s.fire(coord.WatchData, path, coord.EventNodeDataChanged)
	case "deleted":
		s.fire(coord.WatchData, path, coord.EventNodeDeleted)
		s.fire(coord.WatchChildren, path, coord.EventNodeDeleted)
	case "children":
		s.fire(coord.WatchChildren, path, coord.EventNodeChildrenChanged)
	}
}

// dropAll fires EventSessionClosed on every armed watch.
func (s *watchSet) dropAll() {
	s.mu.Lock()
	var all []*watch
	for _, t := range []map[string][]*watch{s.data, s.children} {
		for p, ws := range t {
			all = append(all, ws...)
			delete(t, p)
		}
	}
	s.mu.Unlock()

	for _, w := range all {
		deliver(w, coord.WatchEvent{Type: coord.EventSessionClosed, Path: w.path})
	}
}

func (s *watchSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ws := range s.data {
		n += len(ws)
	}
	for _, ws := range s.children {
		n += len(ws)
	}
	return n
}

func deliver(w *watch, ev coord.WatchEvent) {
	w.once.Do(func() {
		w.ch <- ev
		close(w.ch)
	})
	if w.stop != nil {
		w.stop()
	}
}
