// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package memory is an in-process coordination service intended for tests
// and single-node development. Not durable; not suitable for production.
//
// It follows the usual coordination-service contract: versioned records,
// ephemeral records owned by a session, one-shot watches, and sessions that
// can be expired or partitioned on demand to exercise churn handling.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ManuGH/tether/internal/coord"
)

// Hook runs before every client operation. A non-nil error is returned to the
// caller instead of performing the operation.
type Hook func(ctx context.Context, op, path string) error

type node struct {
	data     []byte
	stat     coord.Stat
	children map[string]struct{}
}

type watcher struct {
	ch      chan coord.WatchEvent
	session coord.SessionID
	path    string
	kind    coord.WatchKind
	once    sync.Once
	stop    func() bool
}

func (w *watcher) fire(ev coord.WatchEvent) {
	w.once.Do(func() {
		w.ch <- ev
		close(w.ch)
		if w.stop != nil {
			w.stop()
		}
	})
}

func (w *watcher) cancel() {
	w.once.Do(func() { close(w.ch) })
}

// Server holds the shared tree and the live sessions.
type Server struct {
	mu         sync.Mutex
	nodes      map[string]*node
	sessions   map[coord.SessionID]*Client
	ephemerals map[coord.SessionID]map[string]struct{}
	dataW      map[string][]*watcher
	childW     map[string][]*watcher
	faults     map[string][]error
	hook       Hook
	available  bool
	availCh    chan struct{}
}

// NewServer returns an empty, available service.
func NewServer() *Server {
	s := &Server{
		nodes:      make(map[string]*node),
		sessions:   make(map[coord.SessionID]*Client),
		ephemerals: make(map[coord.SessionID]map[string]struct{}),
		dataW:      make(map[string][]*watcher),
		childW:     make(map[string][]*watcher),
		faults:     make(map[string][]error),
		available:  true,
		availCh:    make(chan struct{}),
	}
	close(s.availCh)
	s.nodes["/"] = &node{children: make(map[string]struct{})}
	return s
}

// SetHook installs a hook that runs before every client operation.
func (s *Server) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

// FailNext queues err to be returned by the next op ("create", "get", "set",
// "delete", "exists", "children", "watch").
func (s *Server) FailNext(op string, err error) {
	s.mu.Lock()
	s.faults[op] = append(s.faults[op], err)
	s.mu.Unlock()
}

// SetAvailable toggles whether new sessions can be established. While
// unavailable, Connect blocks until the service comes back or its context ends.
func (s *Server) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok == s.available {
		return
	}
	s.available = ok
	if ok {
		close(s.availCh)
	} else {
		s.availCh = make(chan struct{})
	}
}

// LiveSessions returns the ids of all sessions currently held.
func (s *Server) LiveSessions() []coord.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coord.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Snapshot reads a node directly, bypassing sessions. For test assertions.
func (s *Server) Snapshot(path string) ([]byte, coord.Stat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, coord.Stat{}, false
	}
	return append([]byte(nil), n.data...), n.stat, true
}

// ExpireSession ends a session as the service would after a missed heartbeat
// window: its ephemeral records are removed, its watches dropped, and the
// owning client is told EXPIRED. Clients with AutoReconnect open a new session.
func (s *Server) ExpireSession(id coord.SessionID) error {
	s.mu.Lock()
	c, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("expire %s: %w", id, coord.ErrSessionExpired)
	}
	s.endSessionLocked(id)
	s.mu.Unlock()

	c.onExpired(id)
	return nil
}

// Partition simulates a network partition between the service and the client
// holding id. The session stays valid; operations fail until Heal.
func (s *Server) Partition(id coord.SessionID) error {
	c := s.clientFor(id)
	if c == nil {
		return fmt.Errorf("partition %s: %w", id, coord.ErrSessionExpired)
	}
	c.setPartitioned(true)
	return nil
}

// Heal ends a partition started with Partition.
func (s *Server) Heal(id coord.SessionID) error {
	c := s.clientFor(id)
	if c == nil {
		return fmt.Errorf("heal %s: %w", id, coord.ErrSessionExpired)
	}
	c.setPartitioned(false)
	return nil
}

func (s *Server) clientFor(id coord.SessionID) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) openSession(ctx context.Context, c *Client) (coord.SessionID, error) {
	for {
		s.mu.Lock()
		if s.available {
			id := coord.NewSessionID()
			s.sessions[id] = c
			s.mu.Unlock()
			return id, nil
		}
		wait := s.availCh
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return coord.NoSession, fmt.Errorf("%w: %v", coord.ErrConnectTimeout, ctx.Err())
		}
	}
}

func (s *Server) closeSession(id coord.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		s.endSessionLocked(id)
	}
}

func (s *Server) endSessionLocked(id coord.SessionID) {
	delete(s.sessions, id)

	paths := make([]string, 0, len(s.ephemerals[id]))
	for p := range s.ephemerals[id] {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if _, ok := s.nodes[p]; ok {
			s.deleteLocked(p)
		}
	}
	delete(s.ephemerals, id)

	for _, table := range []map[string][]*watcher{s.dataW, s.childW} {
		for p, ws := range table {
			kept := ws[:0]
			for _, w := range ws {
				if w.session == id {
					w.fire(coord.WatchEvent{Type: coord.EventSessionClosed, Path: p})
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(table, p)
			} else {
				table[p] = kept
			}
		}
	}
}

func (s *Server) before(ctx context.Context, op, path string) error {
	s.mu.Lock()
	hook := s.hook
	var fault error
	if q := s.faults[op]; len(q) > 0 {
		fault = q[0]
		s.faults[op] = q[1:]
	}
	s.mu.Unlock()

	if fault != nil {
		return fault
	}
	if hook != nil {
		if err := hook(ctx, op, path); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Server) checkSessionLocked(id coord.SessionID) error {
	if _, ok := s.sessions[id]; !ok {
		return coord.ErrSessionExpired
	}
	return nil
}

func (s *Server) create(id coord.SessionID, path string, data []byte, mode coord.CreateMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSessionLocked(id); err != nil {
		return err
	}
	if _, ok := s.nodes[path]; ok {
		return coord.ErrNodeExists
	}
	now := time.Now()
	for _, anc := range coord.Ancestors(path) {
		if _, ok := s.nodes[anc]; !ok {
			s.insertLocked(anc, nil, coord.Stat{CTime: now, MTime: now})
		}
	}
	stat := coord.Stat{CTime: now, MTime: now}
	if mode == coord.Ephemeral {
		stat.EphemeralOwner = id
		if s.ephemerals[id] == nil {
			s.ephemerals[id] = make(map[string]struct{})
		}
		s.ephemerals[id][path] = struct{}{}
	}
	s.insertLocked(path, data, stat)
	return nil
}

func (s *Server) insertLocked(path string, data []byte, stat coord.Stat) {
	s.nodes[path] = &node{
		data:     append([]byte(nil), data...),
		stat:     stat,
		children: make(map[string]struct{}),
	}
	parent := coord.Parent(path)
	s.nodes[parent].children[coord.Base(path)] = struct{}{}

	s.fireLocked(s.dataW, path, coord.EventNodeCreated)
	s.fireLocked(s.childW, path, coord.EventNodeCreated)
	s.fireLocked(s.childW, parent, coord.EventNodeChildrenChanged)
}

func (s *Server) get(id coord.SessionID, path string) ([]byte, coord.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSessionLocked(id); err != nil {
		return nil, coord.Stat{}, err
	}
	n, ok := s.nodes[path]
	if !ok {
		return nil, coord.Stat{}, coord.ErrNoNode
	}
	return append([]byte(nil), n.data...), n.stat, nil
}

func (s *Server) set(id coord.SessionID, path string, data []byte, version int32) (coord.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSessionLocked(id); err != nil {
		return coord.Stat{}, err
	}
	n, ok := s.nodes[path]
	if !ok {
		return coord.Stat{}, coord.ErrNoNode
	}
	if version != coord.AnyVersion && version != n.stat.Version {
		return coord.Stat{}, coord.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.MTime = time.Now()
	s.fireLocked(s.dataW, path, coord.EventNodeDataChanged)
	return n.stat, nil
}

func (s *Server) delete(id coord.SessionID, path string, version int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSessionLocked(id); err != nil {
		return err
	}
	n, ok := s.nodes[path]
	if !ok {
		return coord.ErrNoNode
	}
	if version != coord.AnyVersion && version != n.stat.Version {
		return coord.ErrBadVersion
	}
	if len(n.children) > 0 {
		return coord.ErrNotEmpty
	}
	s.deleteLocked(path)
	return nil
}

func (s *Server) deleteLocked(path string) {
	n := s.nodes[path]
	delete(s.nodes, path)
	if owner := n.stat.EphemeralOwner; !owner.IsZero() {
		delete(s.ephemerals[owner], path)
	}
	parent := coord.Parent(path)
	if pn, ok := s.nodes[parent]; ok {
		delete(pn.children, coord.Base(path))
	}
	s.fireLocked(s.dataW, path, coord.EventNodeDeleted)
	s.fireLocked(s.childW, path, coord.EventNodeDeleted)
	s.fireLocked(s.childW, parent, coord.EventNodeChildrenChanged)
}

func (s *Server) exists(id coord.SessionID, path string) (bool, coord.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSessionLocked(id); err != nil {
		return false, coord.Stat{}, err
	}
	n, ok := s.nodes[path]
	if !ok {
		return false, coord.Stat{}, nil
	}
	return true, n.stat, nil
}

func (s *Server) children(id coord.SessionID, path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSessionLocked(id); err != nil {
		return nil, err
	}
	n, ok := s.nodes[path]
	if !ok {
		return nil, coord.ErrNoNode
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Server) watch(ctx context.Context, id coord.SessionID, path string, kind coord.WatchKind) (<-chan coord.WatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSessionLocked(id); err != nil {
		return nil, err
	}
	w := &watcher{
		ch:      make(chan coord.WatchEvent, 1),
		session: id,
		path:    path,
		kind:    kind,
	}
	table := s.dataW
	if kind == coord.WatchChildren {
		table = s.childW
	}
	table[path] = append(table[path], w)
	w.stop = context.AfterFunc(ctx, func() { s.removeWatcher(w) })
	return w.ch, nil
}

func (s *Server) removeWatcher(w *watcher) {
	s.mu.Lock()
	table := s.dataW
	if w.kind == coord.WatchChildren {
		table = s.childW
	}
	ws := table[w.path]
	for i, cand := range ws {
		if cand == w {
			table[w.path] = append(ws[:i:i], ws[i+1:]...)
			break
		}
	}
	if len(table[w.path]) == 0 {
		delete(table, w.path)
	}
	s.mu.Unlock()
	w.cancel()
}

func (s *Server) fireLocked(table map[string][]*watcher, path string, typ coord.EventType) {
	ws := table[path]
	if len(ws) == 0 {
		return
	}
	delete(table, path)
	for _, w := range ws {
		w.fire(coord.WatchEvent{Type: typ, Path: path})
	}
}

// watchCount reports armed watches; used by tests to detect leaks.
func (s *Server) watchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ws := range s.dataW {
		n += len(ws)
	}
	for _, ws := range s.childW {
		n += len(ws)
	}
	return n
}

func (s *Server) tryOpenSession(c *Client) (coord.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return coord.NoSession, false
	}
	id := coord.NewSessionID()
	s.sessions[id] = c
	return id, true
}
