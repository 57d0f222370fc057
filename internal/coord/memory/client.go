// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ManuGH/tether/internal/coord"
)

// Options tunes a Client.
type Options struct {
	// AutoReconnect opens a fresh session after expiry. Defaults to true.
	AutoReconnect *bool
}

// Client is a coord.Client bound to a Server.
type Client struct {
	srv       *Server
	reconnect bool

	mu          sync.Mutex
	session     coord.SessionID
	state       coord.SessionState
	partitioned bool
	closed      bool

	events *coord.EventStream
	done   chan struct{}
	bg     sync.WaitGroup
}

var _ coord.Client = (*Client)(nil)

// NewClient returns an unconnected client.
func (s *Server) NewClient(opts Options) *Client {
	reconnect := true
	if opts.AutoReconnect != nil {
		reconnect = *opts.AutoReconnect
	}
	return &Client{
		srv:       s,
		reconnect: reconnect,
		state:     coord.StateDisconnected,
		events:    coord.NewEventStream(),
		done:      make(chan struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return coord.ErrClosed
	}
	if c.state == coord.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	id, err := c.srv.openSession(ctx, c)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.srv.closeSession(id)
		return coord.ErrClosed
	}
	c.session = id
	c.state = coord.StateConnected
	c.mu.Unlock()

	c.emit(coord.StateConnected, id)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	id := c.session
	c.state = coord.StateDisconnected
	close(c.done)
	c.mu.Unlock()

	if !id.IsZero() {
		c.srv.closeSession(id)
	}
	c.bg.Wait()
	c.events.Close()
	return nil
}

func (c *Client) SessionID() coord.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) State() coord.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionEvents() <-chan coord.SessionEvent { return c.events.C() }

func (c *Client) onExpired(old coord.SessionID) {
	c.mu.Lock()
	if c.closed || c.session != old {
		c.mu.Unlock()
		return
	}
	c.state = coord.StateExpired
	c.partitioned = false
	c.mu.Unlock()

	c.emit(coord.StateExpired, old)

	if !c.reconnect {
		return
	}
	if id, ok := c.srv.tryOpenSession(c); ok {
		c.adopt(id)
		return
	}

	// Service unavailable: keep trying in the background until it returns
	// or the client is closed.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		if id, err := c.srv.openSession(ctx, c); err == nil {
			c.adopt(id)
		}
	}()
}

func (c *Client) adopt(id coord.SessionID) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.srv.closeSession(id)
		return
	}
	c.session = id
	c.state = coord.StateConnected
	c.mu.Unlock()

	c.emit(coord.StateConnected, id)
}

func (c *Client) setPartitioned(on bool) {
	c.mu.Lock()
	if c.closed || c.partitioned == on {
		c.mu.Unlock()
		return
	}
	c.partitioned = on
	id := c.session
	state := coord.StateConnected
	if on {
		state = coord.StateDisconnected
	}
	c.state = state
	c.mu.Unlock()

	c.emit(state, id)
}

func (c *Client) emit(state coord.SessionState, id coord.SessionID) {
	c.events.Emit(state, id)
}

// live returns the session to run an operation under.
func (c *Client) live(ctx context.Context, op, path string) (coord.SessionID, error) {
	if err := coord.ValidatePath(path); err != nil {
		return coord.NoSession, fmt.Errorf("%s %q: %w", op, path, err)
	}
	c.mu.Lock()
	closed, partitioned, state, id := c.closed, c.partitioned, c.state, c.session
	c.mu.Unlock()

	switch {
	case closed:
		return coord.NoSession, coord.ErrClosed
	case partitioned || state != coord.StateConnected:
		return coord.NoSession, coord.ErrNotConnected
	}
	if err := c.srv.before(ctx, op, path); err != nil {
		return coord.NoSession, err
	}
	return id, nil
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) error {
	id, err := c.live(ctx, "create", path)
	if err != nil {
		return err
	}
	return c.srv.create(id, path, data, mode)
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	id, err := c.live(ctx, "get", path)
	if err != nil {
		return nil, coord.Stat{}, err
	}
	return c.srv.get(id, path)
}

func (c *Client) Set(ctx context.Context, path string, data []byte, expectedVersion int32) (coord.Stat, error) {
	id, err := c.live(ctx, "set", path)
	if err != nil {
		return coord.Stat{}, err
	}
	return c.srv.set(id, path, data, expectedVersion)
}

func (c *Client) Delete(ctx context.Context, path string, expectedVersion int32) error {
	id, err := c.live(ctx, "delete", path)
	if err != nil {
		return err
	}
	return c.srv.delete(id, path, expectedVersion)
}

func (c *Client) Exists(ctx context.Context, path string) (bool, coord.Stat, error) {
	id, err := c.live(ctx, "exists", path)
	if err != nil {
		return false, coord.Stat{}, err
	}
	return c.srv.exists(id, path)
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	id, err := c.live(ctx, "children", path)
	if err != nil {
		return nil, err
	}
	return c.srv.children(id, path)
}

func (c *Client) Watch(ctx context.Context, path string, kind coord.WatchKind) (<-chan coord.WatchEvent, error) {
	id, err := c.live(ctx, "watch", path)
	if err != nil {
		return nil, err
	}
	return c.srv.watch(ctx, id, path, kind)
}
