// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package callback turns coordination-service watches into typed events for
// registered listeners.
//
// Each (change type, scope) pair is served by one handler goroutine, so events
// for a key are delivered strictly in order while different keys proceed in
// parallel. Registrations survive Reset; the handlers are restarted against
// the next session with Bind and InitAll.
package callback

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/log"
)

// Reader re-reads the observed directory, normally the cached accessor.
type Reader interface {
	ChildRecords(ctx context.Context, path string) ([]*cluster.Record, error)
	InvalidateTree(path string)
}

// Watcher arms one-shot watches; coord.Client satisfies it.
type Watcher interface {
	Watch(ctx context.Context, path string, kind coord.WatchKind) (<-chan coord.WatchEvent, error)
	Children(ctx context.Context, path string) ([]string, error)
	SessionID() coord.SessionID
}

// Options configures a Registry.
type Options struct {
	Cluster string
	Role    cluster.Role
	// Capabilities overrides the role's default set.
	Capabilities *Capabilities
	Watcher      Watcher
	Reader       Reader
	Logger       *zerolog.Logger
	// ErrorHook, if set, is called for every failed listener invocation.
	ErrorHook func(ev Event, err error)
	// RearmInterval paces retries after a watch could not be armed.
	RearmInterval time.Duration
}

type key struct {
	typ   cluster.ChangeType
	scope cluster.Scope
}

// Registry owns all listener registrations of one manager.
type Registry struct {
	cluster   string
	role      cluster.Role
	caps      Capabilities
	watcher   Watcher
	reader    Reader
	logger    zerolog.Logger
	errorHook func(Event, error)
	limiter   *rate.Limiter

	mu       sync.Mutex
	handlers map[key]*handler
	order    []key
	runCtx   context.Context
	cancel   context.CancelFunc
}

// New creates an unbound registry.
func New(opts Options) *Registry {
	caps := CapabilitiesFor(opts.Role)
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}
	logger := log.WithComponent("callback")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	interval := opts.RearmInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Registry{
		cluster:   opts.Cluster,
		role:      opts.Role,
		caps:      caps,
		watcher:   opts.Watcher,
		reader:    opts.Reader,
		logger:    logger,
		errorHook: opts.ErrorHook,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		handlers:  make(map[key]*handler),
	}
}

// Capabilities returns the change types this registry accepts.
func (r *Registry) Capabilities() Capabilities { return r.caps }

func validateListener(l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	v := reflect.ValueOf(l)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if v.IsNil() {
			return ErrNilListener
		}
	}
	if !v.Type().Comparable() {
		return ErrNotComparableListener
	}
	return nil
}

// Subscribe registers l for changes of type t within scope. Registering the
// same triple twice is a no-op. When the registry is bound the handler starts
// immediately and l receives an INIT event with the current contents.
func (r *Registry) Subscribe(l Listener, t cluster.ChangeType, scope cluster.Scope) error {
	if err := validateListener(l); err != nil {
		return err
	}
	if !t.Valid() {
		return &UnsupportedChangeTypeError{Type: t}
	}
	if !r.caps.Allows(t) {
		return &UnsupportedChangeTypeError{Type: t, Role: r.role}
	}
	path, err := t.Path(r.cluster, scope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{typ: t, scope: scope}
	h, ok := r.handlers[k]
	if !ok {
		h = newHandler(r, k, path)
		r.handlers[k] = h
		r.order = append(r.order, k)
	}
	if !h.add(l) {
		return nil
	}
	r.logger.Debug().
		Str(log.FieldChangeType, t.String()).
		Str(log.FieldScope, scope.String()).
		Str(log.FieldPath, path).
		Msg("listener subscribed")

	if r.runCtx != nil {
		h.start(r.runCtx)
	}
	return nil
}

// Unsubscribe removes l from every key. Handlers left without listeners are
// stopped and dropped. It reports whether l was registered.
func (r *Registry) Unsubscribe(l Listener) bool {
	if validateListener(l) != nil {
		return false
	}

	type removal struct {
		h       *handler
		emptied bool
		running bool
	}
	var removed []removal

	r.mu.Lock()
	for _, k := range append([]key(nil), r.order...) {
		h := r.handlers[k]
		found, remaining, running := h.remove(l)
		if !found {
			continue
		}
		removed = append(removed, removal{h: h, emptied: remaining == 0, running: running})
		if remaining == 0 {
			delete(r.handlers, k)
			r.order = deleteKey(r.order, k)
		}
	}
	r.mu.Unlock()

	for _, rm := range removed {
		if rm.emptied {
			rm.h.stop()
		}
		if rm.running {
			_ = rm.h.invoke(context.Background(), l, rm.h.event(KindFinalize, nil))
		}
	}
	return len(removed) > 0
}

func deleteKey(keys []key, k key) []key {
	for i, cand := range keys {
		if cand == k {
			return append(keys[:i:i], keys[i+1:]...)
		}
	}
	return keys
}

// Bind attaches the registry to a live session. Handlers are not started
// until Subscribe or InitAll.
func (r *Registry) Bind(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
}

// Bound reports whether the registry is attached to a session.
func (r *Registry) Bound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runCtx != nil
}

// InitAll starts every registered handler that is not yet running.
func (r *Registry) InitAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx == nil {
		return
	}
	for _, k := range r.order {
		r.handlers[k].start(r.runCtx)
	}
}

// Reset stops all handlers, delivers FINALIZE to their listeners and
// unbinds. Registrations are kept.
func (r *Registry) Reset() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.runCtx, r.cancel = nil, nil
	handlers := make([]*handler, 0, len(r.order))
	for _, k := range r.order {
		handlers = append(handlers, r.handlers[k])
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, h := range handlers {
		g.Go(func() error {
			if h.stop() {
				h.finalize(context.Background())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close resets the registry and forgets every registration.
func (r *Registry) Close() {
	r.Reset()
	r.mu.Lock()
	r.handlers = make(map[key]*handler)
	r.order = nil
	r.mu.Unlock()
}

// HandlerInfo describes one handler for status output.
type HandlerInfo struct {
	Type      string `json:"type"`
	Scope     string `json:"scope"`
	Path      string `json:"path"`
	Listeners int    `json:"listeners"`
	Running   bool   `json:"running"`
}

// Handlers lists handlers in registration order.
func (r *Registry) Handlers() []HandlerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HandlerInfo, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.handlers[k].info())
	}
	return out
}
