// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package callback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/log"
	"github.com/ManuGH/tether/internal/metrics"
	"github.com/ManuGH/tether/internal/telemetry"
)

var tracer = telemetry.Tracer("github.com/ManuGH/tether/internal/callback")

// handler serves one (change type, scope) key.
type handler struct {
	reg  *Registry
	key  key
	path string

	mu        sync.Mutex
	listeners []Listener
	pending   map[Listener]struct{}
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	kick      chan struct{}
}

func newHandler(r *Registry, k key, path string) *handler {
	return &handler{
		reg:     r,
		key:     k,
		path:    path,
		pending: make(map[Listener]struct{}),
		kick:    make(chan struct{}, 1),
	}
}

// add appends l unless already present. A running handler is poked so the
// new listener gets its INIT event.
func (h *handler) add(l Listener) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slices.Contains(h.listeners, l) {
		return false
	}
	h.listeners = append(h.listeners, l)
	if h.running {
		h.pending[l] = struct{}{}
		select {
		case h.kick <- struct{}{}:
		default:
		}
	}
	return true
}

func (h *handler) remove(l Listener) (found bool, remaining int, running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := slices.Index(h.listeners, l)
	if i < 0 {
		return false, len(h.listeners), h.running
	}
	h.listeners = slices.Delete(h.listeners, i, i+1)
	delete(h.pending, l)
	return true, len(h.listeners), h.running
}

func (h *handler) start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.running = true
	h.cancel = cancel
	h.done = make(chan struct{})
	for _, l := range h.listeners {
		h.pending[l] = struct{}{}
	}
	go h.run(runCtx, h.done)
}

// stop cancels the goroutine and waits for it. It reports whether the
// handler was running.
func (h *handler) stop() bool {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return false
	}
	h.running = false
	h.cancel()
	done := h.done
	h.mu.Unlock()

	<-done

	h.mu.Lock()
	clear(h.pending)
	h.mu.Unlock()
	return true
}

func (h *handler) finalize(ctx context.Context) {
	h.mu.Lock()
	ls := slices.Clone(h.listeners)
	h.mu.Unlock()
	ev := h.event(KindFinalize, nil)
	var errs []error
	for _, l := range ls {
		if err := h.invoke(ctx, l, ev); err != nil {
			errs = append(errs, err)
		}
	}
	h.report(ev, errors.Join(errs...))
}

func (h *handler) info() HandlerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandlerInfo{
		Type:      h.key.typ.String(),
		Scope:     h.key.scope.String(),
		Path:      h.path,
		Listeners: len(h.listeners),
		Running:   h.running,
	}
}

func (h *handler) event(kind Kind, recs []*cluster.Record) Event {
	return Event{
		Type:      h.key.typ,
		Kind:      kind,
		Scope:     h.key.scope,
		Path:      h.path,
		SessionID: h.reg.watcher.SessionID(),
		Records:   recs,
	}
}

// run is the dispatch loop: arm watches, re-read, deliver, wait for a fire.
// Arming happens before reading so a change between the two is never lost.
func (h *handler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := h.reg.logger.With().
		Str(log.FieldChangeType, h.key.typ.String()).
		Str(log.FieldPath, h.path).
		Logger()

	fired := false
	for ctx.Err() == nil {
		iterCtx, cancel := context.WithCancel(ctx)
		fire, wait, err := h.arm(iterCtx)
		if err != nil {
			cancel()
			wait()
			if ctx.Err() != nil {
				return
			}
			metrics.RecordWatchRearmFailure(h.key.typ.String())
			logger.Debug().Err(err).Msg("failed to arm watch, retrying")
			if h.reg.limiter.Wait(ctx) != nil {
				return
			}
			continue
		}

		h.reg.reader.InvalidateTree(h.path)
		if err := h.dispatch(ctx, fired); err != nil {
			cancel()
			wait()
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("failed to read observed state, retrying")
			if h.reg.limiter.Wait(ctx) != nil {
				return
			}
			continue
		}
		fired = false

	waitLoop:
		for {
			select {
			case <-ctx.Done():
				break waitLoop
			case <-fire:
				fired = true
				break waitLoop
			case <-h.kick:
				if err := h.dispatch(ctx, false); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("failed to initialize new listener")
				}
			}
		}
		cancel()
		wait()
	}
}

// arm sets a children watch on the directory and a data watch on each child.
// The returned channel receives a value when any of them fires; wait blocks
// until the forwarding goroutines have exited after iterCtx is cancelled.
func (h *handler) arm(iterCtx context.Context) (<-chan struct{}, func(), error) {
	fire := make(chan struct{}, 1)
	var wg sync.WaitGroup
	forward := func(w <-chan coord.WatchEvent) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := <-w; ok {
				select {
				case fire <- struct{}{}:
				default:
				}
			}
		}()
	}

	dir, err := h.reg.watcher.Watch(iterCtx, h.path, coord.WatchChildren)
	if err != nil {
		return nil, wg.Wait, fmt.Errorf("watch %s: %w", h.path, err)
	}
	forward(dir)

	names, err := h.reg.watcher.Children(iterCtx, h.path)
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		return nil, wg.Wait, fmt.Errorf("list %s: %w", h.path, err)
	}
	for _, name := range names {
		child := h.path + "/" + name
		w, err := h.reg.watcher.Watch(iterCtx, child, coord.WatchData)
		if err != nil {
			return nil, wg.Wait, fmt.Errorf("watch %s: %w", child, err)
		}
		forward(w)
	}
	return fire, wg.Wait, nil
}

// dispatch re-reads the directory and notifies listeners: INIT to pending
// ones, CALLBACK to the rest when fired.
func (h *handler) dispatch(ctx context.Context, fired bool) error {
	recs, err := h.reg.reader.ChildRecords(ctx, h.path)
	if errors.Is(err, coord.ErrNoNode) {
		recs, err = nil, nil
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	ls := slices.Clone(h.listeners)
	pending := h.pending
	h.pending = make(map[Listener]struct{})
	h.mu.Unlock()

	var errs []error
	for _, l := range ls {
		kind := KindCallback
		if _, ok := pending[l]; ok {
			kind = KindInit
		} else if !fired {
			continue
		}
		ev := h.event(kind, cloneRecords(recs))
		if err := h.invoke(ctx, l, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		h.report(h.event(KindCallback, nil), errors.Join(errs...))
	}
	return nil
}

// invoke calls one listener, converting a panic into an error.
func (h *handler) invoke(ctx context.Context, l Listener, ev Event) (err error) {
	metrics.RecordDispatch(ev.Type.String(), ev.Kind.String())
	ctx, span := tracer.Start(ctx, "callback."+ev.Kind.String(),
		trace.WithAttributes(telemetry.DispatchAttributes(ev.Type.String(), ev.Scope.String())...))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
		telemetry.EndSpan(span, err, "listener")
		if err != nil {
			metrics.RecordListenerFailure(ev.Type.String())
			if h.reg.errorHook != nil {
				h.reg.errorHook(ev, err)
			}
		}
	}()
	return l.OnChange(ctx, ev)
}

func (h *handler) report(ev Event, err error) {
	if err == nil {
		return
	}
	h.reg.logger.Warn().
		Err(err).
		Str(log.FieldChangeType, ev.Type.String()).
		Str(log.FieldPath, ev.Path).
		Str(log.FieldEvent, ev.Kind.String()).
		Msg("listener failed")
}

func cloneRecords(recs []*cluster.Record) []*cluster.Record {
	out := make([]*cluster.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
