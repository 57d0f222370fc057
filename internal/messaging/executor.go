// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ManuGH/tether/internal/accessor"
	"github.com/ManuGH/tether/internal/callback"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/journal"
	"github.com/ManuGH/tether/internal/log"
	"github.com/ManuGH/tether/internal/metrics"
	"github.com/ManuGH/tether/internal/telemetry"
)

var tracer = telemetry.Tracer("github.com/ManuGH/tether/internal/messaging")

// AnySession in TGT_SESSION_ID addresses whatever session the target has.
const AnySession coord.SessionID = "*"

// DefaultWorkers bounds concurrent task execution when unset.
const DefaultWorkers = 4

// ackTimeout bounds journaling and deleting a handled message.
const ackTimeout = 5 * time.Second

// ErrShutdown is returned when work is offered after Shutdown.
var ErrShutdown = errors.New("messaging: executor shut down")

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Cluster  string
	Instance string
	Accessor *accessor.Cached
	Engine   StateMachineEngine
	Journal  journal.Journal
	Workers  int
	Logger   *zerolog.Logger
}

// Executor is the listener installed on this instance's message directory.
// Each message runs at most once: messages for another session are
// discarded, messages already in flight are skipped and messages found in the
// journal are deleted without delivery.
type Executor struct {
	acc      *accessor.Cached
	paths    cluster.Paths
	cluster  string
	instance string
	engine   StateMachineEngine
	journal  journal.Journal
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewExecutor builds an executor. A nil journal selects an in-memory one.
func NewExecutor(opts ExecutorOptions) *Executor {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	j := opts.Journal
	if j == nil {
		j = journal.NewMemory(0)
	}
	logger := log.WithComponent("messaging")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Executor{
		acc:      opts.Accessor,
		paths:    cluster.NewPaths(opts.Cluster),
		cluster:  opts.Cluster,
		instance: opts.Instance,
		engine:   opts.Engine,
		journal:  j,
		sem:      semaphore.NewWeighted(int64(workers)),
		logger:   logger.With().Str(log.FieldInstance, opts.Instance).Logger(),
		inflight: make(map[string]struct{}),
	}
}

// OnChange implements callback.Listener.
func (e *Executor) OnChange(ctx context.Context, ev callback.Event) error {
	if ev.Kind == callback.KindFinalize {
		return nil
	}
	var errs []error
	for _, m := range ev.Messages() {
		if err := e.handle(ctx, ev.SessionID, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InFlight returns the number of tasks currently executing.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Executor) handle(ctx context.Context, session coord.SessionID, m cluster.Message) error {
	id := m.MsgID()
	logger := e.logger.With().Str(log.FieldMessageID, id).Logger()

	if target := m.TargetSession(); target != AnySession && target != session {
		metrics.RecordMessage("stale_session")
		logger.Debug().
			Str(log.FieldSessionID, session.String()).
			Str("target_session", target.String()).
			Msg("discarding message for another session")
		return e.remove(ctx, id)
	}

	claimed, err := e.claim(id)
	if err != nil || !claimed {
		return err
	}

	acked, err := e.journal.Acked(ctx, id)
	if err != nil {
		e.release(id)
		return fmt.Errorf("check journal for %s: %w", id, err)
	}
	if acked {
		e.release(id)
		metrics.RecordMessage("duplicate")
		logger.Debug().Msg("message already acknowledged")
		return e.remove(ctx, id)
	}

	if m.MsgType() == cluster.MsgStateTransition && (m.Resource() == "" || m.Partition() == "" || m.ToState() == "") {
		e.release(id)
		metrics.RecordMessage("malformed")
		logger.Warn().Msg("discarding malformed state transition")
		return e.remove(ctx, id)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.release(id)
		return nil
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		defer e.release(id)
		e.execute(ctx, session, m, logger)
	}()
	return nil
}

func (e *Executor) claim(id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrShutdown
	}
	if _, busy := e.inflight[id]; busy {
		return false, nil
	}
	e.inflight[id] = struct{}{}
	return true, nil
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Executor) execute(ctx context.Context, session coord.SessionID, m cluster.Message, logger zerolog.Logger) {
	task := TaskEvent{
		MessageID:     m.MsgID(),
		Type:          m.MsgType(),
		Source:        m.Source(),
		Resource:      m.Resource(),
		Partition:     m.Partition(),
		SessionID:     session,
		FromState:     m.FromState(),
		ToState:       m.ToState(),
		CurrentStates: NewCurrentStates(e.acc, e.cluster, e.instance, session),
	}

	start := time.Now()
	err := e.invoke(log.ContextWithSessionID(log.ContextWithInstance(ctx, e.instance), session.String()), task)
	metrics.ObserveTask(time.Since(start))
	if err != nil && ctx.Err() != nil {
		// The session ended under the task before it completed; the message
		// belongs to that session and is discarded by the next one.
		logger.Info().Err(ctx.Err()).Msg("task interrupted by session change")
		return
	}

	if err != nil {
		metrics.RecordMessage("failed")
		logger.Warn().Err(err).
			Str(log.FieldResource, task.Resource).
			Str(log.FieldPartition, task.Partition).
			Msg("task failed")
		if task.Type == cluster.MsgStateTransition {
			if err := task.CurrentStates.SetPartitionState(ctx, task.Resource, task.Partition, StateError); err != nil {
				logger.Warn().Err(err).Msg("failed to record error state")
			}
		}
	} else {
		metrics.RecordMessage("delivered")
	}

	// A completed task is acknowledged even when its session ended
	// meanwhile, or the next session would run it again.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := e.journal.MarkAcked(actx, task.MessageID); err != nil {
		logger.Error().Err(err).Msg("failed to journal acknowledgement")
	}
	if err := e.remove(actx, task.MessageID); err != nil {
		logger.Warn().Err(err).Msg("failed to delete handled message")
	}
}

func (e *Executor) invoke(ctx context.Context, task TaskEvent) (err error) {
	ctx, span := tracer.Start(ctx, "messaging.task",
		trace.WithAttributes(telemetry.MessageAttributes(task.MessageID, task.Resource, task.Partition)...))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
		telemetry.EndSpan(span, err, "engine")
	}()
	return e.engine.HandleTask(ctx, task)
}

func (e *Executor) remove(ctx context.Context, id string) error {
	if err := e.acc.Remove(ctx, e.paths.Message(e.instance, id)); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// Shutdown stops accepting messages and waits for running tasks until ctx
// is done.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d tasks: %w", e.InFlight(), ctx.Err())
	}
}
