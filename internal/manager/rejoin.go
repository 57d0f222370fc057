// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package manager

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/log"
	"github.com/ManuGH/tether/internal/metrics"
	"github.com/ManuGH/tether/internal/telemetry"
)

const (
	rejoinRetryInitial = 50 * time.Millisecond
	rejoinRetryMax     = time.Second
)

// OnSessionStateChange applies one session event. A CONNECTED event with a
// session that was not yet processed runs the full re-join; a non-nil
// return is fatal and the manager has been torn down.
func (m *Manager) OnSessionStateChange(ctx context.Context, ev coord.SessionEvent) error {
	metrics.RecordSessionEvent(ev.State.String())
	logger := m.logger.With().
		Str(log.FieldEvent, ev.State.String()).
		Str(log.FieldSessionID, ev.SessionID.String()).
		Logger()

	switch ev.State {
	case coord.StateExpired:
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		metrics.SetConnected(false)
		logger.Warn().Msg("session expired")
		return nil
	case coord.StateDisconnected:
		logger.Info().Msg("connection interrupted, waiting for reconnect")
		return nil
	case coord.StateConnected:
	default:
		return nil
	}

	err := m.handleNewSession(ctx, ev.SessionID)
	if err != nil && IsFatal(err) {
		m.teardown(err)
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *Manager) handleNewSession(ctx context.Context, id coord.SessionID) error {
	m.rejoinMu.Lock()
	defer m.rejoinMu.Unlock()

	m.mu.Lock()
	stopped, processed := m.stopped, m.processed
	m.mu.Unlock()
	if stopped {
		return context.Canceled
	}
	if id == processed {
		m.logger.Debug().Str(log.FieldSessionID, id.String()).Msg("session already processed")
		return nil
	}
	// A newer session already replaced this one; its own event follows.
	if current := m.client.SessionID(); current != id {
		metrics.RecordRejoin("skipped", 0)
		m.logger.Debug().
			Str(log.FieldSessionID, id.String()).
			Str("current_session", current.String()).
			Msg("skipping superseded session")
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	start := time.Now()
	err := m.joinWithRetry(rctx, id)
	took := time.Since(start)
	if err != nil {
		metrics.RecordRejoin("failed", took)
		if ctx.Err() != nil {
			return context.Canceled
		}
		// The session ended under the join; the CONNECTED event of its
		// successor runs the sequence again.
		if m.superseded(id, err) {
			m.logger.Warn().Err(err).Str(log.FieldSessionID, id.String()).Msg("session superseded during join")
			return nil
		}
		return err
	}

	m.mu.Lock()
	m.processed = id
	m.connected = true
	m.rejoins++
	m.mu.Unlock()
	metrics.SetConnected(true)
	metrics.RecordRejoin("ok", took)
	m.logger.Info().
		Str(log.FieldSessionID, id.String()).
		Dur("took", took).
		Msg("joined cluster")
	m.joinedOnce.Do(func() { close(m.joined) })
	return nil
}

// joinWithRetry runs the join sequence and repeats it while it fails on
// transient facade errors and id is still the current session. A join that
// cannot complete within ctx is returned to the caller, which tears the
// manager down: a half-joined node must not stay published.
func (m *Manager) joinWithRetry(ctx context.Context, id coord.SessionID) error {
	var (
		attempt   int
		last      error
		transient error
	)
	op := func() (struct{}, error) {
		attempt++
		last = m.rejoin(ctx, id)
		switch err := last; {
		case err == nil:
			return struct{}{}, nil
		case ctx.Err() != nil, m.superseded(id, err), !coord.IsTransient(err):
			return struct{}{}, backoff.Permanent(err)
		}
		transient = last
		m.logger.Warn().Err(last).
			Str(log.FieldSessionID, id.String()).
			Int("attempt", attempt).
			Msg("join interrupted, retrying")
		return struct{}{}, last
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rejoinRetryInitial
	b.MaxInterval = rejoinRetryMax
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(m.opts.ConnectTimeout))
	switch {
	case err == nil:
		return nil
	case transient != nil && errors.Is(err, context.DeadlineExceeded):
		return transient
	case last != nil:
		return last
	}
	return err
}

// superseded reports whether the join for id failed because the session
// ended or was replaced.
func (m *Manager) superseded(id coord.SessionID, err error) bool {
	return errors.Is(err, coord.ErrSessionExpired) || m.client.SessionID() != id
}

// rejoin runs the join sequence for session id. Handlers and timer tasks
// from the previous session are stopped first so nothing observes a
// half-joined state.
func (m *Manager) rejoin(ctx context.Context, id coord.SessionID) (err error) {
	ctx, span := m.tracer.Start(ctx, "manager.rejoin",
		trace.WithAttributes(telemetry.SessionAttributes(m.opts.Cluster, m.opts.Instance, id.String(), m.opts.Role.String())...))
	defer func() { telemetry.EndSpan(span, err, errorType(err)) }()
	ctx = log.ContextWithSessionID(ctx, id.String())

	_ = m.step(ctx, "stop_timer_tasks", true, func(context.Context) error {
		m.stopTimerTasks()
		return nil
	})
	m.registry.Reset()
	m.acc.Reset()

	if err := m.step(ctx, "verify_cluster", false, func(ctx context.Context) error {
		return m.verifyCluster(ctx)
	}); err != nil {
		return &RejoinError{Session: id, Step: "verify_cluster", Err: err}
	}

	switch m.opts.Role {
	case RoleParticipant:
		for _, s := range m.helper.Steps() {
			err := m.step(ctx, s.Name, s.BestEffort, s.Run)
			if err == nil {
				continue
			}
			if errors.Is(err, cluster.ErrNotSetUp) {
				err = &StructuralError{Cluster: m.opts.Cluster, Instance: m.opts.Instance, Err: err}
			}
			return &RejoinError{Session: id, Step: s.Name, Err: err}
		}
	case RoleController:
		if m.opts.LeaderElector != nil {
			if err := m.step(ctx, "leader_election", false, func(ctx context.Context) error {
				return m.opts.LeaderElector.OnNewSession(ctx, id)
			}); err != nil {
				return &RejoinError{Session: id, Step: "leader_election", Err: err}
			}
		}
	}

	m.mu.Lock()
	runCtx := m.runCtx
	m.mu.Unlock()
	m.registry.Bind(runCtx)
	m.registry.InitAll()

	if err := m.step(ctx, "start_timer_tasks", false, func(context.Context) error {
		return m.startTimerTasks(runCtx)
	}); err != nil {
		return &RejoinError{Session: id, Step: "start_timer_tasks", Err: err}
	}
	return nil
}

func (m *Manager) verifyCluster(ctx context.Context) error {
	if err := cluster.IsSetup(ctx, m.client, m.opts.Cluster); err != nil {
		if errors.Is(err, cluster.ErrNotSetUp) {
			return &StructuralError{Cluster: m.opts.Cluster, Instance: m.opts.Instance, Err: err}
		}
		return err
	}
	return nil
}

// step runs fn in its own span. Best-effort failures are logged and
// swallowed.
func (m *Manager) step(ctx context.Context, name string, bestEffort bool, fn func(context.Context) error) (err error) {
	ctx, span := m.tracer.Start(ctx, "manager.rejoin."+name,
		trace.WithAttributes(telemetry.StepAttributes(name, bestEffort)...))
	defer func() {
		span.SetAttributes(attribute.Bool("ok", err == nil))
		telemetry.EndSpan(span, err, errorType(err))
	}()
	ctx = log.ContextWithField(ctx, log.FieldStep, name)

	if err = fn(ctx); err == nil {
		return nil
	}
	metrics.RecordRejoinStepFailure(name)
	logger := log.WithContext(ctx, m.logger)
	if bestEffort {
		logger.Warn().Err(err).Msg("best-effort join step failed")
		return nil
	}
	logger.Error().Err(err).Msg("join step failed")
	return err
}

func (m *Manager) stopTimerTasks() {
	m.mu.Lock()
	running := m.tasksRunning
	tasks := append([]TimerTask(nil), m.tasks...)
	m.tasksRunning = false
	m.mu.Unlock()
	if !running {
		return
	}
	for _, t := range tasks {
		if err := t.Stop(); err != nil {
			metrics.RecordTimerTaskStopFailure(t.Name())
			m.logger.Warn().Err(err).Str(log.FieldTask, t.Name()).Msg("failed to stop timer task")
		}
	}
}

func (m *Manager) startTimerTasks(ctx context.Context) error {
	m.mu.Lock()
	tasks := append([]TimerTask(nil), m.tasks...)
	m.tasksRunning = true
	m.mu.Unlock()
	for _, t := range tasks {
		if err := t.Start(ctx); err != nil {
			return err
		}
		m.logger.Debug().Str(log.FieldTask, t.Name()).Msg("timer task started")
	}
	return nil
}
