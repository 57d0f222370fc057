// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package participant implements the membership steps a participant runs
// every time it obtains a new session.
package participant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/tether/internal/accessor"
	"github.com/ManuGH/tether/internal/callback"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/log"
)

// PreConnectCallback runs after the instance config was verified and before
// the live-instance record is created.
type PreConnectCallback func(ctx context.Context) error

// LiveInstanceInfoProvider contributes extra simple fields to the
// live-instance record.
type LiveInstanceInfoProvider interface {
	LiveInstanceInfo() map[string]string
}

// Options configures a Helper.
type Options struct {
	Cluster  string
	Instance string
	Client   coord.Client
	Accessor *accessor.Cached
	Registry *callback.Registry
	// MessageListener is subscribed to the instance's message directory.
	MessageListener callback.Listener
	// DuplicateWait bounds the wait for a stale live-instance record of a
	// previous session to disappear.
	DuplicateWait time.Duration
	PollInterval  time.Duration
	// KeepPreviousStates leaves carried-over session directories in place.
	KeepPreviousStates bool
	InfoProvider       LiveInstanceInfoProvider
	Version            string
	Logger             *zerolog.Logger
}

// Helper performs the participant join steps. It is driven by one manager
// and is not safe for concurrent re-joins.
type Helper struct {
	opts   Options
	paths  cluster.Paths
	logger zerolog.Logger
	start  time.Time

	mu         sync.Mutex
	preConnect []PreConnectCallback
	previous   []coord.SessionID
}

// New builds a Helper.
func New(opts Options) *Helper {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	logger := log.WithComponent("participant")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Helper{
		opts:  opts,
		paths: cluster.NewPaths(opts.Cluster),
		logger: logger.With().
			Str(log.FieldCluster, opts.Cluster).
			Str(log.FieldInstance, opts.Instance).
			Logger(),
		start: time.Now(),
	}
}

// AddPreConnectCallback registers cb for every future join.
func (h *Helper) AddPreConnectCallback(cb PreConnectCallback) {
	if cb == nil {
		return
	}
	h.mu.Lock()
	h.preConnect = append(h.preConnect, cb)
	h.mu.Unlock()
}

// Step is one named join step.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
	// BestEffort steps are logged on failure instead of aborting the join.
	BestEffort bool
}

// Steps lists the join steps in the order they must run.
func (h *Helper) Steps() []Step {
	return []Step{
		{Name: "join_cluster", Run: h.JoinCluster},
		{Name: "pre_connect", Run: h.RunPreConnectCallbacks},
		{Name: "create_live_instance", Run: h.CreateLiveInstance},
		{Name: "carry_over_current_state", Run: h.CarryOverPreviousCurrentState},
		{Name: "setup_message_handler", Run: h.SetupMessageHandler},
		{Name: "create_health_check_path", Run: h.CreateHealthCheckPath, BestEffort: true},
		{Name: "purge_previous_current_state", Run: h.PurgePreviousCurrentStates, BestEffort: true},
	}
}

// JoinCluster checks that the instance was provisioned. It never creates
// the config record. The health report directory is not required.
func (h *Helper) JoinCluster(ctx context.Context) error {
	for _, p := range h.paths.InstancePaths(h.opts.Instance) {
		if p == h.paths.HealthReports(h.opts.Instance) {
			continue
		}
		ok, _, err := h.opts.Client.Exists(ctx, p)
		if err != nil {
			return fmt.Errorf("check %s: %w", p, err)
		}
		if !ok {
			return &ProvisionError{Cluster: h.opts.Cluster, Instance: h.opts.Instance, Missing: p}
		}
	}
	return nil
}

// RunPreConnectCallbacks runs the registered callbacks in order and stops
// at the first failure.
func (h *Helper) RunPreConnectCallbacks(ctx context.Context) error {
	h.mu.Lock()
	cbs := slices.Clone(h.preConnect)
	h.mu.Unlock()
	for i, cb := range cbs {
		if err := cb(ctx); err != nil {
			return fmt.Errorf("pre-connect callback %d: %w", i, err)
		}
	}
	return nil
}

func (h *Helper) liveInstanceRecord(session coord.SessionID) cluster.LiveInstance {
	li := cluster.NewLiveInstance(h.opts.Instance)
	if h.opts.InfoProvider != nil {
		for k, v := range h.opts.InfoProvider.LiveInstanceInfo() {
			li.SetSimple(k, v)
		}
	}
	host, _ := os.Hostname()
	li.SetSessionID(session)
	li.SetStartTime(h.start)
	li.SetProcess(fmt.Sprintf("%d@%s", os.Getpid(), host))
	li.SetVersion(h.opts.Version)
	return li
}

// CreateLiveInstance publishes the ephemeral live-instance record for the
// current session. A record already carrying this session is accepted. A
// record of another session is waited on for DuplicateWait, since an expired
// session of this process may still be visible; if it persists the join
// fails with *DuplicateInstanceError and the record is left untouched.
func (h *Helper) CreateLiveInstance(ctx context.Context) error {
	session := h.opts.Client.SessionID()
	if session.IsZero() {
		return coord.ErrNotConnected
	}
	path := h.paths.LiveInstance(h.opts.Instance)
	data, err := h.liveInstanceRecord(session).Encode()
	if err != nil {
		return err
	}

	started := time.Now()
	attempt := func() (struct{}, error) {
		err := h.opts.Client.Create(ctx, path, data, coord.Ephemeral)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, coord.ErrNodeExists) {
			return struct{}{}, backoff.Permanent(fmt.Errorf("create %s: %w", path, err))
		}
		owner, err := h.liveOwner(ctx, path)
		switch {
		case errors.Is(err, coord.ErrNoNode):
			return struct{}{}, errors.New("live instance vanished, retrying")
		case err != nil:
			return struct{}{}, backoff.Permanent(err)
		case owner == session:
			return struct{}{}, nil
		}
		h.logger.Warn().
			Str("owner_session", owner.String()).
			Msg("live instance record held by another session, waiting")
		return struct{}{}, &DuplicateInstanceError{Instance: h.opts.Instance, Owner: owner, Waited: time.Since(started)}
	}

	retryOpts := []backoff.RetryOption{backoff.WithBackOff(backoff.NewConstantBackOff(h.opts.PollInterval))}
	if h.opts.DuplicateWait > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(h.opts.DuplicateWait))
	} else {
		retryOpts = append(retryOpts, backoff.WithMaxTries(1))
	}
	if _, err := backoff.Retry(ctx, attempt, retryOpts...); err != nil {
		return err
	}
	h.logger.Info().Str(log.FieldSessionID, session.String()).Msg("live instance created")
	return nil
}

// liveOwner returns the session recorded in the live-instance record,
// falling back to the node's ephemeral owner.
func (h *Helper) liveOwner(ctx context.Context, path string) (coord.SessionID, error) {
	data, stat, err := h.opts.Client.Get(ctx, path)
	if err != nil {
		return coord.NoSession, err
	}
	rec, err := cluster.Decode(h.opts.Instance, data)
	if err == nil {
		if id := (cluster.LiveInstance{Record: rec}).SessionID(); !id.IsZero() {
			return id, nil
		}
	}
	return stat.EphemeralOwner, nil
}

// CarryOverPreviousCurrentState copies the snapshots left under earlier
// sessions to the current one, re-keying SESSION_ID. Earlier sessions are
// merged newest first and only fill partitions the current session does not
// hold yet, so the latest known state of every partition wins.
func (h *Helper) CarryOverPreviousCurrentState(ctx context.Context) error {
	session := h.opts.Client.SessionID()
	dir := h.paths.CurrentStates(h.opts.Instance)
	sessions, err := h.opts.Accessor.Children(ctx, dir)
	if errors.Is(err, coord.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	var previous []coord.SessionID
	for _, name := range sessions {
		if prev := coord.SessionID(name); prev != session {
			previous = append(previous, prev)
		}
	}
	slices.SortFunc(previous, func(a, b coord.SessionID) int {
		switch {
		case b.Before(a):
			return -1
		case a.Before(b):
			return 1
		}
		return 0
	})

	for _, prev := range previous {
		recs, err := h.opts.Accessor.ChildRecords(ctx, h.paths.SessionCurrentStates(h.opts.Instance, prev))
		if err != nil && !errors.Is(err, coord.ErrNoNode) {
			return fmt.Errorf("read current states of session %s: %w", prev, err)
		}
		for _, rec := range recs {
			if err := h.carry(ctx, prev, session, rec); err != nil {
				return err
			}
		}
	}

	h.mu.Lock()
	h.previous = previous
	h.mu.Unlock()
	return nil
}

var errNothingToCarry = errors.New("nothing to carry over")

// carry merges the snapshot rec of session from into the same resource's
// snapshot under session to.
func (h *Helper) carry(ctx context.Context, from, to coord.SessionID, rec *cluster.Record) error {
	resource := rec.ID
	target := h.paths.CurrentState(h.opts.Instance, to, resource)
	var added int
	err := h.opts.Accessor.Update(ctx, target, func(cur *cluster.Record) (*cluster.Record, error) {
		next, n := mergeCurrentState(cur, rec, to)
		added = n
		if n == 0 {
			return nil, errNothingToCarry
		}
		return next, nil
	})
	switch {
	case errors.Is(err, errNothingToCarry):
		h.logger.Debug().
			Str(log.FieldResource, resource).
			Str("from_session", from.String()).
			Msg("current state already present, not carried over")
		return nil
	case err != nil:
		return fmt.Errorf("carry over %s: %w", target, err)
	}
	h.logger.Info().
		Str(log.FieldResource, resource).
		Str("from_session", from.String()).
		Str(log.FieldSessionID, to.String()).
		Int("partitions", added).
		Msg("carried over current state")
	return nil
}

// mergeCurrentState returns cur with the partitions and simple fields of
// prev it lacks, stamped with session. A nil cur yields a copy of prev. The
// count is the number of partitions added, or 1 for a fresh copy without
// partitions.
func mergeCurrentState(cur, prev *cluster.Record, session coord.SessionID) (*cluster.Record, int) {
	if cur == nil {
		next := cluster.CurrentState{Record: prev.Clone()}
		next.SetSessionID(session)
		return next.Record, max(len(prev.MapFields), 1)
	}
	next := cluster.CurrentState{Record: cur.Clone()}
	added := 0
	for partition, fields := range prev.MapFields {
		if _, ok := next.MapFields[partition]; ok {
			continue
		}
		for k, v := range fields {
			next.SetMapValue(partition, k, v)
		}
		added++
	}
	if added == 0 {
		return cur, 0
	}
	for k, v := range prev.SimpleFields {
		if next.Simple(k) == "" {
			next.SetSimple(k, v)
		}
	}
	next.SetSessionID(session)
	return next.Record, added
}

// SetupMessageHandler subscribes the message listener to this instance's
// message directory.
func (h *Helper) SetupMessageHandler(_ context.Context) error {
	if h.opts.MessageListener == nil || h.opts.Registry == nil {
		return nil
	}
	return h.opts.Registry.Subscribe(h.opts.MessageListener, cluster.ChangeMessage, cluster.Scope{Instance: h.opts.Instance})
}

// CreateHealthCheckPath ensures the health report directory exists.
func (h *Helper) CreateHealthCheckPath(ctx context.Context) error {
	p := h.paths.HealthReports(h.opts.Instance)
	err := h.opts.Client.Create(ctx, p, nil, coord.Persistent)
	if err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return fmt.Errorf("create %s: %w", p, err)
	}
	return nil
}

// PurgePreviousCurrentStates removes the session directories carried over
// by the last CarryOverPreviousCurrentState.
func (h *Helper) PurgePreviousCurrentStates(ctx context.Context) error {
	if h.opts.KeepPreviousStates {
		return nil
	}
	h.mu.Lock()
	previous := h.previous
	h.previous = nil
	h.mu.Unlock()

	var errs []error
	for _, s := range previous {
		if err := h.opts.Accessor.Remove(ctx, h.paths.SessionCurrentStates(h.opts.Instance, s)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
