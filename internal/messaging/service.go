// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/tether/internal/accessor"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
)

// Service groups the executor with outbound messaging for one instance.
type Service struct {
	executor *Executor
	engine   StateMachineEngine
	acc      *accessor.Cached
	paths    cluster.Paths
	instance string
	now      func() time.Time
}

// NewService builds the messaging service. A nil engine selects the
// LoggingEngine.
func NewService(opts ExecutorOptions) *Service {
	if opts.Engine == nil {
		opts.Engine = NewLoggingEngine()
	}
	return &Service{
		executor: NewExecutor(opts),
		engine:   opts.Engine,
		acc:      opts.Accessor,
		paths:    cluster.NewPaths(opts.Cluster),
		instance: opts.Instance,
		now:      time.Now,
	}
}

func (s *Service) Executor() *Executor                { return s.executor }
func (s *Service) Engine() StateMachineEngine         { return s.engine }
func (s *Service) Shutdown(ctx context.Context) error { return s.executor.Shutdown(ctx) }

// Send writes a message into the target instance's message directory and
// returns its id. Source defaults to this instance and an empty target
// session addresses any session.
func (s *Service) Send(ctx context.Context, spec cluster.MessageSpec) (string, error) {
	if spec.Target == "" {
		return "", fmt.Errorf("send message: target is required")
	}
	if spec.Source == "" {
		spec.Source = s.instance
	}
	if spec.TargetSession.IsZero() {
		spec.TargetSession = AnySession
	}
	dir := s.paths.Messages(spec.Target)
	ok, err := s.acc.Exists(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", spec.Target, err)
	}
	if !ok {
		return "", fmt.Errorf("send message: instance %q is not provisioned: %w", spec.Target, coord.ErrNoNode)
	}
	id := uuid.NewString()
	msg := cluster.BuildMessage(id, spec, s.now())
	if err := s.acc.Create(ctx, s.paths.Message(spec.Target, id), msg.Record, coord.Persistent); err != nil {
		return "", fmt.Errorf("send message to %s: %w", spec.Target, err)
	}
	return id, nil
}
