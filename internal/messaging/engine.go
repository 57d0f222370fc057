// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package messaging delivers cluster messages addressed to this instance to a
// state-machine engine and records the resulting partition states.
package messaging

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/log"
)

// TaskEvent is one message handed to the engine.
type TaskEvent struct {
	MessageID string
	Type      string
	Source    string
	Resource  string
	Partition string
	SessionID coord.SessionID
	FromState string
	ToState   string
	// CurrentStates writes partition states under the session the task
	// was delivered in.
	CurrentStates *CurrentStates
}

// StateMachineEngine executes tasks. A returned error is reported as the
// task's failure; the message is not redelivered.
type StateMachineEngine interface {
	HandleTask(ctx context.Context, ev TaskEvent) error
}

// EngineFunc adapts a function to StateMachineEngine.
type EngineFunc func(ctx context.Context, ev TaskEvent) error

func (f EngineFunc) HandleTask(ctx context.Context, ev TaskEvent) error { return f(ctx, ev) }

// LoggingEngine accepts every transition: it logs the task and records the
// target state as the partition's current state.
type LoggingEngine struct {
	Logger zerolog.Logger
}

// NewLoggingEngine returns a LoggingEngine using the component logger.
func NewLoggingEngine() *LoggingEngine {
	return &LoggingEngine{Logger: log.WithComponent("engine")}
}

func (e *LoggingEngine) HandleTask(ctx context.Context, ev TaskEvent) error {
	logger := log.WithContext(ctx, e.Logger)
	logger.Info().
		Str(log.FieldMessageID, ev.MessageID).
		Str(log.FieldResource, ev.Resource).
		Str(log.FieldPartition, ev.Partition).
		Str(log.FieldOldState, ev.FromState).
		Str(log.FieldNewState, ev.ToState).
		Msg("handling task")
	if ev.Type != cluster.MsgStateTransition || ev.CurrentStates == nil {
		return nil
	}
	return ev.CurrentStates.SetPartitionState(ctx, ev.Resource, ev.Partition, ev.ToState)
}
