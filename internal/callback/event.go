// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package callback

import (
	"context"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
)

// Kind tells a listener why it is being called.
type Kind int

const (
	// KindInit is delivered once when a listener starts observing.
	KindInit Kind = iota + 1
	// KindCallback is delivered after the observed state changed.
	KindCallback
	// KindFinalize is delivered when observation stops (unsubscribe or
	// session reset). Records is empty.
	KindFinalize
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "INIT"
	case KindCallback:
		return "CALLBACK"
	case KindFinalize:
		return "FINALIZE"
	default:
		return "UNKNOWN"
	}
}

// Event is a typed notification carrying the full current contents of the
// observed directory.
type Event struct {
	Type      cluster.ChangeType
	Kind      Kind
	Scope     cluster.Scope
	Path      string
	SessionID coord.SessionID
	Records   []*cluster.Record
}

func (e Event) LiveInstances() []cluster.LiveInstance {
	out := make([]cluster.LiveInstance, len(e.Records))
	for i, r := range e.Records {
		out[i] = cluster.LiveInstance{Record: r}
	}
	return out
}

func (e Event) CurrentStates() []cluster.CurrentState {
	out := make([]cluster.CurrentState, len(e.Records))
	for i, r := range e.Records {
		out[i] = cluster.CurrentState{Record: r}
	}
	return out
}

func (e Event) Messages() []cluster.Message {
	out := make([]cluster.Message, len(e.Records))
	for i, r := range e.Records {
		out[i] = cluster.Message{Record: r}
	}
	return out
}

func (e Event) InstanceConfigs() []cluster.InstanceConfig {
	out := make([]cluster.InstanceConfig, len(e.Records))
	for i, r := range e.Records {
		out[i] = cluster.InstanceConfig{Record: r}
	}
	return out
}

// Listener receives events for the change types it subscribed to. A returned
// error is logged and counted; it never stops delivery to other listeners.
//
// Listeners are identified by interface equality, so implementations should
// be pointer types. Use NewListener to wrap a function.
type Listener interface {
	OnChange(ctx context.Context, ev Event) error
}

type funcListener struct {
	fn func(ctx context.Context, ev Event) error
}

func (f *funcListener) OnChange(ctx context.Context, ev Event) error { return f.fn(ctx, ev) }

// NewListener wraps fn in a Listener with its own identity.
func NewListener(fn func(ctx context.Context, ev Event) error) Listener {
	return &funcListener{fn: fn}
}
