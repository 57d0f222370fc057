// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionID identifies one connected epoch with the coordination service.
// Values are UUIDv7 strings, so lexical order equals creation order.
type SessionID string

// NoSession is the zero SessionID.
const NoSession SessionID = ""

// NewSessionID mints a time-ordered session id.
func NewSessionID() SessionID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return SessionID(uuid.NewString())
	}
	return SessionID(id.String())
}

func (s SessionID) String() string { return string(s) }

// IsZero reports whether s is unset.
func (s SessionID) IsZero() bool { return s == NoSession }

// Before reports whether s was created before other.
func (s SessionID) Before(other SessionID) bool {
	return strings.Compare(string(s), string(other)) < 0
}

// SessionState is the connection state reported on the session event stream.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// SessionEvent is delivered on Client.SessionEvents. For StateExpired the
// SessionID is the session that ended; for StateConnected it is the session
// now in effect.
type SessionEvent struct {
	State     SessionState
	SessionID SessionID
	At        time.Time
}

// CreateMode selects the lifetime of a created record.
type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
)

// AnyVersion disables the optimistic version check on Set and Delete.
const AnyVersion int32 = -1

// Stat is the metadata of a stored record.
type Stat struct {
	Version        int32
	EphemeralOwner SessionID
	CTime          time.Time
	MTime          time.Time
}

// WatchKind selects what a watch observes.
type WatchKind int

const (
	// WatchData fires on create, data change or delete of the node itself.
	WatchData WatchKind = iota
	// WatchChildren fires when a direct child is added or removed, or the
	// node itself is created or deleted.
	WatchChildren
)

// EventType describes why a watch fired.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDataChanged
	EventNodeDeleted
	EventNodeChildrenChanged
	// EventSessionClosed is delivered when the watch was dropped because its
	// session ended or the connection was interrupted; callers must re-arm
	// and re-read.
	EventSessionClosed
)

func (e EventType) String() string {
	switch e {
	case EventNodeCreated:
		return "created"
	case EventNodeDataChanged:
		return "data_changed"
	case EventNodeDeleted:
		return "deleted"
	case EventNodeChildrenChanged:
		return "children_changed"
	case EventSessionClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// WatchEvent is the single notification produced by a one-shot watch.
type WatchEvent struct {
	Type EventType
	Path string
}

// Client is the facade consumed by the rest of the runtime.
type Client interface {
	// Connect establishes a session and blocks until it is CONNECTED or ctx ends.
	Connect(ctx context.Context) error
	// Close ends the session gracefully; its ephemeral records are removed.
	Close() error

	SessionID() SessionID
	State() SessionState
	// SessionEvents streams state changes. The channel is closed by Close.
	SessionEvents() <-chan SessionEvent

	Create(ctx context.Context, path string, data []byte, mode CreateMode) error
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	Set(ctx context.Context, path string, data []byte, expectedVersion int32) (Stat, error)
	Delete(ctx context.Context, path string, expectedVersion int32) error
	Exists(ctx context.Context, path string) (bool, Stat, error)
	Children(ctx context.Context, path string) ([]string, error)

	// Watch arms a one-shot watch. The returned channel yields at most one
	// event and is then closed. Cancelling ctx removes the watch.
	Watch(ctx context.Context, path string, kind WatchKind) (<-chan WatchEvent, error)
}
