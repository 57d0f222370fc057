// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/tether/internal/accessor"
	"github.com/ManuGH/tether/internal/callback"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/participant"
)

var (
	ErrNotConnected           = coord.ErrNotConnected
	ErrConnectTimeout         = coord.ErrConnectTimeout
	ErrInvalidArgument        = callback.ErrInvalidArgument
	ErrNotSetUp               = cluster.ErrNotSetUp
	ErrInstanceNotProvisioned = participant.ErrInstanceNotProvisioned
	ErrDuplicateInstance      = participant.ErrDuplicateInstance
	ErrCacheInconsistency     = accessor.ErrCacheInconsistency

	// ErrDisconnected is returned by Connect on a manager that was already
	// disconnected. A manager is not reusable.
	ErrDisconnected = errors.New("manager disconnected")
)

type (
	DuplicateInstanceError     = participant.DuplicateInstanceError
	UnsupportedChangeTypeError = callback.UnsupportedChangeTypeError
	CacheInconsistencyError    = accessor.CacheInconsistencyError
	TransientConnectionError   = coord.TransientError
)

// StructuralError reports that the cluster or this instance was never
// provisioned. It is fatal.
type StructuralError struct {
	Cluster  string
	Instance string
	Err      error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("cluster %q, instance %q: %v", e.Cluster, e.Instance, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// RejoinError names the re-join step that failed.
type RejoinError struct {
	Session coord.SessionID
	Step    string
	Err     error
}

func (e *RejoinError) Error() string {
	return fmt.Sprintf("re-join for session %s failed at %s: %v", e.Session, e.Step, e.Err)
}

func (e *RejoinError) Unwrap() error { return e.Err }

// IsFatal reports whether err ends the manager's lifecycle. Cancellation is
// not fatal: it is the result of Disconnect.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// errorType classifies err for metrics and span attributes.
func errorType(err error) string {
	var structural *StructuralError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &structural), errors.Is(err, cluster.ErrNotSetUp):
		return "structural"
	case errors.Is(err, participant.ErrDuplicateInstance):
		return "duplicate_instance"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, coord.ErrConnectTimeout):
		return "timeout"
	case coord.IsTransient(err):
		return "transient"
	default:
		return "other"
	}
}
