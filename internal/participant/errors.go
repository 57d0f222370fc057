// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package participant

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
)

var (
	// ErrInstanceNotProvisioned means the instance has no config record.
	ErrInstanceNotProvisioned = errors.New("instance is not provisioned")
	// ErrDuplicateInstance means another live session owns the instance.
	ErrDuplicateInstance = errors.New("instance is already live under another session")
)

// ProvisionError names the missing node of an unprovisioned instance. It
// matches both ErrInstanceNotProvisioned and cluster.ErrNotSetUp.
type ProvisionError struct {
	Cluster  string
	Instance string
	Missing  string
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("cluster %q: %v: %s (missing %s)", e.Cluster, ErrInstanceNotProvisioned, e.Instance, e.Missing)
}

func (e *ProvisionError) Unwrap() []error {
	return []error{ErrInstanceNotProvisioned, cluster.ErrNotSetUp}
}

// DuplicateInstanceError reports the session holding the live record.
type DuplicateInstanceError struct {
	Instance string
	Owner    coord.SessionID
	Waited   time.Duration
}

func (e *DuplicateInstanceError) Error() string {
	return fmt.Sprintf("%v: %s held by session %s (waited %s)", ErrDuplicateInstance, e.Instance, e.Owner, e.Waited)
}

func (e *DuplicateInstanceError) Unwrap() error { return ErrDuplicateInstance }
