// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package callback

import (
	"errors"
	"fmt"

	"github.com/ManuGH/tether/internal/cluster"
)

var (
	// ErrInvalidArgument is the sentinel for every rejected subscription.
	ErrInvalidArgument = errors.New("callback: invalid argument")

	ErrNilListener           = fmt.Errorf("%w: listener is nil", ErrInvalidArgument)
	ErrNotComparableListener = fmt.Errorf("%w: listener type is not comparable", ErrInvalidArgument)
)

// UnsupportedChangeTypeError is returned when a change type is not available
// to the registry's role. It matches ErrInvalidArgument.
type UnsupportedChangeTypeError struct {
	Type cluster.ChangeType
	Role cluster.Role
}

func (e *UnsupportedChangeTypeError) Error() string {
	if e.Role != 0 {
		return fmt.Sprintf("callback: change type %s is not supported for role %s", e.Type, e.Role)
	}
	return fmt.Sprintf("callback: change type %s is not supported", e.Type)
}

func (e *UnsupportedChangeTypeError) Unwrap() error { return ErrInvalidArgument }
