// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"errors"
	"fmt"
)

var (
	ErrNodeExists     = errors.New("coord: node already exists")
	ErrNoNode         = errors.New("coord: node does not exist")
	ErrBadVersion     = errors.New("coord: version conflict")
	ErrNotEmpty       = errors.New("coord: node has children")
	ErrNotConnected   = errors.New("coord: not connected")
	ErrSessionExpired = errors.New("coord: session expired")
	ErrConnectTimeout = errors.New("coord: timed out waiting for connection")
	ErrClosed         = errors.New("coord: client closed")
	ErrInvalidPath    = errors.New("coord: invalid path")
)

// TransientError marks a failure that may succeed when retried, such as a
// dropped connection. Facades retry these internally before surfacing them.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e == nil {
		return "coord: transient error"
	}
	return fmt.Sprintf("coord: transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether err is retryable at the facade layer.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrNotConnected)
}
