// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestEventStreamPreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewEventStream()
	s.Emit(StateConnected, "a")
	s.Emit(StateExpired, "a")
	s.Emit(StateConnected, "b")

	var got []SessionEvent
	for i := 0; i < 3; i++ {
		got = append(got, <-s.C())
	}
	assert.Equal(t, StateConnected, got[0].State)
	assert.Equal(t, StateExpired, got[1].State)
	assert.Equal(t, SessionID("b"), got[2].SessionID)

	s.Close()
	s.Close()
	_, ok := <-s.C()
	assert.False(t, ok)
	s.Emit(StateConnected, "c")
}
