// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"sync"
	"time"
)

// EventStream delivers session events in emission order without ever blocking
// the emitter. Facade implementations embed one to back SessionEvents.
type EventStream struct {
	mu      sync.Mutex
	pending []SessionEvent
	closed  bool
	kick    chan struct{}
	done    chan struct{}
	out     chan SessionEvent
	wg      sync.WaitGroup
}

// NewEventStream starts the delivery goroutine. Close must be called.
func NewEventStream() *EventStream {
	s := &EventStream{
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan SessionEvent),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// C is the consumer side. It is closed after Close.
func (s *EventStream) C() <-chan SessionEvent { return s.out }

// Emit queues an event stamped with the current time. No-op after Close.
func (s *EventStream) Emit(state SessionState, id SessionID) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, SessionEvent{State: state, SessionID: id, At: time.Now()})
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Close drops undelivered events, closes C and waits for the goroutine.
func (s *EventStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *EventStream) run() {
	defer s.wg.Done()
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
