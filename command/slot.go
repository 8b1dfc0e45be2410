package command

import (
	"errors"
	"sync"

	"github.com/guseggert/headless/protocol"
)

var (
	// ErrSlotBusy is returned by Await when an output callback is already pending or a stream is active.
	ErrSlotBusy = errors.New("output slot busy")
	// ErrStreamActive is returned by BeginStream while another stream is being delivered.
	ErrStreamActive = errors.New("stream already in progress")
	// ErrNoAwaiter is returned by BeginStream when nobody is waiting for output.
	ErrNoAwaiter = errors.New("no output callback pending")
)

// OutputFunc receives output delivered by the worker's out command.
// For a stream it is called with a start marker, data markers and an end marker, in that order.
type OutputFunc func(args protocol.Args)

type slotState int

const (
	slotIdle slotState = iota
	slotAwaiting
	slotStreaming
)

func (s slotState) String() string {
	switch s {
	case slotAwaiting:
		return "awaiting"
	case slotStreaming:
		return "streaming"
	}
	return "idle"
}

// Slot holds the single outstanding output callback of a container.
// It is Idle, Awaiting a callback set with Await, or Streaming to that callback.
type Slot struct {
	m     sync.Mutex
	state slotState
	cb    OutputFunc
}

// Await registers the callback the next out command delivers to.
func (s *Slot) Await(cb OutputFunc) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.state != slotIdle {
		return ErrSlotBusy
	}
	s.state = slotAwaiting
	s.cb = cb
	return nil
}

// Cancel drops a pending callback that no longer wants output. It does not interrupt an active stream.
func (s *Slot) Cancel() {
	s.m.Lock()
	defer s.m.Unlock()
	if s.state == slotAwaiting {
		s.state = slotIdle
		s.cb = nil
	}
}

// State returns the slot state: "idle", "awaiting" or "streaming".
func (s *Slot) State() string {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state.String()
}

// Deliver hands args to the pending callback and clears the slot.
// It returns false if no callback was pending or a stream is active.
func (s *Slot) Deliver(args protocol.Args) bool {
	s.m.Lock()
	if s.state != slotAwaiting {
		s.m.Unlock()
		return false
	}
	cb := s.cb
	s.state = slotIdle
	s.cb = nil
	s.m.Unlock()

	cb(args)
	return true
}

// BeginStream claims the pending callback for a stream.
func (s *Slot) BeginStream() (*Stream, error) {
	s.m.Lock()
	defer s.m.Unlock()
	switch s.state {
	case slotStreaming:
		return nil, ErrStreamActive
	case slotIdle:
		return nil, ErrNoAwaiter
	}
	s.state = slotStreaming
	return &Stream{slot: s, cb: s.cb}, nil
}

// Stream is an active stream claimed from a Slot. It is used by a single goroutine.
type Stream struct {
	slot *Slot
	cb   OutputFunc
	done bool
}

// Send delivers one marker.
func (st *Stream) Send(args protocol.Args) {
	if !st.done {
		st.cb(args)
	}
}

// End sends the end marker and frees the slot.
func (st *Stream) End() {
	if st.done {
		return
	}
	st.cb(protocol.Args{"stream": "end"})
	st.release()
}

// Abort frees the slot without delivering anything more.
func (st *Stream) Abort() {
	if !st.done {
		st.release()
	}
}

func (st *Stream) release() {
	st.done = true
	st.slot.m.Lock()
	st.slot.state = slotIdle
	st.slot.cb = nil
	st.slot.m.Unlock()
}
