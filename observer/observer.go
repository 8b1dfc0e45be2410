// Package observer forwards container events to interested sessions.
//
// A container never owns its observer. When none is attached, forwarding is a no-op.
package observer

import (
	"errors"
)

// Event message kinds.
const (
	MessageData  = "data"
	MessageError = "error"
)

// ErrClosed is returned by sinks that can no longer deliver events.
var ErrClosed = errors.New("observer closed")

// Event is one forwarded item: a copy of a worker data or error payload, or a supervisor notice.
type Event struct {
	// Name is the identity of the observer the event is addressed to.
	Name string `json:"name"`
	// Worker identifies the run that produced the event.
	Worker  string `json:"worker,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Observer receives forwarded events.
// Observe must not block for long since it is called from the container's dispatch loop.
type Observer interface {
	Name() string
	Observe(ev Event) error
}

// Chan is an Observer that sends every event on C. It is mostly useful in tests.
type Chan struct {
	ID string
	C  chan Event
}

func NewChan(name string, size int) *Chan {
	return &Chan{ID: name, C: make(chan Event, size)}
}

func (c *Chan) Name() string { return c.ID }

func (c *Chan) Observe(ev Event) error {
	c.C <- ev
	return nil
}
