// Package transporttest provides an in-memory transport for tests that drive the worker side by hand.
package transporttest

import (
	"context"
	"sync"

	"github.com/guseggert/headless/protocol"
	"github.com/guseggert/headless/transport"
)

// Pipe is an in-memory transport.Transport.
// The test plays the worker: Deliver feeds inbound envelopes, Sent yields what the container sent, and Exit ends the worker.
type Pipe struct {
	messages chan protocol.Envelope
	sent     chan protocol.Envelope
	exited   chan transport.Exit

	m      sync.Mutex
	closed bool
	done   chan struct{}

	// deliverMut keeps messages open while a Deliver is in flight.
	deliverMut sync.RWMutex
}

func NewPipe() *Pipe {
	return &Pipe{
		messages: make(chan protocol.Envelope, 64),
		sent:     make(chan protocol.Envelope, 64),
		exited:   make(chan transport.Exit, 1),
		done:     make(chan struct{}),
	}
}

func (p *Pipe) Kind() transport.Kind              { return transport.KindProcess }
func (p *Pipe) Receive() <-chan protocol.Envelope { return p.messages }
func (p *Pipe) Exited() <-chan transport.Exit     { return p.exited }

func (p *Pipe) Send(ctx context.Context, env protocol.Envelope) error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	select {
	case p.sent <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the worker as if it had been killed.
func (p *Pipe) Close() error {
	p.Exit(-1)
	return nil
}

// Deliver hands env to the container as if the worker had sent it. It returns false after Exit.
func (p *Pipe) Deliver(env protocol.Envelope) bool {
	p.deliverMut.RLock()
	defer p.deliverMut.RUnlock()
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.messages <- env:
		return true
	case <-p.done:
		return false
	}
}

// Sent returns the envelopes sent to the worker.
func (p *Pipe) Sent() <-chan protocol.Envelope { return p.sent }

// Exit ends the worker with code. Later calls are no-ops.
func (p *Pipe) Exit(code int) {
	p.m.Lock()
	if p.closed {
		p.m.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.m.Unlock()

	p.deliverMut.Lock()
	close(p.messages)
	p.deliverMut.Unlock()
	p.exited <- transport.Exit{Code: code}
}

// Opener hands out a new Pipe on every Open, publishing it on Pipes.
// Like the real transports, the Init envelope is the first thing the worker receives.
type Opener struct {
	Pipes chan *Pipe
	// Specs records the spec of every Open call.
	Specs chan transport.Spec
	// Err, when set, is returned by Open instead of a pipe.
	Err func(n int) error

	m     sync.Mutex
	opens int
}

func NewOpener(size int) *Opener {
	return &Opener{Pipes: make(chan *Pipe, size), Specs: make(chan transport.Spec, size)}
}

func (o *Opener) Open(ctx context.Context, spec transport.Spec) (transport.Transport, error) {
	o.m.Lock()
	o.opens++
	n := o.opens
	o.m.Unlock()

	select {
	case o.Specs <- spec:
	default:
	}
	if o.Err != nil {
		if err := o.Err(n); err != nil {
			return nil, err
		}
	}
	p := NewPipe()
	init, err := protocol.NewEnvelope(protocol.KindInit, spec.Init)
	if err != nil {
		return nil, err
	}
	p.sent <- init
	select {
	case o.Pipes <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p, nil
}

// Opens returns the number of Open calls so far.
func (o *Opener) Opens() int {
	o.m.Lock()
	defer o.m.Unlock()
	return o.opens
}
