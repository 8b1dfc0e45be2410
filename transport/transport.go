package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/guseggert/headless/protocol"
	"go.uber.org/zap"
)

// Kind names a transport implementation.
type Kind string

const (
	KindProcess   Kind = "process"
	KindSandboxed Kind = "sandboxed"
)

// ParseKind parses a transport kind. The original container names "node" and "phantom" are accepted as aliases.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "process", "node":
		return KindProcess, nil
	case "sandboxed", "sandbox", "phantom":
		return KindSandboxed, nil
	}
	return "", errors.New("container " + s + " not an option")
}

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("worker control connection not established")
)

// Exit describes how the worker went away.
type Exit struct {
	// Code is the exit code, or -1 if the worker was killed by a signal.
	Code int
	Err  error
}

// Spec describes the worker to launch.
type Spec struct {
	ListPath string
	Index    int
	Init     protocol.Init
}

// Transport is an open channel to one running worker.
type Transport interface {
	Kind() Kind
	// Send writes an envelope to the worker. It returns ErrClosed once the worker has exited.
	Send(ctx context.Context, env protocol.Envelope) error
	// Receive returns the inbound envelopes, in arrival order. It is closed when the worker is gone.
	Receive() <-chan protocol.Envelope
	// Exited yields exactly one Exit, after Receive has been closed.
	Exited() <-chan Exit
	// Close forcibly terminates the worker. The exit is still reported through Exited.
	Close() error
}

// Opener launches workers.
type Opener interface {
	Open(ctx context.Context, spec Spec) (Transport, error)
}

// OpenerFunc adapts a function to an Opener.
type OpenerFunc func(ctx context.Context, spec Spec) (Transport, error)

func (f OpenerFunc) Open(ctx context.Context, spec Spec) (Transport, error) { return f(ctx, spec) }

// base holds the channel plumbing shared by the transports.
type base struct {
	log  *zap.SugaredLogger
	kind Kind

	messages chan protocol.Envelope
	exited   chan Exit

	closed    chan struct{}
	closeOnce sync.Once
}

func newBase(log *zap.SugaredLogger, kind Kind) base {
	return base{
		log:      log,
		kind:     kind,
		messages: make(chan protocol.Envelope, 64),
		exited:   make(chan Exit, 1),
		closed:   make(chan struct{}),
	}
}

func (b *base) Kind() Kind                        { return b.kind }
func (b *base) Receive() <-chan protocol.Envelope { return b.messages }
func (b *base) Exited() <-chan Exit               { return b.exited }

// deliver hands an inbound envelope to the consumer. It returns false if the transport closed first.
func (b *base) deliver(env protocol.Envelope) bool {
	select {
	case b.messages <- env:
		return true
	case <-b.closed:
		return false
	}
}

func (b *base) markClosed() {
	b.closeOnce.Do(func() { close(b.closed) })
}

func (b *base) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// finish closes Receive and then reports the exit. It must only be called once the reader is done.
func (b *base) finish(exit Exit) {
	b.markClosed()
	close(b.messages)
	b.exited <- exit
}
