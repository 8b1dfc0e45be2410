// Package container runs one worker lifetime: it owns the worker's transport, dispatches what the worker sends, and reports the exit.
package container

import (
	"context"
	"sync"

	"github.com/guseggert/headless/command"
	"github.com/guseggert/headless/observer"
	"github.com/guseggert/headless/protocol"
	"github.com/guseggert/headless/transport"
	"go.uber.org/zap"
)

// Options configures a Container.
type Options struct {
	// ID tags every forwarded event.
	ID       string
	Log      *zap.SugaredLogger
	Registry command.Registry
	// Observer receives forwarded events. It may be nil.
	Observer observer.Observer
	// LastError seeds the last observed error, e.g. with the error of a previous worker or of loading the task list.
	LastError any
}

// Result is the outcome of a worker lifetime.
type Result struct {
	Exit      transport.Exit
	LastError any
}

// Container is one running worker.
// Run must be called exactly once.
type Container struct {
	id        string
	log       *zap.SugaredLogger
	registry  command.Registry
	observer  observer.Observer
	transport transport.Transport
	slot      command.Slot
	done      chan struct{}

	m         sync.Mutex
	lastError any
}

// New launches a worker through opener. The transport sends the Init envelope.
func New(ctx context.Context, opener transport.Opener, spec transport.Spec, opts Options) (*Container, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	registry := opts.Registry
	if registry == nil {
		registry = command.NewRegistry(command.Options{Log: log})
	}
	t, err := opener.Open(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Container{
		id:        opts.ID,
		log:       log.Named("container").With("Worker", opts.ID),
		registry:  registry,
		observer:  opts.Observer,
		transport: t,
		lastError: opts.LastError,
		done:      make(chan struct{}),
	}, nil
}

func (c *Container) ID() string { return c.id }

func (c *Container) Kind() transport.Kind { return c.transport.Kind() }

// LastError returns the most recently observed error payload.
func (c *Container) LastError() any {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lastError
}

func (c *Container) setLastError(v any) {
	c.m.Lock()
	defer c.m.Unlock()
	c.lastError = v
}

// Forward sends data to the observer, tagged with the container's worker identity.
func (c *Container) Forward(data any) {
	c.forward(observer.MessageData, data)
}

func (c *Container) forward(message string, data any) {
	if c.observer == nil {
		return
	}
	ev := observer.Event{
		Name:    c.observer.Name(),
		Worker:  c.id,
		Message: message,
		Data:    data,
	}
	if err := c.observer.Observe(ev); err != nil {
		c.log.Debugf("error forwarding %s event: %s", message, err)
	}
}

// Output returns the slot served by the worker's out command.
func (c *Container) Output() *command.Slot { return &c.slot }

// AwaitOutput registers cb to receive the worker's next output.
func (c *Container) AwaitOutput(cb command.OutputFunc) error {
	return c.slot.Await(cb)
}

// Kill asks the worker to terminate. The exit is reported by Run as usual.
func (c *Container) Kill(ctx context.Context) error {
	env, err := protocol.NewEnvelope(protocol.KindKill, nil)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, env)
}

// Done is closed once Run has returned.
func (c *Container) Done() <-chan struct{} { return c.done }

// Close terminates the worker without asking.
func (c *Container) Close() error {
	return c.transport.Close()
}

// Run dispatches envelopes until the worker exits, then forwards the exit notice.
// Requests are served concurrently, everything else is handled in arrival order.
// Cancelling ctx cancels in-flight requests but does not stop the worker.
func (c *Container) Run(ctx context.Context) Result {
	defer close(c.done)
	for env := range c.transport.Receive() {
		c.dispatch(ctx, env)
	}
	exit := <-c.transport.Exited()
	c.log.Debugw("worker exited", "Code", exit.Code, "Err", exit.Err)

	lastErr := c.LastError()
	c.Forward(protocol.ExitNotice(lastErr))
	return Result{Exit: exit, LastError: lastErr}
}

func (c *Container) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Message {
	case protocol.KindRequest:
		var req protocol.Request
		if err := env.Decode(&req); err != nil {
			c.log.Debugf("error decoding request: %s", err)
			return
		}
		c.serve(ctx, req)
	case protocol.KindData:
		var data protocol.Data
		if err := env.Decode(&data); err != nil {
			c.log.Debugf("error decoding data: %s", err)
			return
		}
		c.Forward(data)
		if e := data.Args["error"]; e != nil {
			c.setLastError(e)
		}
		if !data.ID.IsZero() && data.Command.Acknowledged() {
			c.respond(ctx, protocol.Response{ID: data.ID, Command: data.Command, Args: data.Args})
		}
	case protocol.KindError:
		var e protocol.Error
		if err := env.Decode(&e); err != nil {
			c.log.Debugf("error decoding error: %s", err)
			return
		}
		c.forward(observer.MessageError, e)
		c.setLastError(e)
		c.log.Errorw("worker reported an error", "Message", e.Message, "Stack", e.Stack)
	default:
		c.log.Debugw("ignoring envelope", "Message", env.Message)
	}
}

func (c *Container) serve(ctx context.Context, req protocol.Request) {
	h, ok := c.registry.Lookup(req.Command)
	if !ok {
		// The request is never answered.
		c.log.Errorw("command not an option", "Command", req.Command, "ID", req.ID)
		return
	}
	args := req.Args
	if args == nil {
		args = protocol.Args{}
	}
	go func() {
		var once sync.Once
		h.Serve(ctx, c, args, func(res protocol.Args) {
			once.Do(func() {
				c.respond(ctx, protocol.Response{ID: req.ID, Command: req.Command, Args: res})
			})
		})
	}()
}

func (c *Container) respond(ctx context.Context, res protocol.Response) {
	env, err := protocol.NewEnvelope(protocol.KindResponse, res)
	if err != nil {
		c.log.Debugf("error encoding response to %s: %s", res.ID, err)
		return
	}
	if err := c.transport.Send(ctx, env); err != nil {
		c.log.Debugf("error sending response to %s: %s", res.ID, err)
	}
}
