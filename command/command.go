// Package command implements the handlers a worker can invoke on its supervisor.
//
// Each handler gets the request args and a respond function, and calls respond exactly once with a copy of the args with its results merged in.
// Failures are reported as an "error" field in the result and never escape the handler.
// The kill handler is the exception: it never responds, since the worker exit that follows ends the exchange.
package command

import (
	"context"
	"net/http"
	"time"

	"github.com/guseggert/headless/protocol"
	"go.uber.org/zap"
)

// Responder sends the result args of a request back to the worker.
type Responder func(args protocol.Args)

// Host is the container a handler runs on behalf of.
type Host interface {
	// Forward sends a data payload to the container's observer. It is a no-op without one.
	Forward(data any)
	// Output returns the container's output slot, used by the out handler.
	Output() *Slot
	// Kill sends a kill directive to the worker.
	Kill(ctx context.Context) error
}

// Handler serves one command.
type Handler interface {
	Serve(ctx context.Context, host Host, args protocol.Args, respond Responder)
}

type HandlerFunc func(ctx context.Context, host Host, args protocol.Args, respond Responder)

func (f HandlerFunc) Serve(ctx context.Context, host Host, args protocol.Args, respond Responder) {
	f(ctx, host, args, respond)
}

// Registry maps commands to their handlers.
type Registry map[protocol.Command]Handler

// Lookup returns the handler for c.
func (r Registry) Lookup(c protocol.Command) (Handler, bool) {
	h, ok := r[c]
	return h, ok
}

// Options configures the default handlers.
type Options struct {
	Log *zap.SugaredLogger
	// HTTPClient is used by get, post and download. Defaults to NewHTTPClient.
	HTTPClient *http.Client
	// StreamRate is the ceiling for streamed output, in bytes per second. Zero or less means unlimited.
	StreamRate int
	// ChunkSize is the largest piece of a file sent in one stream frame.
	ChunkSize int
	// Shell runs exec commands. Defaults to /bin/sh.
	Shell string
}

const (
	defaultChunkSize = 16 << 10
	defaultShell     = "/bin/sh"
)

// NewRegistry returns the registry with every command in the vocabulary.
func NewRegistry(opts Options) Registry {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient(opts.Log)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Shell == "" {
		opts.Shell = defaultShell
	}
	web := &Web{Client: opts.HTTPClient, Log: opts.Log.Named("web")}
	return Registry{
		protocol.CommandGet:      HandlerFunc(web.Get),
		protocol.CommandPost:     HandlerFunc(web.Post),
		protocol.CommandDownload: HandlerFunc(web.Download),
		protocol.CommandExec:     &Exec{Shell: opts.Shell, Log: opts.Log.Named("exec")},
		protocol.CommandOut:      &Out{Rate: opts.StreamRate, ChunkSize: opts.ChunkSize, Log: opts.Log.Named("out")},
		protocol.CommandKill:     &Kill{Log: opts.Log.Named("kill")},
		protocol.CommandLog:      acknowledge(protocol.CommandLog),
		protocol.CommandBox:      acknowledge(protocol.CommandBox),
	}
}

// killTimeout bounds delivery of the kill directive.
const killTimeout = 10 * time.Second

// Kill asks the host to terminate the worker. It never responds: the exit that follows is handled by the container.
type Kill struct {
	Log *zap.SugaredLogger
}

func (k *Kill) Serve(ctx context.Context, host Host, args protocol.Args, respond Responder) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()
	if err := host.Kill(ctx); err != nil {
		k.Log.Debugf("error delivering kill directive: %s", err)
	}
}

// acknowledge forwards a log or box request to the observer and acknowledges it right away.
func acknowledge(c protocol.Command) Handler {
	return HandlerFunc(func(ctx context.Context, host Host, args protocol.Args, respond Responder) {
		host.Forward(protocol.Data{Command: c, Args: args})
		respond(args.Clone())
	})
}
