package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/guseggert/headless/command"
	"github.com/guseggert/headless/container"
	"github.com/guseggert/headless/manifest"
	"github.com/guseggert/headless/observer"
	"github.com/guseggert/headless/protocol"
	"github.com/guseggert/headless/transport"
	"go.uber.org/zap"
)

// State is the lifecycle state of a run.
type State string

const (
	// Starting: loading the task list and launching a worker.
	Starting State = "starting"
	// Running: a worker is up and its messages are being dispatched.
	Running State = "running"
	// Respawning: the worker of a perpetual task list exited and is about to be relaunched.
	Respawning State = "respawning"
	// Exited is terminal.
	Exited State = "exited"
)

// ErrNoWorker is returned for operations that need a live worker when there is none.
var ErrNoWorker = errors.New("no worker running")

// Run is one logical run of a task list, across all of its workers.
type Run struct {
	ID string

	req          Request
	log          *zap.SugaredLogger
	opener       transport.Opener
	registry     command.Registry
	respawnDelay time.Duration
	hub          *observer.Hub
	started      time.Time

	m          sync.Mutex
	state      State
	containers int
	lastError  any
	current    *container.Container
	lastExit   *transport.Exit
	stopped    bool

	stop chan struct{}
	done chan struct{}
}

func newRun(id string, req Request, log *zap.SugaredLogger, opener transport.Opener, registry command.Registry, respawnDelay time.Duration) *Run {
	return &Run{
		ID:           id,
		req:          req,
		log:          log,
		opener:       opener,
		registry:     registry,
		respawnDelay: respawnDelay,
		hub:          observer.NewHub(log, id),
		started:      time.Now(),
		state:        Starting,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Request returns the request the run was started with.
func (r *Run) Request() Request { return r.req }

func (r *Run) State() State {
	r.m.Lock()
	defer r.m.Unlock()
	return r.state
}

// Containers returns how many workers have been launched so far.
func (r *Run) Containers() int {
	r.m.Lock()
	defer r.m.Unlock()
	return r.containers
}

// LastError returns the most recently observed error payload of any of the run's workers.
func (r *Run) LastError() any {
	r.m.Lock()
	defer r.m.Unlock()
	if r.current != nil {
		return r.current.LastError()
	}
	return r.lastError
}

// LastExit returns the exit of the most recent worker, or nil if none has exited.
func (r *Run) LastExit() *transport.Exit {
	r.m.Lock()
	defer r.m.Unlock()
	return r.lastExit
}

// Observers returns the hub that forwards the run's events. Sinks attached to it survive respawns.
func (r *Run) Observers() *observer.Hub { return r.hub }

// Current returns the live worker.
func (r *Run) Current() (*container.Container, error) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.current == nil {
		return nil, ErrNoWorker
	}
	return r.current, nil
}

// Kill asks the live worker to terminate. A perpetual task list is relaunched afterwards.
func (r *Run) Kill(ctx context.Context) error {
	c, err := r.Current()
	if err != nil {
		return err
	}
	return c.Kill(ctx)
}

// Stop ends the run: the live worker is terminated and no new one is launched.
func (r *Run) Stop() {
	r.m.Lock()
	defer r.m.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stop)
	if r.current != nil {
		if err := r.current.Close(); err != nil {
			r.log.Debugf("error closing worker: %s", err)
		}
	}
}

// Done is closed once the run has exited.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run has exited.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) setState(s State) {
	r.m.Lock()
	defer r.m.Unlock()
	r.state = s
}

func (r *Run) forward(n protocol.Notice) {
	err := r.hub.Observe(observer.Event{Worker: r.ID, Message: observer.MessageData, Data: n})
	if err != nil {
		r.log.Debugf("error forwarding notice: %s", err)
	}
}

// finished reports whether the run must not launch another worker.
func (r *Run) finished(ctx context.Context) bool {
	select {
	case <-r.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *Run) loop(ctx context.Context) {
	defer close(r.done)
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.done:
		}
	}()

	for {
		perpetual := r.once(ctx)

		if !perpetual || r.finished(ctx) {
			r.setState(Exited)
			r.log.Infow("run exited", "Containers", r.Containers())
			return
		}

		r.setState(Respawning)
		lastErr := r.LastError()
		r.log.Infow("respawning worker", "LastError", lastErr)
		r.forward(protocol.RespawnNotice(lastErr))
		if r.respawnDelay > 0 {
			select {
			case <-time.After(r.respawnDelay):
			case <-r.stop:
			case <-ctx.Done():
			}
		}
		if r.finished(ctx) {
			r.setState(Exited)
			return
		}
	}
}

// once launches a single worker and waits for it to exit. It reports whether the task list is perpetual.
func (r *Run) once(ctx context.Context) bool {
	r.setState(Starting)

	lastErr := r.LastError()
	list, err := manifest.Read(r.req.ListPath)
	if err != nil {
		r.log.Warnw("error loading task list", "Err", err)
		lastErr = err
		list = manifest.Empty(r.req.ListPath)
	}
	payload := r.req.Payload
	if len(payload) == 0 {
		payload = list.Raw
	}
	spec := transport.Spec{ListPath: r.req.ListPath, Index: r.req.Index, Init: newInit(payload)}

	c, err := container.New(ctx, r.opener, spec, container.Options{
		ID:        r.ID,
		Log:       r.log,
		Registry:  r.registry,
		Observer:  r.hub,
		LastError: lastErr,
	})
	if err != nil {
		r.log.Errorw("error launching worker", "Err", err)
		r.m.Lock()
		r.lastError = lastErr
		r.m.Unlock()
		r.forward(protocol.ExitNotice(lastErr))
		return list.Perpetual()
	}

	r.m.Lock()
	r.containers++
	r.current = c
	stopped := r.stopped
	r.state = Running
	r.m.Unlock()
	if stopped {
		// Stop raced with the launch.
		c.Close()
	}

	res := c.Run(ctx)

	r.m.Lock()
	r.current = nil
	r.lastError = res.LastError
	exit := res.Exit
	r.lastExit = &exit
	r.m.Unlock()
	return list.Perpetual()
}
