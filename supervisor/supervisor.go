// Package supervisor runs task lists in workers and relaunches workers of perpetual task lists when they exit.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/headless/command"
	"github.com/guseggert/headless/internal/version"
	"github.com/guseggert/headless/protocol"
	"github.com/guseggert/headless/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ErrUnknownRun is returned when looking up a run that was never started.
var ErrUnknownRun = errors.New("unknown run")

// Request describes a run to start.
type Request struct {
	ListPath string         `json:"list"`
	Index    int            `json:"index"`
	Kind     transport.Kind `json:"kind"`
	// Payload is sent to every worker of the run. Defaults to the task list content.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Supervisor starts and tracks runs.
type Supervisor struct {
	log          *zap.SugaredLogger
	openers      map[transport.Kind]transport.Opener
	registry     command.Registry
	respawnDelay time.Duration

	m    sync.Mutex
	runs map[string]*Run
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithOpener sets the opener used for runs of the given transport kind.
func WithOpener(kind transport.Kind, o transport.Opener) Option {
	return func(s *Supervisor) {
		s.openers[kind] = o
	}
}

func WithRegistry(r command.Registry) Option {
	return func(s *Supervisor) {
		s.registry = r
	}
}

// WithRespawnDelay sets the fixed pause before a perpetual task list is relaunched.
func WithRespawnDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		s.respawnDelay = d
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:     zap.NewNop().Sugar(),
		openers: map[transport.Kind]transport.Opener{},
		runs:    map[string]*Run{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("supervisor")
	if s.registry == nil {
		s.registry = command.NewRegistry(command.Options{Log: s.log})
	}
	return s
}

// Start begins a run in the background. Cancelling ctx stops the run.
func (s *Supervisor) Start(ctx context.Context, req Request) (*Run, error) {
	if req.Kind == "" {
		req.Kind = transport.KindProcess
	}
	opener, ok := s.openers[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no opener for %s workers", req.Kind)
	}
	if req.ListPath == "" {
		return nil, errors.New("task list path required")
	}

	id := uuid.New().String()
	r := newRun(id, req, s.log.Named("run").With("Run", id), opener, s.registry, s.respawnDelay)
	s.m.Lock()
	s.runs[id] = r
	s.m.Unlock()

	s.log.Infow("starting run", "Run", id, "List", req.ListPath, "Kind", req.Kind)
	go r.loop(ctx)
	return r, nil
}

// Get returns the run with the given id.
func (s *Supervisor) Get(id string) (*Run, error) {
	s.m.Lock()
	defer s.m.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownRun, id)
	}
	return r, nil
}

// Runs returns all runs, oldest first.
func (s *Supervisor) Runs() []*Run {
	s.m.Lock()
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.m.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].started.Before(runs[j].started) })
	return runs
}

// Forget drops an exited run.
func (s *Supervisor) Forget(id string) error {
	r, err := s.Get(id)
	if err != nil {
		return err
	}
	if r.State() != Exited {
		return fmt.Errorf("run %s is still %s", id, r.State())
	}
	s.m.Lock()
	delete(s.runs, id)
	s.m.Unlock()
	return nil
}

// Shutdown stops every run and waits for them to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, r := range s.Runs() {
		r := r
		group.Go(func() error {
			r.Stop()
			if err := r.Wait(groupCtx); err != nil {
				return fmt.Errorf("waiting for run %s: %w", r.ID, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// platformArch describes the host as GOOS-machine, e.g. linux-x86_64.
func platformArch() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return runtime.GOOS + "-" + runtime.GOARCH
	}
	return runtime.GOOS + "-" + unix.ByteSliceToString(u.Machine[:])
}

func newInit(payload json.RawMessage) protocol.Init {
	hostname, _ := os.Hostname()
	return protocol.Init{
		SupervisorVersion: version.Version,
		RuntimeVersion:    version.Runtime(),
		PlatformArch:      platformArch(),
		Hostname:          hostname,
		Payload:           payload,
	}
}
