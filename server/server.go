// Package server exposes a Supervisor over HTTP, so a remote session can start runs, watch them and collect their output.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/headless/observer"
	"github.com/guseggert/headless/protocol"
	"github.com/guseggert/headless/supervisor"
	"github.com/guseggert/headless/transport"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server is the HTTP control surface of a Supervisor.
// Runs it starts stay alive until they exit, are deleted, or the server is stopped.
type Server struct {
	logger *zap.SugaredLogger
	sup    *supervisor.Supervisor

	listenAddr string
	tlsConfig  *tls.Config

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration

	runCtx    context.Context
	cancelRun func()

	serverMut    sync.Mutex
	httpServer   *http.Server
	closed       chan struct{}
	closeOnce    sync.Once
	heartbeatMut sync.Mutex
	// lastHeartbeat is the last time the controlling session checked in.
	lastHeartbeat time.Time
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithTLS serves HTTPS with cfg, e.g. from ServerTLSConfig to require client certificates.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler sets what to do when no heartbeat arrived within the heartbeat timeout.
// Without a handler heartbeats are not checked.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(s *Server) {
		s.heartbeatFailureHandler = f
	}
}

func New(sup *supervisor.Supervisor, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:           zap.NewNop().Sugar(),
		sup:              sup,
		listenAddr:       "127.0.0.1:8080",
		heartbeatTimeout: time.Minute,
		runCtx:           ctx,
		cancelRun:        cancel,
		closed:           make(chan struct{}),
		lastHeartbeat:    time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("server")
	return s
}

// Handler returns the routes of the control surface.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/runs", s.listRuns)
	router.POST("/runs", s.startRun)
	router.GET("/runs/:id", s.runStatus)
	router.POST("/runs/:id/kill", s.killRun)
	router.DELETE("/runs/:id", s.stopRun)
	router.GET("/runs/:id/observe", s.observe)
	router.GET("/runs/:id/output", s.output)
	return router
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(l)
}

// Serve serves on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	httpServer := &http.Server{Handler: s.Handler()}
	s.serverMut.Lock()
	s.httpServer = httpServer
	s.serverMut.Unlock()
	s.startHeartbeatCheck()

	s.logger.Infow("serving", "Addr", l.Addr().String(), "TLS", s.tlsConfig != nil)
	err := httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops serving and then stops every run.
func (s *Server) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.serverMut.Lock()
	httpServer := s.httpServer
	s.serverMut.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}
	if shutdownErr := s.sup.Shutdown(ctx); err == nil {
		err = shutdownErr
	}
	s.cancelRun()
	return err
}

// startHeartbeatCheck calls the heartbeat failure handler whenever the heartbeat timeout elapses without a heartbeat.
func (s *Server) startHeartbeatCheck() {
	if s.heartbeatFailureHandler == nil {
		return
	}
	s.heartbeatMut.Lock()
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(heartbeatCheckInterval(s.heartbeatTimeout))
		defer ticker.Stop()
		for {
			select {
			case <-s.closed:
				return
			case <-ticker.C:
			}

			s.heartbeatMut.Lock()
			lastHeartbeat := s.lastHeartbeat
			s.heartbeatMut.Unlock()

			if lastHeartbeat.Add(s.heartbeatTimeout).Before(time.Now()) {
				s.logger.Warnw("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
				s.heartbeatFailureHandler()
				s.heartbeatMut.Lock()
				s.lastHeartbeat = time.Now()
				s.heartbeatMut.Unlock()
			}
		}
	}()
}

func heartbeatCheckInterval(timeout time.Duration) time.Duration {
	if d := timeout / 4; d < time.Second {
		if d <= 0 {
			return time.Millisecond
		}
		return d
	}
	return time.Second
}

// StopRuns is a heartbeat failure handler that stops every run but keeps serving.
func (s *Server) StopRuns() {
	for _, r := range s.sup.Runs() {
		r.Stop()
	}
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()
	s.writeJSON(w, http.StatusOK, HeartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
}

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	List  string `json:"list"`
	Index int    `json:"index"`
	// Kind is "process" or "sandboxed". Defaults to process.
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Status describes a run.
type Status struct {
	ID         string           `json:"id"`
	List       string           `json:"list"`
	Index      int              `json:"index"`
	Kind       transport.Kind   `json:"kind"`
	State      supervisor.State `json:"state"`
	Containers int              `json:"containers"`
	Observers  int              `json:"observers"`
	LastError  any              `json:"lastError"`
	// ExitCode is the exit code of the most recent worker, if one has exited.
	ExitCode *int `json:"exitCode"`
}

func statusOf(r *supervisor.Run) Status {
	req := r.Request()
	st := Status{
		ID:         r.ID,
		List:       req.ListPath,
		Index:      req.Index,
		Kind:       req.Kind,
		State:      r.State(),
		Containers: r.Containers(),
		Observers:  r.Observers().Len(),
		LastError:  r.LastError(),
	}
	if exit := r.LastExit(); exit != nil {
		code := exit.Code
		st.ExitCode = &code
	}
	return st
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.List == "" {
		http.Error(w, "request contained no task list", http.StatusBadRequest)
		return
	}
	kind, err := transport.ParseKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := s.sup.Start(s.runCtx, supervisor.Request{
		ListPath: req.List,
		Index:    req.Index,
		Kind:     kind,
		Payload:  req.Payload,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, statusOf(run))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	statuses := []Status{}
	for _, run := range s.sup.Runs() {
		statuses = append(statuses, statusOf(run))
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

// lookup finds the run named in the path, writing a 404 if there is none.
func (s *Server) lookup(w http.ResponseWriter, params httprouter.Params) (*supervisor.Run, bool) {
	run, err := s.sup.Get(params.ByName("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return run, true
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	run, ok := s.lookup(w, params)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, statusOf(run))
}

func (s *Server) killRun(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	run, ok := s.lookup(w, params)
	if !ok {
		return
	}
	err := run.Kill(r.Context())
	if errors.Is(err, supervisor.ErrNoWorker) || errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrNotConnected) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusAccepted, statusOf(run))
}

// stopRun stops a run, waits for it to exit and forgets it.
func (s *Server) stopRun(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	run, ok := s.lookup(w, params)
	if !ok {
		return
	}
	run.Stop()
	if err := run.Wait(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	if err := s.sup.Forget(run.ID); err != nil {
		s.logger.Debugf("error forgetting run %s: %s", run.ID, err)
	}
	s.writeJSON(w, http.StatusOK, statusOf(run))
}

// observe attaches a WebSocket observer session to a run. The session survives respawns and ends with the run.
func (s *Server) observe(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	run, ok := s.lookup(w, params)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = uuid.New().String()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debugf("observe WebSocket accept error: %s", err)
		return
	}
	ctx := conn.CloseRead(r.Context())
	session := observer.NewWebSocket(ctx, s.logger, name, conn)
	remove := run.Observers().Add(session)
	defer remove()
	s.logger.Debugw("observer attached", "Run", run.ID, "Name", name)

	select {
	case <-session.Done():
	case <-run.Done():
		session.Close()
	}
	s.logger.Debugw("observer detached", "Run", run.ID, "Name", name)
}

// output waits for the live worker's next out command and relays what it delivers.
// A plain output is one message, a stream is its start, data and end markers.
func (s *Server) output(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	run, ok := s.lookup(w, params)
	if !ok {
		return
	}
	c, err := run.Current()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	markers := make(chan protocol.Args, 16)
	err = c.AwaitOutput(func(args protocol.Args) {
		select {
		case markers <- args:
		case <-ctx.Done():
		}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer c.Output().Cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debugf("output WebSocket accept error: %s", err)
		return
	}
	readCtx := conn.CloseRead(ctx)

	for {
		select {
		case args := <-markers:
			if err := wsjson.Write(readCtx, conn, args); err != nil {
				s.logger.Debugf("error writing output: %s", err)
				return
			}
			if marker, _ := args["stream"].(string); marker == "" || marker == "end" {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		case <-c.Done():
			conn.Close(websocket.StatusGoingAway, "worker exited")
			return
		case <-readCtx.Done():
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		s.logger.Debugf("error writing response: %s", err)
	}
}
