package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	inet "github.com/guseggert/headless/internal/net"
	"github.com/guseggert/headless/protocol"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit is the largest inbound control frame accepted from a sandboxed worker.
const readLimit = 32 << 20

// bridgePage is served to runtimes that execute scripts inside a page.
// Frames from the supervisor are surfaced with alert(), which the runtime intercepts.
// The runtime sends frames back with socket.send().
const bridgePage = `<html><head><script>
var socket = new WebSocket('ws://' + location.host + '/control');
socket.onmessage = function (event) {
    alert(event.data);
};
</script></head><body></body></html>
`

// Sandbox launches workers inside a sandboxed script runtime, such as a headless browser.
type Sandbox struct {
	Log *zap.SugaredLogger
	// Runtime is the sandboxed runtime executable.
	Runtime string
	// Args are passed to the runtime before the control port, task list path and step index.
	Args []string
	Env  []string
	Dir  string
}

func (s *Sandbox) Open(ctx context.Context, spec Spec) (Transport, error) {
	log := s.Log.Named("sandbox_transport")

	listener, port, err := inet.ListenEphemeral()
	if err != nil {
		return nil, fmt.Errorf("starting control server: %w", err)
	}

	t := &sandboxTransport{
		base:       newBase(log, KindSandboxed),
		init:       spec.Init,
		readerDone: make(chan struct{}),
	}

	router := httprouter.New()
	router.GET("/", t.serveBridgePage)
	router.GET("/control", t.control)
	t.server = &http.Server{Handler: router}
	go func() {
		err := t.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Debugf("control server error: %s", err)
		}
	}()

	args := append(append([]string{}, s.Args...), strconv.Itoa(port), spec.ListPath, strconv.Itoa(spec.Index))
	cmd := exec.Command(s.Runtime, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	stdout := &lineWriter{logLine: func(line string) { log.Infof("sandbox stdout: %s", line) }}
	stderr := &lineWriter{logLine: func(line string) { log.Warnf("sandbox stderr: %s", line) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	t.cmd = cmd

	if err := cmd.Start(); err != nil {
		t.server.Close()
		return nil, fmt.Errorf("starting sandboxed runtime %q: %w", s.Runtime, err)
	}
	log.Debugw("sandboxed runtime started", "PID", cmd.Process.Pid, "Port", port, "List", spec.ListPath, "Index", spec.Index)

	go t.waitAndFinish(stdout, stderr)
	return t, nil
}

type sandboxTransport struct {
	base

	init   protocol.Init
	cmd    *exec.Cmd
	server *http.Server

	// connMut guards conn, which is set once when the control connection is accepted.
	connMut    sync.Mutex
	conn       *websocket.Conn
	readerDone chan struct{}

	sendMut   sync.Mutex
	closeOnce sync.Once
}

func (t *sandboxTransport) serveBridgePage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, bridgePage)
}

// control accepts the single control connection, pushes init and reads envelopes until it breaks.
func (t *sandboxTransport) control(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	t.connMut.Lock()
	if t.conn != nil || t.isClosed() {
		t.connMut.Unlock()
		http.Error(w, "control connection already established", http.StatusConflict)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		t.connMut.Unlock()
		t.log.Debugf("error accepting control conn: %s", err)
		return
	}
	conn.SetReadLimit(readLimit)
	t.conn = conn
	t.connMut.Unlock()

	defer close(t.readerDone)
	t.log.Debug("accepted control conn")

	// The hijacked connection outlives the request context, so use our own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	init, err := protocol.NewEnvelope(protocol.KindInit, t.init)
	if err != nil {
		t.log.Debugf("error encoding init: %s", err)
		return
	}
	if err := t.Send(ctx, init); err != nil {
		t.log.Debugf("error sending init: %s", err)
		return
	}

	for {
		var env protocol.Envelope
		err := wsjson.Read(ctx, conn, &env)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				t.log.Debugf("control reader got error: %s", err)
			}
			t.log.Warn("sandbox control page disconnected")
			return
		}
		if !t.deliver(env) {
			return
		}
	}
}

func (t *sandboxTransport) Send(ctx context.Context, env protocol.Envelope) error {
	t.connMut.Lock()
	conn := t.conn
	t.connMut.Unlock()
	if conn == nil {
		if t.isClosed() {
			return ErrClosed
		}
		return ErrNotConnected
	}

	t.sendMut.Lock()
	defer t.sendMut.Unlock()
	if t.isClosed() {
		return ErrClosed
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return fmt.Errorf("writing %s envelope: %w", env.Message, err)
	}
	return nil
}

func (t *sandboxTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cmd.Process != nil {
			err := t.cmd.Process.Kill()
			if err != nil && !errors.Is(err, os.ErrProcessDone) {
				t.log.Debugf("error killing sandboxed runtime: %s", err)
			}
		}
	})
	return nil
}

func (t *sandboxTransport) waitAndFinish(closers ...io.Closer) {
	err := t.cmd.Wait()
	code := -1
	if t.cmd.ProcessState != nil {
		code = t.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		t.log.Debugf("unexpected wait error: %s", err)
	} else {
		err = nil
	}
	for _, c := range closers {
		c.Close()
	}
	t.log.Debugf("sandboxed runtime %d exited with code %d", t.cmd.Process.Pid, code)

	t.connMut.Lock()
	conn := t.conn
	t.connMut.Unlock()
	if conn != nil {
		select {
		case <-t.readerDone:
		case <-time.After(drainTimeout):
		}
	}

	t.connMut.Lock()
	t.sendMut.Lock()
	t.markClosed()
	t.sendMut.Unlock()
	conn = t.conn
	t.connMut.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		<-t.readerDone
	}
	if err := t.server.Close(); err != nil {
		t.log.Debugf("error closing control server: %s", err)
	}

	t.finish(Exit{Code: code, Err: err})
}
