package server

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/headless/observer"
	"github.com/guseggert/headless/protocol"
	"github.com/guseggert/headless/supervisor"
	"github.com/guseggert/headless/transport"
	"github.com/guseggert/headless/transport/transporttest"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log = zap.NewNop().Sugar()

type env struct {
	t      *testing.T
	opener *transporttest.Opener
	sup    *supervisor.Supervisor
	client *Client
	list   string
}

func newEnv(t *testing.T, runMode string) *env {
	t.Helper()
	opener := transporttest.NewOpener(8)
	sup := supervisor.New(supervisor.WithLogger(log), supervisor.WithOpener(transport.KindProcess, opener))
	srv := New(sup, WithLogger(log))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		ts.Close()
	})

	client, err := NewClient(log, ts.URL, WithClientWaitInterval(10*time.Millisecond))
	require.NoError(t, err)

	list := filepath.Join(t.TempDir(), "list.json")
	require.NoError(t, os.WriteFile(list, []byte(`{"run": "`+runMode+`", "list": []}`), 0644))
	return &env{t: t, opener: opener, sup: sup, client: client, list: list}
}

func (e *env) pipe() *transporttest.Pipe {
	e.t.Helper()
	select {
	case p := <-e.opener.Pipes:
		<-p.Sent()
		return p
	case <-time.After(5 * time.Second):
		e.t.Fatal("no worker launched")
	}
	return nil
}

func (e *env) start() (Status, *transporttest.Pipe) {
	e.t.Helper()
	st, err := e.client.StartRun(context.Background(), StartRunRequest{List: e.list})
	require.NoError(e.t, err)
	p := e.pipe()
	require.Eventually(e.t, func() bool {
		st, err := e.client.Status(context.Background(), st.ID)
		return err == nil && st.State == supervisor.Running
	}, 5*time.Second, 10*time.Millisecond)
	return st, p
}

func TestHeartbeat(t *testing.T) {
	e := newEnv(t, "once")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.client.WaitForServer(ctx))
	require.NoError(t, e.client.SendHeartbeat(ctx))
}

func TestRunLifecycle(t *testing.T) {
	e := newEnv(t, "once")
	ctx := context.Background()

	st, p := e.start()
	assert.Equal(t, e.list, st.List)
	assert.Equal(t, transport.KindProcess, st.Kind)

	runs, err := e.client.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, st.ID, runs[0].ID)

	_, err = e.client.Kill(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindKill, (<-p.Sent()).Message)
	p.Exit(3)

	require.Eventually(t, func() bool {
		st, err := e.client.Status(ctx, st.ID)
		return err == nil && st.State == supervisor.Exited
	}, 5*time.Second, 10*time.Millisecond)
	st, err = e.client.Status(ctx, st.ID)
	require.NoError(t, err)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)
	assert.Equal(t, 1, st.Containers)

	_, err = e.client.Kill(ctx, st.ID)
	assert.ErrorContains(t, err, "409")

	st, err = e.client.Stop(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, supervisor.Exited, st.State)
	_, err = e.client.Status(ctx, st.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartRunErrors(t *testing.T) {
	e := newEnv(t, "once")
	ctx := context.Background()

	_, err := e.client.StartRun(ctx, StartRunRequest{})
	assert.ErrorContains(t, err, "no task list")
	_, err = e.client.StartRun(ctx, StartRunRequest{List: e.list, Kind: "vm"})
	assert.ErrorContains(t, err, "container vm not an option")
	// No sandbox opener is configured.
	_, err = e.client.StartRun(ctx, StartRunRequest{List: e.list, Kind: "phantom"})
	assert.ErrorContains(t, err, "no opener")
	_, err = e.client.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObserve(t *testing.T) {
	e := newEnv(t, "forever")
	ctx := context.Background()
	st, p := e.start()

	events := make(chan observer.Event, 64)
	observeErr := make(chan error, 1)
	go func() {
		observeErr <- e.client.Observe(ctx, st.ID, "session-a", func(ev observer.Event) { events <- ev })
	}()
	require.Eventually(t, func() bool {
		st, err := e.client.Status(ctx, st.ID)
		return err == nil && st.Observers == 1
	}, 5*time.Second, 10*time.Millisecond)

	data, err := protocol.NewEnvelope(protocol.KindData, protocol.Data{Args: protocol.Args{"message": "step 1"}})
	require.NoError(t, err)
	require.True(t, p.Deliver(data))

	ev := <-events
	assert.Equal(t, "session-a", ev.Name)
	assert.Equal(t, st.ID, ev.Worker)
	assert.Equal(t, observer.MessageData, ev.Message)
	assert.Equal(t, "step 1", ev.Data.(map[string]any)["args"].(map[string]any)["message"])

	// The session survives a respawn.
	p.Exit(1)
	assert.Equal(t, protocol.NoticeExited, noticeMessage(t, <-events))
	assert.Equal(t, protocol.NoticeRespawning, noticeMessage(t, <-events))
	e.pipe()

	_, err = e.client.Stop(ctx, st.ID)
	require.NoError(t, err)
	select {
	case err := <-observeErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("observe did not return after the run exited")
	}
}

func noticeMessage(t *testing.T, ev observer.Event) string {
	t.Helper()
	args, ok := ev.Data.(map[string]any)["args"].(map[string]any)
	require.True(t, ok, "not a notice: %+v", ev.Data)
	return args["message"].(string)
}

func TestAwaitOutput(t *testing.T) {
	e := newEnv(t, "once")
	ctx := context.Background()
	st, p := e.start()

	outputs := make(chan protocol.Args, 8)
	outputErr := make(chan error, 1)
	go func() {
		outputErr <- e.client.AwaitOutput(ctx, st.ID, func(a protocol.Args) { outputs <- a })
	}()
	run, err := e.sup.Get(st.ID)
	require.NoError(t, err)
	c, err := run.Current()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Output().State() == "awaiting" }, 5*time.Second, 10*time.Millisecond)

	req, err := protocol.NewEnvelope(protocol.KindRequest, protocol.Request{
		ID:      protocol.StringID("out-1"),
		Command: protocol.CommandOut,
		Args:    protocol.Args{"type": "json", "data": `{"result": 42}`},
	})
	require.NoError(t, err)
	require.True(t, p.Deliver(req))

	out := <-outputs
	assert.Equal(t, `{"result": 42}`, out["data"])
	require.NoError(t, <-outputErr)

	res := <-p.Sent()
	assert.Equal(t, protocol.KindResponse, res.Message)
}

func TestAwaitOutputStream(t *testing.T) {
	e := newEnv(t, "once")
	ctx := context.Background()
	st, p := e.start()

	file := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(file, []byte("streamed output"), 0644))

	var markers []protocol.Args
	done := make(chan error, 1)
	go func() {
		done <- e.client.AwaitOutput(ctx, st.ID, func(a protocol.Args) { markers = append(markers, a) })
	}()
	run, err := e.sup.Get(st.ID)
	require.NoError(t, err)
	c, err := run.Current()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Output().State() == "awaiting" }, 5*time.Second, 10*time.Millisecond)

	// A second session can't wait at the same time.
	err = e.client.AwaitOutput(ctx, st.ID, func(protocol.Args) {})
	assert.Error(t, err)

	req, err := protocol.NewEnvelope(protocol.KindRequest, protocol.Request{
		ID:      protocol.StringID("out-1"),
		Command: protocol.CommandOut,
		Args:    protocol.Args{"type": "text", "data": file, "stream": true},
	})
	require.NoError(t, err)
	require.True(t, p.Deliver(req))
	require.NoError(t, <-done)

	require.Len(t, markers, 3)
	assert.Equal(t, "start", markers[0]["stream"])
	assert.Equal(t, float64(len("streamed output")), markers[0]["size"])
	assert.Equal(t, "data", markers[1]["stream"])
	assert.Equal(t, "end", markers[2]["stream"])
}

func TestTLS(t *testing.T) {
	certs, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, certs.WriteFiles(dir))
	certs, err = ReadCerts(dir)
	require.NoError(t, err)

	serverTLS, err := ServerTLSConfig(certs.CACert, certs.ServerCert, certs.ServerKey)
	require.NoError(t, err)
	sup := supervisor.New(supervisor.WithLogger(log))
	srv := New(sup, WithLogger(log), WithTLS(serverTLS))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()
	t.Cleanup(func() {
		srv.Stop(context.Background())
		assert.NoError(t, <-served)
	})

	clientTLS, err := ClientTLSConfig(certs.CACert, certs.ClientCert, certs.ClientKey)
	require.NoError(t, err)
	client, err := NewClient(log, l.Addr().String(), WithClientTLS(clientTLS), WithClientWaitInterval(10*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))

	noRetries := WithCustomizeRetryableClient(func(r *retryablehttp.Client) { r.RetryMax = 0 })

	// Without a client certificate the handshake fails.
	noCert := clientTLS.Clone()
	noCert.Certificates = nil
	anonymous, err := NewClient(log, l.Addr().String(), WithClientTLS(noCert), noRetries)
	require.NoError(t, err)
	assert.Error(t, anonymous.SendHeartbeat(ctx))

	// A client certificate issued by some other CA is rejected too.
	other, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	foreignTLS, err := ClientTLSConfig(certs.CACert, other.ClientCert, other.ClientKey)
	require.NoError(t, err)
	foreign, err := NewClient(log, l.Addr().String(), WithClientTLS(foreignTLS), noRetries)
	require.NoError(t, err)
	assert.Error(t, foreign.SendHeartbeat(ctx))
}

func TestHeartbeatFailure(t *testing.T) {
	sup := supervisor.New(supervisor.WithLogger(log))
	failed := make(chan struct{}, 1)
	srv := New(sup,
		WithLogger(log),
		WithHeartbeatTimeout(50*time.Millisecond),
		WithHeartbeatFailureHandler(func() {
			select {
			case failed <- struct{}{}:
			default:
			}
		}),
	)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat failure handler was not called")
	}
}
