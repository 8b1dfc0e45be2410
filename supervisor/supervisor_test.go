package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/headless/internal/version"
	"github.com/guseggert/headless/manifest"
	"github.com/guseggert/headless/observer"
	"github.com/guseggert/headless/protocol"
	"github.com/guseggert/headless/transport"
	"github.com/guseggert/headless/transport/transporttest"
	"github.com/guseggert/headless/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	helperEnv   = "HEADLESS_TEST_HELPER"
	behaviorEnv = "HEADLESS_TEST_BEHAVIOR"
)

var log = zap.NewNop().Sugar()

func writeList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func decodeInit(t *testing.T, env protocol.Envelope) protocol.Init {
	t.Helper()
	require.Equal(t, protocol.KindInit, env.Message)
	var init protocol.Init
	require.NoError(t, env.Decode(&init))
	return init
}

// notices returns the messages of the notices among events received so far.
func notices(obs *observer.Chan) []string {
	var msgs []string
	for {
		select {
		case ev := <-obs.C:
			if n, ok := ev.Data.(protocol.Notice); ok {
				msgs = append(msgs, n.Args.Message)
			}
		default:
			return msgs
		}
	}
}

func newSupervisor(opener transport.Opener, opts ...Option) *Supervisor {
	return New(append([]Option{WithLogger(log), WithOpener(transport.KindProcess, opener)}, opts...)...)
}

func TestOnceRunsOneWorker(t *testing.T) {
	list := `{"run": "once", "list": [{"step": 1}]}`
	opener := transporttest.NewOpener(4)
	s := newSupervisor(opener)

	r, err := s.Start(context.Background(), Request{ListPath: writeList(t, list), Index: 2})
	require.NoError(t, err)
	obs := observer.NewChan("session", 64)
	r.Observers().Add(obs)

	pipe := recv(t, opener.Pipes)
	spec := recv(t, opener.Specs)
	assert.Equal(t, 2, spec.Index)

	init := decodeInit(t, recv(t, pipe.Sent()))
	assert.Equal(t, version.Version, init.SupervisorVersion)
	assert.Equal(t, version.Runtime(), init.RuntimeVersion)
	assert.True(t, strings.HasPrefix(init.PlatformArch, runtime.GOOS+"-"), init.PlatformArch)
	assert.JSONEq(t, list, string(init.Payload))
	require.Eventually(t, func() bool { return r.State() == Running }, 5*time.Second, 5*time.Millisecond)

	pipe.Exit(0)
	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, Exited, r.State())
	assert.Equal(t, 1, r.Containers())
	assert.Equal(t, 1, opener.Opens())
	assert.Equal(t, 0, r.LastExit().Code)
	assert.Equal(t, []string{protocol.NoticeExited}, notices(obs))

	_, err = r.Current()
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestForeverRespawnsAfterEveryExit(t *testing.T) {
	const exits = 4
	opener := transporttest.NewOpener(exits + 1)
	s := newSupervisor(opener)

	r, err := s.Start(context.Background(), Request{ListPath: writeList(t, `{"run": "forever", "list": []}`)})
	require.NoError(t, err)
	obs := observer.NewChan("session", 64)
	r.Observers().Add(obs)

	for i := 0; i < exits; i++ {
		pipe := recv(t, opener.Pipes)
		decodeInit(t, recv(t, pipe.Sent()))
		if i%2 == 0 {
			pipe.Exit(1)
		} else {
			pipe.Exit(0)
		}
	}
	// The relaunch after the last exit.
	pipe := recv(t, opener.Pipes)
	decodeInit(t, recv(t, pipe.Sent()))

	r.Stop()
	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, Exited, r.State())
	assert.Equal(t, exits+1, r.Containers())
	assert.Equal(t, -1, r.LastExit().Code)

	var respawns, exited int
	for _, msg := range notices(obs) {
		switch msg {
		case protocol.NoticeRespawning:
			respawns++
		case protocol.NoticeExited:
			exited++
		}
	}
	assert.Equal(t, exits, respawns)
	assert.Equal(t, exits+1, exited)
}

func TestRespawnNoticeFollowsExitNotice(t *testing.T) {
	opener := transporttest.NewOpener(2)
	s := newSupervisor(opener)
	r, err := s.Start(context.Background(), Request{ListPath: writeList(t, `{"run": "forever"}`)})
	require.NoError(t, err)
	obs := observer.NewChan("session", 64)
	r.Observers().Add(obs)

	pipe := recv(t, opener.Pipes)
	env, err := protocol.NewEnvelope(protocol.KindData, protocol.Data{Args: protocol.Args{"error": "step failed"}})
	require.NoError(t, err)
	require.True(t, pipe.Deliver(env))
	pipe.Exit(1)

	data := recv(t, obs.C)
	assert.Equal(t, r.ID, data.Worker)
	exit := recv(t, obs.C).Data.(protocol.Notice)
	assert.Equal(t, protocol.NoticeExited, exit.Args.Message)
	assert.Equal(t, "step failed", exit.Args.Error)
	assert.Equal(t, 100, *exit.Args.Progress)

	respawn := recv(t, obs.C).Data.(protocol.Notice)
	assert.Equal(t, protocol.NoticeRespawning, respawn.Args.Message)
	assert.Equal(t, "step failed", respawn.Args.Error)
	assert.Equal(t, 0, *respawn.Args.Progress)

	// The new worker gets the same payload, and the error sticks around.
	next := recv(t, opener.Pipes)
	decodeInit(t, recv(t, next.Sent()))
	assert.Equal(t, "step failed", r.LastError())
	r.Stop()
	require.NoError(t, r.Wait(context.Background()))
}

func TestRespawnDelay(t *testing.T) {
	opener := transporttest.NewOpener(2)
	s := newSupervisor(opener, WithRespawnDelay(300*time.Millisecond))
	r, err := s.Start(context.Background(), Request{ListPath: writeList(t, `{"run": "forever"}`)})
	require.NoError(t, err)

	recv(t, opener.Pipes).Exit(0)
	start := time.Now()
	require.Eventually(t, func() bool { return r.State() == Respawning }, 5*time.Second, time.Millisecond)
	recv(t, opener.Pipes)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)

	r.Stop()
	require.NoError(t, r.Wait(context.Background()))
}

func TestStopDuringRespawnDelay(t *testing.T) {
	opener := transporttest.NewOpener(2)
	s := newSupervisor(opener, WithRespawnDelay(time.Hour))
	r, err := s.Start(context.Background(), Request{ListPath: writeList(t, `{"run": "forever"}`)})
	require.NoError(t, err)

	recv(t, opener.Pipes).Exit(0)
	require.Eventually(t, func() bool { return r.State() == Respawning }, 5*time.Second, time.Millisecond)
	r.Stop()
	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, 1, opener.Opens())
}

func TestOpenFailure(t *testing.T) {
	t.Run("once exits", func(t *testing.T) {
		opener := transporttest.NewOpener(1)
		opener.Err = func(int) error { return errors.New("cannot launch") }
		s := newSupervisor(opener)
		r, err := s.Start(context.Background(), Request{ListPath: writeList(t, `{"run": "once"}`)})
		require.NoError(t, err)
		require.NoError(t, r.Wait(context.Background()))
		assert.Equal(t, Exited, r.State())
		assert.Equal(t, 0, r.Containers())
		assert.Nil(t, r.LastExit())
	})

	t.Run("forever keeps retrying", func(t *testing.T) {
		opener := transporttest.NewOpener(1)
		opener.Err = func(n int) error {
			if n <= 3 {
				return errors.New("cannot launch")
			}
			return nil
		}
		s := newSupervisor(opener)
		r, err := s.Start(context.Background(), Request{ListPath: writeList(t, `{"run": "forever"}`)})
		require.NoError(t, err)
		recv(t, opener.Pipes)
		assert.Equal(t, 4, opener.Opens())
		require.Eventually(t, func() bool { return r.Containers() == 1 }, 5*time.Second, time.Millisecond)
		r.Stop()
		require.NoError(t, r.Wait(context.Background()))
	})
}

func TestMalformedTaskList(t *testing.T) {
	path := writeList(t, "{\n  \"run\": \"once\",\n  \"list\": [,]\n}")
	opener := transporttest.NewOpener(1)
	s := newSupervisor(opener)
	r, err := s.Start(context.Background(), Request{ListPath: path})
	require.NoError(t, err)
	obs := observer.NewChan("session", 64)
	r.Observers().Add(obs)

	// The worker still launches, with nothing to run.
	pipe := recv(t, opener.Pipes)
	init := decodeInit(t, recv(t, pipe.Sent()))
	assert.Equal(t, "null", string(init.Payload))

	pipe.Exit(0)
	require.NoError(t, r.Wait(context.Background()))

	var loadErr *manifest.LoadError
	require.ErrorAs(t, r.LastError().(error), &loadErr)
	assert.Equal(t, path, loadErr.Path)
	assert.Equal(t, 3, loadErr.Line)

	exit := recv(t, obs.C).Data.(protocol.Notice)
	b, err := json.Marshal(exit)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"path":"`+path+`"`)
}

func TestMissingTaskList(t *testing.T) {
	opener := transporttest.NewOpener(1)
	s := newSupervisor(opener)
	path := filepath.Join(t.TempDir(), "missing.json")
	r, err := s.Start(context.Background(), Request{ListPath: path})
	require.NoError(t, err)
	recv(t, opener.Pipes).Exit(0)
	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, 1, r.Containers())
	assert.IsType(t, &manifest.LoadError{}, r.LastError())
}

func TestPayloadOverride(t *testing.T) {
	opener := transporttest.NewOpener(1)
	s := newSupervisor(opener)
	r, err := s.Start(context.Background(), Request{ListPath: writeList(t, `{}`), Payload: json.RawMessage(`{"user":"u"}`)})
	require.NoError(t, err)
	pipe := recv(t, opener.Pipes)
	assert.JSONEq(t, `{"user":"u"}`, string(decodeInit(t, recv(t, pipe.Sent())).Payload))
	r.Stop()
	require.NoError(t, r.Wait(context.Background()))
}

func TestKillSendsDirective(t *testing.T) {
	opener := transporttest.NewOpener(2)
	s := newSupervisor(opener)
	r, err := s.Start(context.Background(), Request{ListPath: writeList(t, `{"run": "forever"}`)})
	require.NoError(t, err)

	pipe := recv(t, opener.Pipes)
	recv(t, pipe.Sent())
	require.Eventually(t, func() bool { return r.State() == Running }, 5*time.Second, time.Millisecond)
	require.NoError(t, r.Kill(context.Background()))
	assert.Equal(t, protocol.KindKill, recv(t, pipe.Sent()).Message)

	// The worker obeys and a perpetual list is relaunched.
	pipe.Exit(0)
	recv(t, opener.Pipes)
	r.Stop()
	require.NoError(t, r.Wait(context.Background()))
}

func TestSupervisorBookkeeping(t *testing.T) {
	opener := transporttest.NewOpener(4)
	s := newSupervisor(opener)

	_, err := s.Start(context.Background(), Request{ListPath: "x", Kind: transport.KindSandboxed})
	assert.Error(t, err)
	_, err = s.Start(context.Background(), Request{})
	assert.Error(t, err)
	_, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownRun)

	path := writeList(t, `{"run": "forever"}`)
	r1, err := s.Start(context.Background(), Request{ListPath: path})
	require.NoError(t, err)
	r2, err := s.Start(context.Background(), Request{ListPath: path})
	require.NoError(t, err)
	assert.NotEqual(t, r1.ID, r2.ID)

	got, err := s.Get(r2.ID)
	require.NoError(t, err)
	assert.Same(t, r2, got)
	assert.Len(t, s.Runs(), 2)
	assert.Error(t, s.Forget(r1.ID), "running runs can't be forgotten")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, Exited, r1.State())
	assert.Equal(t, Exited, r2.State())

	require.NoError(t, s.Forget(r1.ID))
	assert.Len(t, s.Runs(), 1)
}

func TestCancelContextStopsRun(t *testing.T) {
	opener := transporttest.NewOpener(2)
	s := newSupervisor(opener)
	ctx, cancel := context.WithCancel(context.Background())
	r, err := s.Start(ctx, Request{ListPath: writeList(t, `{"run": "forever"}`)})
	require.NoError(t, err)
	recv(t, opener.Pipes)
	cancel()
	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, Exited, r.State())
}

// TestHelperProcess is not a real test. It is the worker launched by TestProcessWorkers.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) == "" {
		return
	}
	os.Exit(runHelper(os.Getenv(behaviorEnv)))
}

func runHelper(behavior string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	c, err := worker.Connect(log)
	if err != nil {
		return 10
	}
	defer c.Close()
	if _, err := c.Init(ctx); err != nil {
		return 11
	}
	switch behavior {
	case "exec-then-crash":
		res, err := c.Request(ctx, protocol.CommandExec, protocol.Args{"command": "printf hi"})
		if err != nil {
			return 12
		}
		if err := c.Data(ctx, protocol.Args{"stdout": res["stdout"]}); err != nil {
			return 13
		}
		if err := c.Log(ctx, "done"); err != nil {
			return 14
		}
		return 1
	}
	return 0
}

func TestProcessWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("launches processes")
	}
	opener := &transport.Process{
		Log:     log,
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Env:     []string{helperEnv + "=1", behaviorEnv + "=exec-then-crash"},
	}
	s := newSupervisor(opener)
	r, err := s.Start(context.Background(), Request{ListPath: writeList(t, `{"run": "forever"}`)})
	require.NoError(t, err)
	obs := observer.NewChan("session", 256)
	r.Observers().Add(obs)

	var stdout []string
	var respawns int
	for respawns < 2 {
		ev := recv(t, obs.C)
		switch d := ev.Data.(type) {
		case protocol.Data:
			if out, ok := d.Args["stdout"].(string); ok {
				stdout = append(stdout, out)
			}
		case protocol.Notice:
			if d.Args.Message == protocol.NoticeRespawning {
				respawns++
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.GreaterOrEqual(t, r.Containers(), 2)
	require.GreaterOrEqual(t, len(stdout), 2)
	assert.Equal(t, []string{"hi", "hi"}, stdout[:2])
}
