package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/headless/protocol"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// channelFD is the descriptor number of the first entry of exec.Cmd.ExtraFiles.
const channelFD = 3

// drainTimeout bounds how long envelopes written just before exit are waited for.
const drainTimeout = 2 * time.Second

// Process launches workers as child processes.
type Process struct {
	Log *zap.SugaredLogger
	// Command and Args are the worker executable and its leading arguments.
	// The task list path and step index are appended.
	Command string
	Args    []string
	Env     []string
	Dir     string
}

func (p *Process) Open(ctx context.Context, spec Spec) (Transport, error) {
	log := p.Log.Named("process_transport")

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	parentFile := os.NewFile(uintptr(fds[0]), "headless-channel-parent")
	childFile := os.NewFile(uintptr(fds[1]), "headless-channel-child")
	defer childFile.Close()

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping channel: %w", err)
	}

	args := append(append([]string{}, p.Args...), spec.ListPath, strconv.Itoa(spec.Index))
	cmd := exec.Command(p.Command, args...)
	cmd.Dir = p.Dir
	cmd.Env = append(append(os.Environ(), p.Env...), fmt.Sprintf("%s=%d", protocol.ChannelFDEnv, channelFD))
	cmd.ExtraFiles = []*os.File{childFile}
	stdout := &lineWriter{logLine: func(line string) { log.Infof("worker stdout: %s", line) }}
	stderr := &lineWriter{logLine: func(line string) { log.Warnf("worker stderr: %s", line) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("starting worker %q: %w", p.Command, err)
	}
	log.Debugw("worker started", "PID", cmd.Process.Pid, "List", spec.ListPath, "Index", spec.Index)

	t := &processTransport{
		base:       newBase(log, KindProcess),
		cmd:        cmd,
		conn:       conn,
		enc:        json.NewEncoder(conn),
		readerDone: make(chan struct{}),
	}
	go t.readMessages()
	go t.waitAndFinish(stdout, stderr)

	init, err := protocol.NewEnvelope(protocol.KindInit, spec.Init)
	if err != nil {
		t.Close()
		return nil, err
	}
	if err := t.Send(ctx, init); err != nil {
		t.Close()
		return nil, fmt.Errorf("sending init: %w", err)
	}
	return t, nil
}

type processTransport struct {
	base

	cmd  *exec.Cmd
	conn net.Conn

	sendMut sync.Mutex
	enc     *json.Encoder

	readerDone chan struct{}
	closeOnce  sync.Once
}

func (t *processTransport) Send(ctx context.Context, env protocol.Envelope) error {
	t.sendMut.Lock()
	defer t.sendMut.Unlock()
	if t.isClosed() {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.enc.Encode(env); err != nil {
		return fmt.Errorf("writing %s envelope: %w", env.Message, err)
	}
	return nil
}

func (t *processTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cmd.Process != nil {
			err := t.cmd.Process.Kill()
			if err != nil && !errors.Is(err, os.ErrProcessDone) {
				t.log.Debugf("error killing worker: %s", err)
			}
		}
	})
	return nil
}

func (t *processTransport) readMessages() {
	defer close(t.readerDone)
	r := bufio.NewReaderSize(t.conn, 64<<10)
	for {
		line, err := readLine(r, readLimit)
		if errors.Is(err, errLineTooLong) {
			t.log.Debugf("skipping line longer than %d bytes", readLimit)
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			t.log.Debug("worker channel closed")
			return
		}
		if err != nil {
			t.log.Debugf("message reader got error: %s", err)
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.log.Debugf("skipping malformed line from worker: %s", err)
			continue
		}
		if !t.deliver(env) {
			return
		}
	}
}

var errLineTooLong = errors.New("line too long")

// readLine reads one newline-terminated line of at most limit bytes.
// A longer line is consumed in full and reported as errLineTooLong.
// A final line without a newline is returned before io.EOF.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		if tooLong {
			return nil, errLineTooLong
		}
		return line, nil
	}
}

func (t *processTransport) waitAndFinish(closers ...io.Closer) {
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
	t.log.Debugf("worker %d exited with code %d", t.cmd.Process.Pid, code)

	// Let the reader drain what the worker wrote before exiting, then cut the channel.
	select {
	case <-t.readerDone:
	case <-time.After(drainTimeout):
	}
	t.sendMut.Lock()
	t.markClosed()
	t.sendMut.Unlock()
	t.conn.Close()
	<-t.readerDone

	t.finish(Exit{Code: code, Err: err})
}
