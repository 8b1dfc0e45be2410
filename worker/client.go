package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/headless/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrClosed is returned for calls made after the channel to the supervisor went away.
var ErrClosed = errors.New("supervisor channel closed")

// channel is one of the two wire encodings of the protocol.
type channel interface {
	read(ctx context.Context) (protocol.Envelope, error)
	write(ctx context.Context, env protocol.Envelope) error
	close() error
}

// Client is a worker's connection to its supervisor.
type Client struct {
	log *zap.SugaredLogger
	ch  channel

	ctx    context.Context
	cancel func()

	writeMut sync.Mutex

	pendingMut sync.Mutex
	pending    map[string]chan protocol.Args

	initCh chan protocol.Init

	killed     chan struct{}
	killedOnce sync.Once
	done       chan struct{}
}

// Connect opens the channel a process transport passed to this process.
func Connect(log *zap.SugaredLogger) (*Client, error) {
	fdStr := os.Getenv(protocol.ChannelFDEnv)
	if fdStr == "" {
		return nil, fmt.Errorf("%s is not set, not launched by a supervisor", protocol.ChannelFDEnv)
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", protocol.ChannelFDEnv, err)
	}
	f := os.NewFile(uintptr(fd), "headless-channel")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("opening channel fd %d: %w", fd, err)
	}
	return newClient(log, &streamChannel{conn: conn, dec: json.NewDecoder(conn), enc: json.NewEncoder(conn)}), nil
}

// DialSandbox dials the control endpoint of a sandbox transport listening on port.
func DialSandbox(ctx context.Context, log *zap.SugaredLogger, port int) (*Client, error) {
	u := fmt.Sprintf("ws://127.0.0.1:%d/control", port)
	log.Debugw("dialing control WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("establishing control conn: %w", err)
	}
	conn.SetReadLimit(32 << 20)
	return newClient(log, &wsChannel{conn: conn}), nil
}

func newClient(log *zap.SugaredLogger, ch channel) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:     log.Named("worker_client"),
		ch:      ch,
		ctx:     ctx,
		cancel:  cancel,
		pending: map[string]chan protocol.Args{},
		initCh:  make(chan protocol.Init, 1),
		killed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readMessages()
	return c
}

// Init waits for the init envelope.
func (c *Client) Init(ctx context.Context) (protocol.Init, error) {
	select {
	case init := <-c.initCh:
		return init, nil
	case <-c.done:
		return protocol.Init{}, ErrClosed
	case <-ctx.Done():
		return protocol.Init{}, ctx.Err()
	}
}

// Killed is closed when the supervisor asks the worker to terminate.
func (c *Client) Killed() <-chan struct{} { return c.killed }

// Done is closed when the channel to the supervisor is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Request invokes a supervisor command and waits for its response args.
// Kill never gets a response; use Kill instead.
func (c *Client) Request(ctx context.Context, command protocol.Command, args protocol.Args) (protocol.Args, error) {
	id := uuid.NewString()
	respCh := c.expect(id)
	defer c.forget(id)

	env, err := protocol.NewEnvelope(protocol.KindRequest, protocol.Request{ID: protocol.StringID(id), Command: command, Args: args})
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, env); err != nil {
		return nil, err
	}
	return c.await(ctx, respCh)
}

// Kill asks the supervisor to terminate this worker.
func (c *Client) Kill(ctx context.Context) error {
	env, err := protocol.NewEnvelope(protocol.KindRequest, protocol.Request{ID: protocol.StringID(uuid.NewString()), Command: protocol.CommandKill, Args: protocol.Args{}})
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

// Log sends a log line as a data frame and waits for the supervisor's acknowledgement.
func (c *Client) Log(ctx context.Context, message string) error {
	return c.acknowledged(ctx, protocol.CommandLog, protocol.Args{"error": nil, "message": message, "progress": nil})
}

// Box sends a boxed message as a data frame and waits for the supervisor's acknowledgement.
func (c *Client) Box(ctx context.Context, message string) error {
	return c.acknowledged(ctx, protocol.CommandBox, protocol.Args{"error": nil, "message": message, "progress": nil})
}

func (c *Client) acknowledged(ctx context.Context, command protocol.Command, args protocol.Args) error {
	id := uuid.NewString()
	respCh := c.expect(id)
	defer c.forget(id)
	env, err := protocol.NewEnvelope(protocol.KindData, protocol.Data{ID: protocol.StringID(id), Command: command, Args: args})
	if err != nil {
		return err
	}
	if err := c.write(ctx, env); err != nil {
		return err
	}
	_, err = c.await(ctx, respCh)
	return err
}

// Data sends a progress frame.
func (c *Client) Data(ctx context.Context, args protocol.Args) error {
	env, err := protocol.NewEnvelope(protocol.KindData, protocol.Data{Args: args})
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

// Progress is a convenience for Data with the usual progress args.
func (c *Client) Progress(ctx context.Context, message string, progress int, errValue any) error {
	return c.Data(ctx, protocol.Args{"error": errValue, "message": message, "progress": progress})
}

// Error reports a failure inside the worker. It is not fatal to the container.
func (c *Client) Error(ctx context.Context, message, stack string) error {
	env, err := protocol.NewEnvelope(protocol.KindError, protocol.Error{Message: message, Stack: stack})
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

// Close closes the channel to the supervisor.
func (c *Client) Close() error {
	c.cancel()
	err := c.ch.close()
	<-c.done
	return err
}

func (c *Client) expect(id string) chan protocol.Args {
	ch := make(chan protocol.Args, 1)
	c.pendingMut.Lock()
	c.pending[id] = ch
	c.pendingMut.Unlock()
	return ch
}

func (c *Client) forget(id string) {
	c.pendingMut.Lock()
	delete(c.pending, id)
	c.pendingMut.Unlock()
}

func (c *Client) await(ctx context.Context, ch chan protocol.Args) (protocol.Args, error) {
	select {
	case args := <-ch:
		return args, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, env protocol.Envelope) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.ch.write(ctx, env)
}

func (c *Client) readMessages() {
	defer close(c.done)
	for {
		env, err := c.ch.read(c.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && websocket.CloseStatus(err) == -1 {
				c.log.Debugf("message reader got error: %s", err)
			}
			return
		}
		switch env.Message {
		case protocol.KindInit:
			var init protocol.Init
			if err := env.Decode(&init); err != nil {
				c.log.Debugf("bad init: %s", err)
				continue
			}
			select {
			case c.initCh <- init:
			default:
				c.log.Debug("ignoring duplicate init")
			}
		case protocol.KindResponse:
			var resp protocol.Response
			if err := env.Decode(&resp); err != nil {
				c.log.Debugf("bad response: %s", err)
				continue
			}
			c.pendingMut.Lock()
			ch, ok := c.pending[resp.ID.String()]
			c.pendingMut.Unlock()
			if !ok {
				c.log.Debugf("response for unknown request %s", resp.ID)
				continue
			}
			ch <- resp.Args
		case protocol.KindKill:
			c.killedOnce.Do(func() { close(c.killed) })
		default:
			c.log.Debugf("ignoring %s envelope", env.Message)
		}
	}
}

type streamChannel struct {
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

func (s *streamChannel) read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := s.dec.Decode(&env)
	return env, err
}

func (s *streamChannel) write(ctx context.Context, env protocol.Envelope) error {
	return s.enc.Encode(env)
}

func (s *streamChannel) close() error { return s.conn.Close() }

type wsChannel struct {
	conn *websocket.Conn
}

func (w *wsChannel) read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := wsjson.Read(ctx, w.conn, &env)
	return env, err
}

func (w *wsChannel) write(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, w.conn, env)
}

func (w *wsChannel) close() error { return w.conn.Close(websocket.StatusNormalClosure, "") }
