package observer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// queueSize bounds how many events may wait for a slow session before it is dropped.
const queueSize = 1024

const flushTimeout = 5 * time.Second

var errSlowSession = errors.New("observer session is not keeping up")

// WebSocket is an Observer session backed by a WebSocket connection.
// Events are written in the order they are observed by a dedicated writer goroutine, so Observe never blocks on the network.
type WebSocket struct {
	name string
	log  *zap.SugaredLogger
	conn *websocket.Conn

	ctx    context.Context
	cancel func()
	queue  chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// NewWebSocket starts a session that writes to conn until ctx is done, a write fails, or Close is called.
func NewWebSocket(ctx context.Context, log *zap.SugaredLogger, name string, conn *websocket.Conn) *WebSocket {
	ctx, cancel := context.WithCancel(ctx)
	w := &WebSocket{
		name:   name,
		log:    log.Named("ws_observer"),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go w.write()
	return w
}

func (w *WebSocket) Name() string { return w.name }

func (w *WebSocket) Observe(ev Event) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.queue <- ev:
		return nil
	default:
		w.close(websocket.StatusPolicyViolation, errSlowSession.Error())
		return errSlowSession
	}
}

// Done is closed once the session stops writing.
func (w *WebSocket) Done() <-chan struct{} { return w.done }

// Close ends the session with a normal closure after flushing queued events.
func (w *WebSocket) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (w *WebSocket) close(code websocket.StatusCode, reason string) {
	w.closeOnce.Do(func() {
		w.cancel()
		err := w.conn.Close(code, reason)
		if err != nil {
			w.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (w *WebSocket) write() {
	defer close(w.done)
	for {
		select {
		case ev := <-w.queue:
			if err := wsjson.Write(w.ctx, w.conn, ev); err != nil {
				w.log.Debugf("error writing event: %s", err)
				w.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-w.ctx.Done():
			w.flush()
			w.close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// flush writes events still queued when the session is asked to stop.
func (w *WebSocket) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case ev := <-w.queue:
			if err := wsjson.Write(ctx, w.conn, ev); err != nil {
				w.log.Debugf("error flushing event: %s", err)
				return
			}
		default:
			return
		}
	}
}
