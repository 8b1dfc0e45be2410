package observer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var log = zap.NewNop().Sugar()

type failing struct{ calls int }

func (f *failing) Name() string { return "failing" }
func (f *failing) Observe(Event) error {
	f.calls++
	return errors.New("nope")
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(log, "run")
	assert.NoError(t, hub.Observe(Event{Message: MessageData}), "no sinks is a no-op")

	a := NewChan("a", 1)
	b := NewChan("b", 1)
	removeA := hub.Add(a)
	hub.Add(b)
	assert.Equal(t, 2, hub.Len())

	require.NoError(t, hub.Observe(Event{Worker: "w", Message: MessageData, Data: 1}))
	evA := <-a.C
	evB := <-b.C
	assert.Equal(t, "a", evA.Name)
	assert.Equal(t, "b", evB.Name)
	assert.Equal(t, "w", evA.Worker)

	removeA()
	assert.Equal(t, 1, hub.Len())
}

func TestHubRemovesFailingSink(t *testing.T) {
	hub := NewHub(log, "run")
	f := &failing{}
	hub.Add(f)

	require.NoError(t, hub.Observe(Event{}))
	require.NoError(t, hub.Observe(Event{}))
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 0, hub.Len())
}

func TestWebSocketPreservesOrder(t *testing.T) {
	sessions := make(chan *WebSocket, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(context.Background(), log, "session", conn)
		sessions <- ws
		<-ws.Done()
	}))
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ws := <-sessions
	for i := 0; i < 10; i++ {
		require.NoError(t, ws.Observe(Event{Name: "session", Message: MessageData, Data: float64(i)}))
	}
	for i := 0; i < 10; i++ {
		var ev Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		assert.Equal(t, float64(i), ev.Data)
	}

	conn.CloseRead(ctx)
	require.NoError(t, ws.Close())
	assert.ErrorIs(t, ws.Observe(Event{}), ErrClosed)
}
