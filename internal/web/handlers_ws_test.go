package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/adapter/adaptertest"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(adaptertest.Logger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func registered(hub *WSHub, c *wsClient) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	_, ok := hub.clients[c]
	return ok
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub(t)

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.unregister <- client
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub(t)

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2

	hub.Broadcast(adapter.Event{Type: adapter.EventPermitJoin, Data: adapter.PermitJoinPayload{Seconds: 30}})

	for _, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			assert.Contains(t, string(msg), `"type":"permit_join"`)
		case <-time.After(time.Second):
			t.Fatal("client did not receive broadcast")
		}
	}
}

func TestWSHubReplyGoesToOneClient(t *testing.T) {
	hub := newTestHub(t)

	asker := &wsClient{send: make(chan []byte, 16)}
	other := &wsClient{send: make(chan []byte, 16)}
	hub.register <- asker
	hub.register <- other

	hub.reply(asker, wsResponse{Type: "response", Status: "ok"})

	select {
	case msg := <-asker.send:
		assert.JSONEq(t, `{"type":"response","status":"ok"}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
	assert.Empty(t, other.send)
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub(t)

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast

	hub.Broadcast("msg1")
	hub.Broadcast("msg2")

	require.Eventually(t, func() bool { return !registered(hub, slow) }, time.Second, 5*time.Millisecond)
	assert.True(t, registered(hub, fast))
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := NewWSHub(adaptertest.Logger())

	// Hub not running: the channel fills and stays full.
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.Broadcast(i)
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast("overflow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked when channel is full")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := newTestHub(t)

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client

	hub.Stop()
	assert.NotPanics(t, hub.Stop)

	select {
	case _, ok := <-client.send:
		assert.False(t, ok, "client.send should be closed after hub stop")
	case <-time.After(time.Second):
		t.Fatal("client.send not closed")
	}
}

func TestWSHubUnregisterUnknownClient(t *testing.T) {
	hub := newTestHub(t)

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	hub.register <- &wsClient{send: make(chan []byte, 1)}

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func dialWS(t *testing.T, srv *Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestWSCommandsAndEvents(t *testing.T) {
	srv, env := setupTestServer(t)
	env.SaveDevice(t, lampEUI, 0x1234)
	conn, ctx := dialWS(t, srv)

	req := `{"transaction": 7, "command": "device", "params": {"id": "0x1234"}}`
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(req)))
	resp := readJSON(t, ctx, conn)
	assert.Equal(t, "response", resp["type"])
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(7), resp["transaction"])
	assert.Equal(t, lampEUI.String(), resp["data"].(map[string]any)["ieee_address"])

	// The client is registered once it has been answered.
	env.Bus.Emit(adapter.Event{Type: adapter.EventPermitJoin, Data: adapter.PermitJoinPayload{Seconds: 30}})
	ev := readJSON(t, ctx, conn)
	assert.Equal(t, "permit_join", ev["type"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"command": "nope"}`)))
	resp = readJSON(t, ctx, conn)
	assert.Equal(t, "error", resp["status"])
	assert.Contains(t, resp["error"], "unknown command")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`not json`)))
	resp = readJSON(t, ctx, conn)
	assert.Equal(t, "invalid request", resp["error"])
}
