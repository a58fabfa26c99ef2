package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
)

// dialSubscriber connects a real websocket client to a bridge through an
// httptest server and returns the client side plus the registered name.
func dialSubscriber(t *testing.T, bridge *Bridge, username string) *websocket.Conn {
	t.Helper()

	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		sub := bridge.Subscribe(username, conn)
		close(registered)
		// drain until the peer goes away, mirroring the HTTP handler
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				break
			}
		}
		bridge.Unsubscribe(username, sub)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	select {
	case <-registered:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never registered")
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev model.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestBridgeNotifyReachesOnlyTarget(t *testing.T) {
	bridge := NewBridge()
	daveConn := dialSubscriber(t, bridge, "dave")
	dialSubscriber(t, bridge, "erin")

	waitForCount(t, bridge, 2)

	bridge.Notify("dave", model.NewEvent(model.EventTextMessage, "alice", map[string]any{"text": "hi"}))
	ev := readEvent(t, daveConn)
	if ev.Type != model.EventTextMessage || ev.User != "alice" {
		t.Fatalf("event = %+v", ev)
	}

	bridge.Notify("nobody", model.NewEvent(model.EventTextMessage, "alice", nil))
}

func TestBridgeBroadcast(t *testing.T) {
	bridge := NewBridge()
	daveConn := dialSubscriber(t, bridge, "dave")
	erinConn := dialSubscriber(t, bridge, "erin")

	waitForCount(t, bridge, 2)

	bridge.Broadcast(model.NewEvent(model.EventUserJoin, "alice", nil))
	for _, conn := range []*websocket.Conn{daveConn, erinConn} {
		ev := readEvent(t, conn)
		if ev.Type != model.EventUserJoin {
			t.Fatalf("event = %+v", ev)
		}
	}
}

func TestBridgeResubscribeReplacesOld(t *testing.T) {
	bridge := NewBridge()
	dialSubscriber(t, bridge, "dave")
	waitForCount(t, bridge, 1)

	// the first client never reads, so it cannot answer a close
	// handshake; replacing it must still register promptly
	start := time.Now()
	replacement := dialSubscriber(t, bridge, "dave")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("replacement subscribe took %v, blocked on the old connection", elapsed)
	}
	waitForCount(t, bridge, 1)

	bridge.Notify("dave", model.NewEvent(model.EventCallIncoming, "alice", nil))
	ev := readEvent(t, replacement)
	if ev.Type != model.EventCallIncoming {
		t.Fatalf("event = %+v", ev)
	}
}

func waitForCount(t *testing.T, bridge *Bridge, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if bridge.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count = %d, want %d", bridge.Count(), want)
}
