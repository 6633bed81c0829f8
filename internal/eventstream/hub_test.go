package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ralph-run/ralph/internal/engine"
)

func TestHubBroadcastsToSubscriber(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	time.Sleep(20 * time.Millisecond) // let the register message land

	hub.Observer(engine.Event{Name: "iteration:completed", Payload: map[string]any{"taskId": "t1"}})

	ws.SetReadDeadline(time.Now().Add(1 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got engine.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != "iteration:completed" {
		t.Fatalf("event name = %q, want iteration:completed", got.Name)
	}
	if got.Payload["taskId"] != "t1" {
		t.Fatalf("payload taskId = %v, want t1", got.Payload["taskId"])
	}
}

func TestHubBroadcastsToMultipleSubscribers(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer ws.Close()
		conns = append(conns, ws)
	}
	time.Sleep(20 * time.Millisecond)

	hub.Observer(engine.Event{Name: "engine:started"})

	for i, ws := range conns {
		ws.SetReadDeadline(time.Now().Add(1 * time.Second))
		if _, _, err := ws.ReadMessage(); err != nil {
			t.Fatalf("subscriber %d did not receive broadcast: %v", i, err)
		}
	}
}

func TestHubUnregistersClosedClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	ws.Close()
	time.Sleep(20 * time.Millisecond)

	// Broadcasting after the only client disconnected must not panic or block.
	hub.Observer(engine.Event{Name: "engine:stopped"})
}

func TestHubRunExitsOnContextCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("hub did not exit after context cancel")
	}
}
