// Package eventstream fans engine events out to websocket subscribers —
// the transport spec §2 calls "events stream out to any listener," given a
// remote shape for a dashboard. Grounded on NeboLoop-nebo's
// internal/agenthub/hub.go: a register/unregister channel pair owned by a
// single Run goroutine, one buffered Send channel and writePump per
// client, periodic ping keepalives. Simplified from that hub's
// bidirectional agent-RPC framing (req/res/stream/approval) down to a
// one-way broadcast, since a dashboard subscriber only ever receives.
package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ralph-run/ralph/internal/engine"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

// Hub broadcasts engine.Events to every connected websocket client.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan engine.Event

	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub. Call Run to start its dispatch loop before serving
// any websocket connections.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan engine.Event, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run dispatches registrations and broadcasts until ctx is done. It must
// run in its own goroutine for the lifetime of the Hub.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*client]struct{})
	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			for c := range clients {
				select {
				case c.send <- data:
				default:
					// slow subscriber; drop rather than block the dispatch loop
				}
			}
		}
	}
}

// Observer is an engine.Listener that forwards every event to connected
// subscribers. Wire it with eng.Listen(hub.Observer).
func (h *Hub) Observer(ev engine.Event) {
	select {
	case h.broadcast <- ev:
	default:
		// dispatch loop is backed up; drop the event rather than block the
		// engine loop goroutine that emitted it
	}
}

// ServeHTTP upgrades the request to a websocket and streams events to it
// until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register <- c

	go h.readPump(c)
	h.writePump(c)
}

// readPump exists only to detect the client going away; dashboard
// subscribers never send anything meaningful upstream.
func (h *Hub) readPump(c *client) {
	defer func() { h.unregister <- c }()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
