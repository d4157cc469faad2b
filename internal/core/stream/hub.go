// Package stream pushes session events to browsers over websockets.
package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
	maxInbound   = 4 << 10
)

var ErrClosed = errors.New("stream closed")

// Message is one frame sent to clients.
type Message struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	Data any    `json:"data,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	once sync.Once
}

// Hub fans messages out to every connected client of one session. Clients
// that cannot keep up are disconnected instead of blocking publishers.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	seq     uint64
	closed  bool
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: map[*client]struct{}{}, logger: logger}
}

// NewUpgrader accepts origins from allowed; "*" allows any.
func NewUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
		},
	}
}

// Publish sends typ/data to all clients.
func (h *Hub) Publish(typ string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	b, err := json.Marshal(Message{Type: typ, Seq: h.seq, Data: data})
	if err != nil {
		h.logger.Error("stream marshal failed", "type", typ, "err", err)
		return
	}
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.logger.Warn("stream client too slow, disconnecting")
			h.drop(c)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve upgrades the request and attaches the connection to the hub. It
// returns once the pumps are running.
func (h *Hub) Serve(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}

	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), hub: h}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return nil
}

// Close disconnects every client; later Publish calls are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.drop(c)
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.once.Do(func() { close(c.send) })
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.drop(c)
	h.mu.Unlock()
}

type inbound struct {
	Type string `json:"type"`
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("stream read ended", "err", err)
			}
			return
		}
		var msg inbound
		if json.Unmarshal(raw, &msg) == nil && msg.Type == "ping" {
			c.hub.mu.Lock()
			if _, ok := c.hub.clients[c]; ok {
				b, _ := json.Marshal(Message{Type: "pong"})
				select {
				case c.send <- b:
				default:
				}
			}
			c.hub.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
