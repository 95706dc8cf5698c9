// Package push streams read-model updates to websocket clients. Delivery is
// fire-and-forget: a slow or gone client is dropped, never waited on.
package push

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mqmon/mqmon/internal/jsoncodec"
	"github.com/mqmon/mqmon/internal/logging"
	"github.com/mqmon/mqmon/internal/store"
)

const (
	writeWait      = 5 * time.Second
	clientBuffer   = 32
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The monitor UI is served from anywhere during development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Envelope is the frame pushed to clients.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcast frames out to all connected clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  logging.ServiceLogger
}

func NewHub(logger logging.ServiceLogger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// ServeWS upgrades the request and keeps the connection until the client
// goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", err, nil)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected", logging.LogFields{
		"clients": clientCount,
	})

	go h.writeLoop(c)
	go h.readLoop(c)
}

// NotifyExecution implements projection.Notifier.
func (h *Hub) NotifyExecution(exec *store.ProcessExecution) {
	h.Broadcast("execution", exec)
}

// Broadcast sends one frame to every connected client.
func (h *Hub) Broadcast(frameType string, payload any) {
	body, err := jsoncodec.Marshal(Envelope{Type: frameType, Payload: payload})
	if err != nil {
		h.logger.Error("marshal broadcast frame", err, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- body:
		default:
			// Client cannot keep up; drop it.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for body := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
			h.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, nil)
}

// readLoop drains incoming frames so pings are answered and close frames
// observed; clients are not expected to send anything meaningful.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
