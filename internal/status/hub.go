package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const (
	clientBuffer = 16
	writeTimeout = 10 * time.Second
)

// Hub streams health results to websocket clients. A client that cannot
// keep up is disconnected.
type Hub struct {
	logger  logrus.FieldLogger
	origins []string
	initial func() interface{}

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates a hub. origins are host patterns accepted besides the
// request's own host. initial, when set, supplies the first message each
// client receives.
func NewHub(logger logrus.FieldLogger, origins []string, initial func() interface{}) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		logger:  logger,
		origins: origins,
		initial: initial,
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends message to every client.
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode websocket message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket client too slow, disconnecting")
			delete(h.clients, c)
			c.stop()
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.stop()
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.stop()
	}
}

// ServeHTTP upgrades the request and streams messages until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.WithError(err).Debug("websocket upgrade rejected")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if h.initial != nil {
		if msg := h.initial(); msg != nil {
			if data, err := json.Marshal(msg); err == nil {
				c.send <- data
			}
		}
	}
	if !h.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.logger.WithField("clients", h.Clients()).Debug("websocket client connected")

	// CloseRead drains and discards client frames; ctx ends when the peer
	// closes the connection.
	ctx := conn.CloseRead(r.Context())
	defer h.remove(c)

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "disconnected")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
