// Package stream broadcasts terminal session events to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"pagewatch/pkg/watch"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// Message is the JSON frame sent to clients.
type Message struct {
	Event *watch.Event `json:"event"`
	Type  string       `json:"type"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	owner  string
	remote string
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
}

// Hub fans events out to connected clients. Delivery never blocks the caller:
// a client whose buffer is full is disconnected.
type Hub struct {
	clients  map[*client]bool
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	closed   bool
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		logger:  logger,
	}
}

// ServeHTTP upgrades the request and registers the client until it disconnects.
// An optional ?owner= parameter restricts the stream to that owner's events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		owner:  strings.TrimSpace(r.URL.Query().Get("owner")),
		remote: r.RemoteAddr,
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()

	h.logger.Info("WebSocket client connected", "remote", c.remote, "owner", c.owner)

	go func() {
		defer func() {
			h.remove(c)
			h.logger.Info("WebSocket client disconnected", "remote", c.remote)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Emit broadcasts the event to every client watching all owners or this one.
func (h *Hub) Emit(_ context.Context, ev *watch.Event) error {
	data, err := json.Marshal(Message{Type: "session_terminated", Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Sends happen under the read lock so no channel is closed mid-send.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.owner != "" && c.owner != ev.Owner {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("WebSocket client too slow, disconnecting", "remote", c.remote)
		h.remove(c)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
