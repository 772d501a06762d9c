package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appLog "coursewatch/internal/log"
	"coursewatch/internal/notify"
)

type MessageType string

const (
	MsgStatus    MessageType = "status"
	MsgAvailable MessageType = "available"
	MsgDigest    MessageType = "digest"
)

// Message is the envelope of every frame pushed to websocket clients.
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 10 * time.Second

type client struct {
	conn         *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	done         chan struct{} // closed when writePump returns
}

func newClient(conn *websocket.Conn, timeout time.Duration) *client {
	c := &client{
		conn:         conn,
		send:         make(chan []byte, 32),
		writeTimeout: timeout,
		done:         make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer close(c.done)
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			appLog.Debug("websocket write failed, closing client", "error", err)
			return
		}
	}
}

// Hub pushes availability alerts and digests to connected websocket
// clients. It is a notify.Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	// greeting, if set, builds the status frame sent to each new client.
	greeting func() any
}

var _ notify.Sink = (*Hub)(nil)

func NewHub(greeting func() any) *Hub {
	return &Hub{
		clients:  make(map[*client]bool),
		greeting: greeting,
	}
}

func (h *Hub) addClient(conn *websocket.Conn) *client {
	c := newClient(conn, writeTimeout)

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	if h.greeting != nil {
		if data, err := json.Marshal(Message{Type: MsgStatus, Payload: h.greeting()}); err == nil {
			h.mu.RLock()
			if h.clients[c] {
				select {
				case c.send <- data:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
	return c
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Notify broadcasts n as an "available" message.
func (h *Hub) Notify(_ context.Context, n notify.Notification) error {
	h.Broadcast(Message{Type: MsgAvailable, Payload: n})
	return nil
}

// Broadcast sends msg to every client. Clients whose send buffer is full
// are disconnected.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		appLog.Error("websocket broadcast marshal failed", err, "type", msg.Type)
		return
	}

	// Sends happen under the read lock so a concurrent removeClient cannot
	// close a channel mid-send.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		appLog.Warn("websocket client too slow, disconnecting")
		h.removeClient(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
