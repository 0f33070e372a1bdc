package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Client is one connected event stream.
type Client struct {
	conn   *websocket.Conn
	remote string
	topics map[string]bool
	send   chan Message
	logger *zap.Logger
}

func newClient(conn *websocket.Conn, remote string, topics []string, logger *zap.Logger) *Client {
	c := &Client{
		conn:   conn,
		remote: remote,
		send:   make(chan Message, sendBuffer),
		logger: logger,
	}
	if len(topics) > 0 {
		c.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			c.topics[t] = true
		}
	}
	return c
}

// wants reports whether the client asked for the topic. No filter means
// every topic.
func (c *Client) wants(topic string) bool {
	return c.topics == nil || c.topics[topic]
}

// Hub tracks connected clients and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("event stream client connected", zap.String("remote", c.remote))
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("event stream client disconnected", zap.String("remote", c.remote))
}

// Broadcast queues msg for every client subscribed to its topic. A client
// whose buffer is full misses the message; the publisher never blocks.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(msg.Topic) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("event stream buffer full, dropping message",
				zap.String("remote", c.remote),
				zap.String("topic", msg.Topic))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

// readPump drains the connection until the client goes away. Clients do
// not send anything.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
