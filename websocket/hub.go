package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hydrotrack/metrics"
	"hydrotrack/models"
)

// Message types sent to clients besides the domain event kinds
const (
	TypeConnection = "connection"
	TypeStats      = "stats"
	TypePong       = "pong"
)

type outbound struct {
	topic   string
	payload []byte
}

// Hub maintains the set of active clients and broadcasts messages to the clients
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	done       chan struct{}
}

// Client represents a websocket client connection
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	id         string
	subscribed map[string]bool // Topics the client is subscribed to; empty means all
	closed     bool            // send is closed; guarded by mutex
	mutex      sync.RWMutex
}

// NewHub creates a new WebSocket hub. Connections are accepted from the
// allowed origins only; an empty list accepts any origin.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With("component", "websocket"),
		done:   make(chan struct{}),
	}
}

// Run starts the hub
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mutex.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.WebSocketClients.Set(float64(count))
			h.logger.Info("client registered", "client_id", client.id, "clients", count)

			// Send welcome message
			welcome, err := encode(TypeConnection, map[string]string{"status": "connected", "client_id": client.id}, time.Now())
			if err == nil && !client.trySend(welcome) {
				h.drop(client)
			}

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.WebSocketClients.Set(float64(count))
			h.logger.Info("client unregistered", "client_id", client.id, "clients", count)

		case msg := <-h.broadcast:
			var slow []*Client
			h.mutex.RLock()
			for client := range h.clients {
				if !client.wants(msg.topic) {
					continue
				}
				if !client.trySend(msg.payload) {
					slow = append(slow, client)
				}
			}
			h.mutex.RUnlock()
			for _, client := range slow {
				h.drop(client)
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
		h.logger.Warn("dropping slow client", "client_id", client.id)
	}
}

func encode(msgType string, data interface{}, ts time.Time) ([]byte, error) {
	return json.Marshal(models.WebSocketMessage{Type: msgType, Data: data, Timestamp: ts})
}

// Deliver forwards a domain event to the clients subscribed to its kind
func (h *Hub) Deliver(msg models.BusMessage) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return h.publish(msg.Kind, msg.Data, ts)
}

// BroadcastStats broadcasts system statistics to all connected clients
func (h *Hub) BroadcastStats(stats interface{}) {
	if err := h.publish(TypeStats, stats, time.Now()); err != nil {
		h.logger.Warn("stats broadcast failed", "error", err)
	}
}

func (h *Hub) publish(topic string, data interface{}, ts time.Time) error {
	payload, err := encode(topic, data, ts)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	select {
	case h.broadcast <- outbound{topic: topic, payload: payload}:
		return nil
	default:
		return fmt.Errorf("broadcast channel full, dropping %s message", topic)
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket connections
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		id:         uuid.NewString(),
		subscribed: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// Start goroutines for this client
	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed", "client_id", c.id, "error", err)
			}
			break
		}

		// Handle client messages (subscriptions, etc.)
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write failed", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes messages received from the client
func (c *Client) handleMessage(message []byte) {
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.logger.Debug("invalid client message", "client_id", c.id, "error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		var subscribeData struct {
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(msg.Data, &subscribeData); err == nil {
			c.subscribe(subscribeData.Topics)
		}

	case "unsubscribe":
		var unsubscribeData struct {
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(msg.Data, &unsubscribeData); err == nil {
			c.unsubscribe(unsubscribeData.Topics)
		}

	case "ping":
		if pong, err := encode(TypePong, map[string]string{"client_id": c.id}, time.Now()); err == nil && !c.trySend(pong) {
			c.hub.logger.Warn("failed to send pong", "client_id", c.id)
		}

	default:
		c.hub.logger.Debug("unknown client message type", "client_id", c.id, "type", msg.Type)
	}
}

// trySend queues a message without blocking. It reports false when the
// buffer is full or the hub already closed the client.
func (c *Client) trySend(message []byte) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel once
func (c *Client) closeSend() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// subscribe adds topics to client subscription
func (c *Client) subscribe(topics []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, topic := range topics {
		c.subscribed[topic] = true
	}
	c.hub.logger.Debug("client subscribed", "client_id", c.id, "topics", topics)
}

// unsubscribe removes topics from client subscription
func (c *Client) unsubscribe(topics []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, topic := range topics {
		delete(c.subscribed, topic)
	}
	c.hub.logger.Debug("client unsubscribed", "client_id", c.id, "topics", topics)
}

// wants reports whether the client should receive messages of topic
func (c *Client) wants(topic string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.subscribed) == 0 || c.subscribed[topic]
}
