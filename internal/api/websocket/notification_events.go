package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
)

// NotificationEventType represents the type of a stream message
type NotificationEventType string

const (
	EventNotification NotificationEventType = "notification"
	EventConnected    NotificationEventType = "connection.established"
	EventPong         NotificationEventType = "pong"
)

// NotificationEvent is one message on the notification stream
type NotificationEvent struct {
	ID           string                   `json:"id"`
	Type         NotificationEventType    `json:"type"`
	Timestamp    time.Time                `json:"timestamp"`
	Notification *compliance.Notification `json:"notification,omitempty"`
	Data         map[string]interface{}   `json:"data,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	clientBuffer   = 16
)

// NotificationHub fans tracker notifications out to connected dashboards.
// It satisfies the tracker's Notifier: Notify never blocks and drops the
// notification when the hub is saturated.
type NotificationHub struct {
	logger      *zap.Logger
	clients     map[uuid.UUID]*NotificationClient
	clientsLock sync.RWMutex
	broadcast   chan *NotificationEvent
	register    chan *NotificationClient
	unregister  chan *NotificationClient
	done        chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Int64
	now         func() time.Time
}

// NotificationClient is a websocket connection subscribed to the stream
type NotificationClient struct {
	ID          uuid.UUID
	conn        *websocket.Conn
	send        chan *NotificationEvent
	hub         *NotificationHub
	subject     string
	connectedAt time.Time

	filterMu sync.RWMutex
	variants []compliance.Variant
}

// NewNotificationHub creates a hub; call Run to start it
func NewNotificationHub(logger *zap.Logger) *NotificationHub {
	return &NotificationHub{
		logger:     logger.Named("notification_hub"),
		clients:    make(map[uuid.UUID]*NotificationClient),
		broadcast:  make(chan *NotificationEvent, 100),
		register:   make(chan *NotificationClient),
		unregister: make(chan *NotificationClient),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Run starts the event hub
func (h *NotificationHub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			h.shutdown()
			return
		case <-h.done:
			h.shutdown()
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case event := <-h.broadcast:
			h.broadcastEvent(event)
		case <-ticker.C:
			h.pingClients()
		}
	}
}

// Stop gracefully shuts down the hub
func (h *NotificationHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Notify queues n for every connected client
func (h *NotificationHub) Notify(_ context.Context, n compliance.Notification) {
	event := &NotificationEvent{
		ID:           uuid.NewString(),
		Type:         EventNotification,
		Timestamp:    h.now().UTC(),
		Notification: &n,
	}

	select {
	case <-h.done:
		h.dropped.Add(1)
	case h.broadcast <- event:
	default:
		h.dropped.Add(1)
		h.logger.Warn("notification hub saturated, dropping notification",
			zap.String("title", n.Title))
	}
}

// Dropped counts notifications that were not queued
func (h *NotificationHub) Dropped() int64 {
	return h.dropped.Load()
}

// ClientCount returns the number of connected clients
func (h *NotificationHub) ClientCount() int {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()
	return len(h.clients)
}

// RegisterClient registers a new WebSocket client
func (h *NotificationHub) RegisterClient(client *NotificationClient) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// UnregisterClient unregisters a WebSocket client
func (h *NotificationHub) UnregisterClient(client *NotificationClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *NotificationHub) registerClient(client *NotificationClient) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	h.clients[client.ID] = client
	h.logger.Info("WebSocket client registered",
		zap.String("client_id", client.ID.String()),
		zap.String("subject", client.subject),
	)

	welcome := &NotificationEvent{
		ID:        uuid.NewString(),
		Type:      EventConnected,
		Timestamp: h.now().UTC(),
		Data: map[string]interface{}{
			"client_id": client.ID.String(),
			"message":   "Connected to compliance notification stream",
		},
	}

	select {
	case client.send <- welcome:
	default:
	}
}

func (h *NotificationHub) unregisterClient(client *NotificationClient) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if _, exists := h.clients[client.ID]; exists {
		delete(h.clients, client.ID)
		close(client.send)
		h.logger.Info("WebSocket client unregistered",
			zap.String("client_id", client.ID.String()),
		)
	}
}

func (h *NotificationHub) broadcastEvent(event *NotificationEvent) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	for id, client := range h.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.send <- event:
		default:
			// a client that cannot keep up is disconnected
			h.logger.Warn("Client send channel full, closing connection",
				zap.String("client_id", id.String()),
			)
			delete(h.clients, id)
			close(client.send)
		}
	}
}

func (h *NotificationHub) pingClients() {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	for _, client := range h.clients {
		if err := client.conn.WriteControl(
			websocket.PingMessage,
			nil,
			time.Now().Add(writeWait),
		); err != nil {
			h.logger.Debug("Failed to ping client",
				zap.String("client_id", client.ID.String()),
				zap.Error(err),
			)
		}
	}
}

func (h *NotificationHub) shutdown() {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[uuid.UUID]*NotificationClient)
}

// NewNotificationClient creates a client for an upgraded connection
func NewNotificationClient(conn *websocket.Conn, hub *NotificationHub, subject string) *NotificationClient {
	return &NotificationClient{
		ID:          uuid.New(),
		conn:        conn,
		send:        make(chan *NotificationEvent, clientBuffer),
		hub:         hub,
		subject:     subject,
		connectedAt: hub.now().UTC(),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *NotificationClient) ReadPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error",
					zap.String("client_id", c.ID.String()),
					zap.Error(err),
				)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Debug("Failed to parse client message",
				zap.String("client_id", c.ID.String()),
				zap.Error(err),
			)
			continue
		}

		switch msg.Type {
		case "update_filters":
			c.setVariants(msg.Filters.Variants)
		case "ping":
			c.hub.reply(c, &NotificationEvent{
				ID:        uuid.NewString(),
				Type:      EventPong,
				Timestamp: c.hub.now().UTC(),
			})
		}
	}
}

// reply sends directly to one client unless it has been unregistered
func (h *NotificationHub) reply(c *NotificationClient, event *NotificationEvent) {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- event:
	default:
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *NotificationClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientMessage struct {
	Type    string `json:"type"`
	Filters struct {
		Variants []compliance.Variant `json:"variants"`
	} `json:"filters"`
}

func (c *NotificationClient) setVariants(variants []compliance.Variant) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	c.variants = variants

	c.hub.logger.Debug("Client filters updated",
		zap.String("client_id", c.ID.String()),
		zap.Any("variants", variants),
	)
}

func (c *NotificationClient) wants(event *NotificationEvent) bool {
	if event.Notification == nil {
		return true
	}

	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	if len(c.variants) == 0 {
		return true
	}
	for _, v := range c.variants {
		if v == event.Notification.Variant {
			return true
		}
	}
	return false
}
