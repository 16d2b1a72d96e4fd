package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SubjectFunc resolves the authenticated caller of a request, if any
type SubjectFunc func(r *http.Request) string

// Handler manages WebSocket endpoints
type Handler struct {
	logger   *zap.Logger
	hub      *NotificationHub
	upgrader websocket.Upgrader
	subject  SubjectFunc
	started  time.Time
}

// NewHandler creates a websocket handler over hub. An empty allowedOrigins
// accepts same-host origins only.
func NewHandler(hub *NotificationHub, allowedOrigins []string, subject SubjectFunc, logger *zap.Logger) *Handler {
	if subject == nil {
		subject = func(*http.Request) string { return "anonymous" }
	}
	return &Handler{
		logger: logger.Named("websocket"),
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		subject: subject,
		started: time.Now(),
	}
}

// Start runs the hub until ctx is cancelled
func (h *Handler) Start(ctx context.Context) {
	go h.hub.Run(ctx)
}

// Stop gracefully shuts down the WebSocket handler
func (h *Handler) Stop() {
	h.hub.Stop()
}

// Hub returns the notification hub
func (h *Handler) Hub() *NotificationHub {
	return h.hub
}

// HandleNotifications upgrades the request and streams notifications
func (h *Handler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		return
	}

	client := NewNotificationClient(conn, h.hub, h.subject(r))
	if !h.hub.RegisterClient(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketInfo provides information about active WebSocket connections
type WebSocketInfo struct {
	ActiveConnections int           `json:"active_connections"`
	Dropped           int64         `json:"dropped_notifications"`
	Uptime            time.Duration `json:"uptime"`
}

// Info returns information about active WebSocket connections
func (h *Handler) Info() WebSocketInfo {
	return WebSocketInfo{
		ActiveConnections: h.hub.ClientCount(),
		Dropped:           h.hub.Dropped(),
		Uptime:            time.Since(h.started),
	}
}

// HealthCheck verifies the WebSocket handler is functioning
func (h *Handler) HealthCheck() error {
	select {
	case <-h.hub.done:
		return ErrEventHubNotRunning
	default:
		return nil
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// Errors
var (
	ErrEventHubNotRunning = &WebSocketError{Code: "WS001", Message: "Event hub is not running"}
)

// WebSocketError represents a WebSocket-specific error
type WebSocketError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WebSocketError) Error() string {
	return e.Code + ": " + e.Message
}
