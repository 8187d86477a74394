package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sentinel/internal/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is token protected, origin is not checked
		return true
	},
}

// Handler upgrades feed requests. Paths:
//
//	/ws/events            every camera the token allows
//	/ws/events/{camera}   one camera
type Handler struct {
	hub    *Hub
	prefix string
}

// NewHandler creates a handler mounted at prefix, e.g. "/ws/events"
func NewHandler(hub *Hub, prefix string) *Handler {
	return &Handler{hub: hub, prefix: strings.TrimSuffix(prefix, "/")}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cameraID := strings.Trim(strings.TrimPrefix(r.URL.Path, h.prefix), "/")

	var cameras []string
	claims := middleware.ClaimsFromContext(r.Context())
	switch {
	case cameraID != "":
		if claims != nil && !claims.Allows(cameraID) {
			http.Error(w, `{"error": "camera not allowed"}`, http.StatusForbidden)
			return
		}
		cameras = []string{cameraID}
	case claims != nil:
		cameras = claims.Cameras
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "err", err)
		return
	}
	slog.Info("ws: client connected", "remote", r.RemoteAddr, "cameras", cameras)

	client := NewClient(cameras...)
	h.hub.Register(client)

	go h.writePump(client, conn)
	h.readPump(client, conn)
}

// readPump only detects disconnection; clients do not send messages
func (h *Handler) readPump(client *Client, conn *websocket.Conn) {
	defer h.hub.Unregister(client)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws: read error", "err", err)
			}
			return
		}
	}
}

// writePump is the only writer of conn
func (h *Handler) writePump(client *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.hub.Unregister(client)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Unregister(client)
				return
			}
		}
	}
}
