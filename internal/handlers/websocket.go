package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nikhil/surveil/internal/hub"
	"github.com/nikhil/surveil/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards are served from anywhere on the local machine.
		return true
	},
}

// WebSocketHandler upgrades viewer connections and hands them to the hub.
type WebSocketHandler struct {
	hub *hub.Hub
	log *logger.Logger
}

func NewWebSocketHandler(h *hub.Hub, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: h, log: log}
}

// HandleWebSocket serves GET /ws. The optional team query parameter filters
// the initial snapshot.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Warn("Error upgrading connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.hub.ServeClient(conn, r.URL.Query().Get("team"))
}
