package handler

import (
	"log"
	"net/http"

	"p8fs-auth/internal/middleware"
	"p8fs-auth/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

// WebSocketHandler upgrades authenticated devices onto the tenant event
// stream.
type WebSocketHandler struct {
	manager  *websocket.Manager
	auth     middleware.Authenticator
	upgrader ws.Upgrader
}

func NewWebSocketHandler(manager *websocket.Manager, auth middleware.Authenticator, readBufferSize, writeBufferSize int) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
		auth:    auth,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		log.Printf("[WebSocket] Missing authorization token")
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	caller, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		log.Printf("[WebSocket] Token rejected: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] Failed to upgrade connection: %v", err)
		return
	}

	log.Printf("[WebSocket] Device %s connected for tenant %s", caller.DeviceID, caller.TenantID)

	client := websocket.NewClient(uuid.New().String(), caller.TenantID, caller.DeviceID, conn, h.manager)
	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketMessageHandler answers client frames. Devices only listen, so
// the one request they send is ping.
type WebSocketMessageHandler struct {
	manager *websocket.Manager
}

func NewWebSocketMessageHandler(manager *websocket.Manager) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{manager: manager}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypePing:
		pong, err := websocket.NewMessage(websocket.TypePong, nil)
		if err != nil {
			return err
		}
		return h.manager.SendToClient(client, pong)
	default:
		log.Printf("[WebSocket] Ignoring %s frame from device %s", msg.Type, client.DeviceID)
	}
	return nil
}
