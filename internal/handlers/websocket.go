package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coff33ninja/lanrage/internal/events"
	"github.com/coff33ninja/lanrage/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients are daemons, not browsers; origin checks add nothing here.
		return true
	},
}

const helloTimeout = 10 * time.Second

// helloFrame is the first client message on a fresh connection: its bearer
// token and the peer id it claims.
type helloFrame struct {
	Type   string `json:"type"`
	Token  string `json:"token"`
	PeerID string `json:"peer_id"`
}

// WebSocketHandler upgrades GET /ws and authenticates the hello frame
// before handing the connection to the events hub.
type WebSocketHandler struct {
	store *store.Store
	hub   *events.Hub
}

func NewWebSocketHandler(st *store.Store, hub *events.Hub) *WebSocketHandler {
	return &WebSocketHandler{store: st, hub: hub}
}

// Handle is the /ws endpoint.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: upgrade: %v", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello helloFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		conn.WriteJSON(events.Event{Type: "error", Code: "invalid", Message: "expected hello frame"})
		conn.Close()
		return
	}
	boundPeerID, err := h.store.LookupToken(hello.Token)
	if err != nil || boundPeerID != hello.PeerID {
		conn.WriteJSON(events.Event{Type: "error", Code: "auth", Message: "bad or mismatched token"})
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	h.hub.Register(boundPeerID, conn)
	go h.readLoop(conn)
}

// readLoop drains inbound frames until the connection dies. The channel is
// server-push; anything the client sends beyond the hello is ignored (a
// signal must go through the HTTP endpoint, where membership is checked).
func (h *WebSocketHandler) readLoop(conn *websocket.Conn) {
	defer h.hub.Unregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("events: read: %v", err)
			}
			return
		}
	}
}
