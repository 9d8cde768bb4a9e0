// Package events pushes control-plane changes to connected peers over
// websocket: membership updates to party members, signal blobs to one
// addressee. Delivery is best effort — the authoritative state is always a
// query away, so a dropped frame is never an error.
package events

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/coff33ninja/lanrage/internal/party"
)

// Event is the server-push frame. Type selects the meaningful fields.
type Event struct {
	Type    string           `json:"type"`
	Party   *party.PartyInfo `json:"party,omitempty"`
	PartyID string           `json:"party_id,omitempty"`
	Peer    *party.PeerInfo  `json:"peer,omitempty"`
	PeerID  string           `json:"peer_id,omitempty"`
	From    string           `json:"from,omitempty"`
	To      string           `json:"to,omitempty"`
	Data    json.RawMessage  `json:"data,omitempty"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Hub tracks one websocket connection per peer. Writes happen under the
// lock; frames to a dead connection evict it.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*websocket.Conn
	conns map[*websocket.Conn]string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		peers: make(map[string]*websocket.Conn),
		conns: make(map[*websocket.Conn]string),
	}
}

// Register binds a connection to a peer id. A newer connection for the same
// peer replaces (and closes) the previous one.
func (h *Hub) Register(peerID string, conn *websocket.Conn) {
	h.mu.Lock()
	if old, ok := h.peers[peerID]; ok && old != conn {
		old.Close()
		delete(h.conns, old)
	}
	h.peers[peerID] = conn
	h.conns[conn] = peerID
	total := len(h.peers)
	h.mu.Unlock()
	log.Printf("events: peer %s connected, total: %d", peerID, total)
}

// Unregister drops a connection. No-op if it was already replaced.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	peerID, ok := h.conns[conn]
	if ok {
		delete(h.conns, conn)
		if h.peers[peerID] == conn {
			delete(h.peers, peerID)
		}
		conn.Close()
	}
	total := len(h.peers)
	h.mu.Unlock()
	if ok {
		log.Printf("events: peer %s disconnected, total: %d", peerID, total)
	}
}

// Connected reports whether a peer currently holds a streaming connection.
func (h *Hub) Connected(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[peerID]
	return ok
}

// SendTo delivers one event to one peer. Returns false when the peer has no
// live connection or the write fails (the connection is then evicted).
func (h *Hub) SendTo(peerID string, ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.peers[peerID]
	if !ok {
		return false
	}
	if err := conn.WriteJSON(ev); err != nil {
		log.Printf("events: write to %s: %v", peerID, err)
		conn.Close()
		delete(h.peers, peerID)
		delete(h.conns, conn)
		return false
	}
	return true
}

// Broadcast delivers an event to every listed peer, skipping excludePeerID
// (usually the actor that caused the event). Dead connections are evicted.
func (h *Hub) Broadcast(peerIDs []string, excludePeerID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range peerIDs {
		if id == excludePeerID {
			continue
		}
		conn, ok := h.peers[id]
		if !ok {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("events: write to %s: %v", id, err)
			conn.Close()
			delete(h.peers, id)
			delete(h.conns, conn)
		}
	}
}
