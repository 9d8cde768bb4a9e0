package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/coff33ninja/lanrage/internal/events"
	"github.com/coff33ninja/lanrage/internal/party"
	"github.com/coff33ninja/lanrage/internal/store"
)

// PartyHandler serves the party/peer endpoints and pushes membership events
// to connected party members through the hub.
type PartyHandler struct {
	store *store.Store
	hub   *events.Hub
}

func NewPartyHandler(st *store.Store, hub *events.Hub) *PartyHandler {
	return &PartyHandler{store: st, hub: hub}
}

type createPartyRequest struct {
	PartyID string          `json:"party_id"`
	Name    string          `json:"name"`
	Host    *party.PeerInfo `json:"host"`
}

// Create handles POST /parties. The authenticated peer becomes the host.
func (h *PartyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPartyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Host == nil || req.Host.PeerID == "" {
		respondError(w, fmt.Errorf("%w: host peer is required", party.ErrInvalid))
		return
	}
	if req.Host.PeerID != PeerID(r) {
		respondError(w, fmt.Errorf("%w: token is not bound to host peer %s", party.ErrAuth, req.Host.PeerID))
		return
	}
	if req.PartyID != "" {
		if err := party.ValidatePartyID(req.PartyID); err != nil {
			respondError(w, err)
			return
		}
	}
	if !party.ValidNATType(req.Host.NATType) {
		respondError(w, fmt.Errorf("%w: nat_type %q", party.ErrInvalid, req.Host.NATType))
		return
	}

	pt, err := h.store.CreateParty(req.PartyID, req.Name, req.Host)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, pt)
}

// Get handles GET /parties/{id}.
func (h *PartyHandler) Get(w http.ResponseWriter, r *http.Request) {
	pt, err := h.store.GetParty(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pt)
}

// Join handles POST /parties/{id}/join. The joining record must describe
// the authenticated peer.
func (h *PartyHandler) Join(w http.ResponseWriter, r *http.Request) {
	partyID := mux.Vars(r)["id"]
	var peer party.PeerInfo
	if err := decodeJSON(r, &peer); err != nil {
		respondError(w, err)
		return
	}
	if peer.PeerID == "" {
		respondError(w, fmt.Errorf("%w: peer_id is required", party.ErrInvalid))
		return
	}
	if peer.PeerID != PeerID(r) {
		respondError(w, fmt.Errorf("%w: token is not bound to peer %s", party.ErrAuth, peer.PeerID))
		return
	}
	if !party.ValidNATType(peer.NATType) {
		respondError(w, fmt.Errorf("%w: nat_type %q", party.ErrInvalid, peer.NATType))
		return
	}

	pt, err := h.store.JoinParty(partyID, &peer)
	if err != nil {
		respondError(w, err)
		return
	}
	h.hub.Broadcast(peerIDs(pt), peer.PeerID, events.Event{
		Type:    "peer_joined",
		PartyID: partyID,
		Peer:    pt.Peers[peer.PeerID],
	})
	respondJSON(w, http.StatusOK, pt)
}

// Leave handles DELETE /parties/{id}/peers/{peer_id}. Only the peer itself
// may remove its membership.
func (h *PartyHandler) Leave(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	partyID, peerID := vars["id"], vars["peer_id"]
	if peerID != PeerID(r) {
		respondError(w, fmt.Errorf("%w: token is not bound to peer %s", party.ErrAuth, peerID))
		return
	}
	if err := h.store.RemovePeer(partyID, peerID); err != nil {
		respondError(w, err)
		return
	}
	if pt, err := h.store.GetParty(partyID); err == nil {
		h.hub.Broadcast(peerIDs(pt), peerID, events.Event{
			Type:    "peer_left",
			PartyID: partyID,
			PeerID:  peerID,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPeers handles GET /parties/{id}/peers.
func (h *PartyHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := h.store.GetPeers(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	if peers == nil {
		peers = []*party.PeerInfo{}
	}
	respondJSON(w, http.StatusOK, peers)
}

// GetPeer handles GET /parties/{id}/peers/{peer_id} — peer discovery. Any
// party member may read any member's NAT metadata.
func (h *PartyHandler) GetPeer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := h.store.GetPeer(vars["id"], vars["peer_id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Update handles PUT /parties/{id}/peers/{peer_id} — a peer republishing
// its own endpoint/NAT metadata.
func (h *PartyHandler) Update(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	partyID, peerID := vars["id"], vars["peer_id"]
	if peerID != PeerID(r) {
		respondError(w, fmt.Errorf("%w: token is not bound to peer %s", party.ErrAuth, peerID))
		return
	}
	var peer party.PeerInfo
	if err := decodeJSON(r, &peer); err != nil {
		respondError(w, err)
		return
	}
	peer.PeerID = peerID
	if !party.ValidNATType(peer.NATType) {
		respondError(w, fmt.Errorf("%w: nat_type %q", party.ErrInvalid, peer.NATType))
		return
	}
	if err := h.store.UpdatePeer(partyID, &peer); err != nil {
		respondError(w, err)
		return
	}
	if pt, err := h.store.GetParty(partyID); err == nil {
		h.hub.Broadcast(peerIDs(pt), peerID, events.Event{
			Type:  "party_update",
			Party: pt,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles POST /parties/{id}/peers/{peer_id}/heartbeat.
func (h *PartyHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	partyID, peerID := vars["id"], vars["peer_id"]
	if peerID != PeerID(r) {
		respondError(w, fmt.Errorf("%w: token is not bound to peer %s", party.ErrAuth, peerID))
		return
	}
	if err := h.store.TouchPeer(partyID, peerID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type signalRequest struct {
	Data json.RawMessage `json:"data"`
}

// Signal handles POST /parties/{id}/peers/{peer_id}/signal: forward an
// opaque blob to the addressed peer's streaming connection. The control
// plane never inspects the payload.
func (h *PartyHandler) Signal(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	partyID, toPeerID := vars["id"], vars["peer_id"]
	from := PeerID(r)

	// Both ends must be members.
	if _, err := h.store.GetPeer(partyID, toPeerID); err != nil {
		respondError(w, err)
		return
	}
	if _, err := h.store.GetPeer(partyID, from); err != nil {
		respondError(w, fmt.Errorf("%w: sender is not a member of party %s", party.ErrAuth, partyID))
		return
	}

	var req signalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	delivered := h.hub.SendTo(toPeerID, events.Event{
		Type:    "signal",
		PartyID: partyID,
		From:    from,
		To:      toPeerID,
		Data:    req.Data,
	})
	if !delivered {
		respondError(w, fmt.Errorf("%w: peer %s has no streaming connection", party.ErrUnavailable, toPeerID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func peerIDs(pt *party.PartyInfo) []string {
	ids := make([]string, 0, len(pt.Peers))
	for id := range pt.Peers {
		ids = append(ids, id)
	}
	return ids
}
