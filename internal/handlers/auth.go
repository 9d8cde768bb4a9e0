package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/coff33ninja/lanrage/internal/party"
	"github.com/coff33ninja/lanrage/internal/store"
)

// AuthHandler issues bearer tokens. Registration is open: a peer announces
// an id (or asks for one) and receives a token bound to that id. Everything
// else on the API requires the token.
type AuthHandler struct {
	store    *store.Store
	tokenTTL time.Duration
}

func NewAuthHandler(st *store.Store, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{store: st, tokenTTL: tokenTTL}
}

type registerRequest struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

type registerResponse struct {
	Token     string    `json:"token"`
	PeerID    string    `json:"peer_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.PeerID) > 128 {
		respondError(w, fmt.Errorf("%w: peer_id too long", party.ErrInvalid))
		return
	}
	token, peerID, expiresAt, err := h.store.IssueToken(req.PeerID, h.tokenTTL)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, registerResponse{
		Token:     token, // shown once; only its hash is stored
		PeerID:    peerID,
		ExpiresAt: expiresAt,
	})
}
