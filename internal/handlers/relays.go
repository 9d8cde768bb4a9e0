package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/coff33ninja/lanrage/internal/party"
	"github.com/coff33ninja/lanrage/internal/store"
)

// RelayHandler serves the relay registry. Relays are data-plane forwarders
// that re-register periodically; entries age out through the reaper.
type RelayHandler struct {
	store *store.Store
}

func NewRelayHandler(st *store.Store) *RelayHandler {
	return &RelayHandler{store: st}
}

// Register handles POST /relays — create or refresh a relay registration.
func (h *RelayHandler) Register(w http.ResponseWriter, r *http.Request) {
	var relay party.RelayInfo
	if err := decodeJSON(r, &relay); err != nil {
		respondError(w, err)
		return
	}
	if relay.EndpointIP == "" || relay.EndpointPort == 0 {
		respondError(w, fmt.Errorf("%w: relay endpoint is required", party.ErrInvalid))
		return
	}
	id, err := h.store.UpsertRelay(&relay)
	if err != nil {
		respondError(w, err)
		return
	}
	relay.RelayID = id
	respondJSON(w, http.StatusCreated, &relay)
}

// List handles GET /relays.
func (h *RelayHandler) List(w http.ResponseWriter, r *http.Request) {
	relays, err := h.store.ListRelays("")
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, relays)
}

// ListRegion handles GET /relays/{region}.
func (h *RelayHandler) ListRegion(w http.ResponseWriter, r *http.Request) {
	relays, err := h.store.ListRelays(mux.Vars(r)["region"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, relays)
}
