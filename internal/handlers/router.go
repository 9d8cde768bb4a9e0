package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/coff33ninja/lanrage/internal/events"
	"github.com/coff33ninja/lanrage/internal/store"
)

// Router assembles the full control-server API: middleware chain, auth and
// party/relay endpoints, and the websocket upgrade.
func Router(st *store.Store, hub *events.Hub, tokenTTL time.Duration, version string) *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)
	r.Use(RateLimitMiddleware)
	r.Use(AuthMiddleware(st))

	r.HandleFunc("/", healthHandler(version)).Methods("GET")

	authHandler := NewAuthHandler(st, tokenTTL)
	r.HandleFunc("/auth/register", authHandler.Register).Methods("POST")

	partyHandler := NewPartyHandler(st, hub)
	r.HandleFunc("/parties", partyHandler.Create).Methods("POST")
	r.HandleFunc("/parties/{id}", partyHandler.Get).Methods("GET")
	r.HandleFunc("/parties/{id}/join", partyHandler.Join).Methods("POST")
	r.HandleFunc("/parties/{id}/peers", partyHandler.ListPeers).Methods("GET")
	r.HandleFunc("/parties/{id}/peers/{peer_id}", partyHandler.GetPeer).Methods("GET")
	r.HandleFunc("/parties/{id}/peers/{peer_id}", partyHandler.Update).Methods("PUT")
	r.HandleFunc("/parties/{id}/peers/{peer_id}", partyHandler.Leave).Methods("DELETE")
	r.HandleFunc("/parties/{id}/peers/{peer_id}/heartbeat", partyHandler.Heartbeat).Methods("POST")
	r.HandleFunc("/parties/{id}/peers/{peer_id}/signal", partyHandler.Signal).Methods("POST")

	relayHandler := NewRelayHandler(st)
	r.HandleFunc("/relays", relayHandler.Register).Methods("POST")
	r.HandleFunc("/relays", relayHandler.List).Methods("GET")
	r.HandleFunc("/relays/{region}", relayHandler.ListRegion).Methods("GET")

	wsHandler := NewWebSocketHandler(st, hub)
	r.HandleFunc("/ws", wsHandler.Handle)

	return r
}

func healthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	}
}
