package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coff33ninja/lanrage/internal/party"
	"github.com/coff33ninja/lanrage/internal/store"
)

type contextKey string

// peerIDKey carries the authenticated peer id through the request context.
const peerIDKey contextKey = "peer_id"

// PeerID returns the authenticated peer id for the request ("" on public
// endpoints).
func PeerID(r *http.Request) string {
	id, _ := r.Context().Value(peerIDKey).(string)
	return id
}

// LoggingMiddleware logs method, path, and duration for every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	})
}

// AuthMiddleware enforces bearer-token auth on every endpoint except the
// health check, token issuance, and the websocket upgrade (which carries
// its token in the hello frame). The bound peer id lands in the context.
func AuthMiddleware(st *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/" || r.URL.Path == "/auth/register" || r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}

			raw := bearerToken(r)
			if raw == "" {
				respondError(w, fmt.Errorf("%w: missing bearer token", party.ErrAuth))
				return
			}
			peerID, err := st.LookupToken(raw)
			if err != nil {
				respondError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), peerIDKey, peerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// Per-IP sliding-window rate limiting.
var (
	rateLimitMu   sync.Mutex
	requestCounts = make(map[string][]time.Time)
	maxRequests   = 300
	timeWindow    = time.Minute
)

// RateLimitMiddleware rejects IPs that exceed maxRequests per minute.
func RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if i := strings.LastIndex(ip, ":"); i > 0 {
			ip = ip[:i]
		}

		rateLimitMu.Lock()
		now := time.Now()
		var recent []time.Time
		for _, t := range requestCounts[ip] {
			if now.Sub(t) < timeWindow {
				recent = append(recent, t)
			}
		}
		if len(recent) >= maxRequests {
			requestCounts[ip] = recent
			rateLimitMu.Unlock()
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		requestCounts[ip] = append(recent, now)
		rateLimitMu.Unlock()

		next.ServeHTTP(w, r)
	})
}
