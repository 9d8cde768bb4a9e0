package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coff33ninja/lanrage/internal/events"
	"github.com/coff33ninja/lanrage/internal/handlers"
	"github.com/coff33ninja/lanrage/internal/party"
	"github.com/coff33ninja/lanrage/internal/store"
)

const Version = "1.2.0"

func main() {
	listenAddr := flag.String("listen-addr", "127.0.0.1:8725", "Listen address")
	dbPath := flag.String("database-path", "/var/lib/lanrage/control.db", "Path to SQLite database")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Auth token lifetime")
	reaperInterval := flag.Duration("reaper-interval", 60*time.Second, "Cleanup interval for stale peers, empty parties, expired tokens, stale relays")
	flag.Parse()

	if *listenAddr == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "lanraged: listen-addr and database-path are required")
		os.Exit(2)
	}
	if *tokenTTL <= 0 || *reaperInterval <= 0 {
		fmt.Fprintln(os.Stderr, "lanraged: token-ttl and reaper-interval must be positive")
		os.Exit(2)
	}

	// WAL keeps reads flowing during writes; busy_timeout rides out
	// checkpoints instead of surfacing "database locked".
	db, err := sql.Open("sqlite3", *dbPath+"?_journal_mode=WAL&_busy_timeout=30000&_synchronous=FULL&_foreign_keys=on")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Clean any leftover WAL from crashes.
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("Warning: initial WAL checkpoint failed: %v", err)
	}

	if err := store.InitSchema(db); err != nil {
		log.Fatalf("Database schema initialization failed: %v", err)
	}

	st := store.New(db)
	hub := events.NewHub()

	reaper := store.NewReaper(st, *reaperInterval, store.DefaultPeerTTL)
	reaper.OnPeerReaped = func(rp store.ReapedPeer) {
		if pt, err := st.GetParty(rp.PartyID); err == nil {
			hub.Broadcast(memberIDs(pt.Peers), "", events.Event{
				Type:    "peer_left",
				PartyID: rp.PartyID,
				PeerID:  rp.PeerID,
			})
		}
	}
	reaper.Start()
	defer reaper.Stop()

	log.Printf("LANRage control server v%s starting...", Version)

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      handlers.Router(st, hub, *tokenTTL, Version),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func memberIDs(peers map[string]*party.PeerInfo) []string {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	return ids
}
