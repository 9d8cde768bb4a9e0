package store

import (
	"fmt"
	"log"
	"time"
)

const (
	// DefaultPeerTTL matches the client liveness window.
	DefaultPeerTTL = 5 * time.Minute
	// DefaultRelayTTL — relays heartbeat far more often than peers.
	DefaultRelayTTL = 2 * time.Minute
)

// ReapedPeer identifies a membership row removed for staleness.
type ReapedPeer struct {
	PartyID string
	PeerID  string
}

// Reaper periodically clears stale peers, empty parties, expired tokens,
// and stale relays. Each step runs in its own short transaction so a slow
// delete never holds locks across steps. A bad row is logged, never fatal.
type Reaper struct {
	store    *Store
	interval time.Duration
	peerTTL  time.Duration
	relayTTL time.Duration

	// Observers let the server push peer_left / party_deleted events for
	// reaped rows. Either may be nil.
	OnPeerReaped    func(ReapedPeer)
	OnPartyDeleted  func(partyID string)

	stopCh chan struct{}
}

// NewReaper builds a reaper over the store.
func NewReaper(s *Store, interval, peerTTL time.Duration) *Reaper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if peerTTL <= 0 {
		peerTTL = DefaultPeerTTL
	}
	return &Reaper{
		store:    s,
		interval: interval,
		peerTTL:  peerTTL,
		relayTTL: DefaultRelayTTL,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background loop.
func (r *Reaper) Start() {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.RunOnce()
			}
		}
	}()
	log.Printf("store: reaper started (interval=%v peer_ttl=%v)", r.interval, r.peerTTL)
}

// Stop halts the loop.
func (r *Reaper) Stop() { close(r.stopCh) }

// RunOnce executes all four cleanup steps. Exported so tests can drive it
// deterministically.
func (r *Reaper) RunOnce() {
	if peers, err := r.reapStalePeers(); err != nil {
		log.Printf("store: Warning: reap peers: %v", err)
	} else {
		for _, rp := range peers {
			if r.OnPeerReaped != nil {
				r.OnPeerReaped(rp)
			}
		}
	}
	if parties, err := r.reapEmptyParties(); err != nil {
		log.Printf("store: Warning: reap parties: %v", err)
	} else {
		for _, id := range parties {
			if r.OnPartyDeleted != nil {
				r.OnPartyDeleted(id)
			}
		}
	}
	if n, err := r.deleteExpiredTokens(); err != nil {
		log.Printf("store: Warning: reap tokens: %v", err)
	} else if n > 0 {
		log.Printf("store: purged %d expired tokens", n)
	}
	if n, err := r.reapStaleRelays(); err != nil {
		log.Printf("store: Warning: reap relays: %v", err)
	} else if n > 0 {
		log.Printf("store: dropped %d stale relays", n)
	}
}

func (r *Reaper) reapStalePeers() ([]ReapedPeer, error) {
	cutoff := r.store.now().Add(-r.peerTTL).Unix()
	tx, err := r.store.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT party_id, peer_id FROM peers WHERE last_seen < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var reaped []ReapedPeer
	for rows.Next() {
		var rp ReapedPeer
		if err := rows.Scan(&rp.PartyID, &rp.PeerID); err != nil {
			rows.Close()
			return nil, err
		}
		reaped = append(reaped, rp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(reaped) == 0 {
		return nil, tx.Commit()
	}
	if _, err := tx.Exec(`DELETE FROM peers WHERE last_seen < ?`, cutoff); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, rp := range reaped {
		log.Printf("store: reaped stale peer %s from party %s", rp.PeerID, rp.PartyID)
	}
	return reaped, nil
}

func (r *Reaper) reapEmptyParties() ([]string, error) {
	tx, err := r.store.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT party_id FROM parties p
		WHERE NOT EXISTS (SELECT 1 FROM peers WHERE peers.party_id = p.party_id)
	`)
	if err != nil {
		return nil, err
	}
	var empty []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		empty = append(empty, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range empty {
		if _, err := tx.Exec(`DELETE FROM parties WHERE party_id = ?`, id); err != nil {
			return nil, err
		}
		log.Printf("store: deleted empty party %s", id)
	}
	return empty, tx.Commit()
}

func (r *Reaper) deleteExpiredTokens() (int64, error) {
	res, err := r.store.db.Exec(`DELETE FROM auth_tokens WHERE expires_at < ?`, r.store.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Reaper) reapStaleRelays() (int64, error) {
	cutoff := r.store.now().Add(-r.relayTTL).Unix()
	res, err := r.store.db.Exec(`DELETE FROM relays WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Describe returns a one-line summary of the reaper's schedule and TTLs.
func (r *Reaper) Describe() string {
	return fmt.Sprintf("every %v (peer ttl %v, relay ttl %v)", r.interval, r.peerTTL, r.relayTTL)
}
