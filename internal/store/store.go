// Package store is the control server's persistent registry: parties,
// peers, relays, and auth tokens in a single embedded sqlite database.
// Multi-row operations run in one transaction; per-row atomicity is the
// database's job.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coff33ninja/lanrage/internal/party"
)

// Store wraps the database handle. The clock is injectable for tests.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// ── Parties & peers ─────────────────────────────────────────────────────────

// CreateParty inserts a party with its founding host. If partyID is empty a
// fresh one is generated, regenerating on the (astronomically rare) insert
// collision. A caller-supplied id that already exists is a conflict.
func (s *Store) CreateParty(partyID, name string, host *party.PeerInfo) (*party.PartyInfo, error) {
	callerID := partyID != ""
	for {
		if partyID == "" {
			var err error
			if partyID, err = party.NewPartyID(); err != nil {
				return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
			}
		}
		pt, err := s.insertParty(partyID, name, host)
		if err == nil {
			return pt, nil
		}
		if errors.Is(err, party.ErrExists) && !callerID {
			partyID = ""
			continue
		}
		return nil, err
	}
}

func (s *Store) insertParty(partyID, name string, host *party.PeerInfo) (*party.PartyInfo, error) {
	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO parties (party_id, name, host_id, created_at)
		VALUES (?, ?, ?, ?)
	`, partyID, name, host.PeerID, now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: party %s", party.ErrExists, partyID)
		}
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}

	// One peer_id belongs to at most one party: creating a party moves the
	// host out of wherever it was.
	if _, err := tx.Exec(`DELETE FROM peers WHERE peer_id = ?`, host.PeerID); err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	if err := upsertPeer(tx, partyID, host, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}

	h := host.Clone()
	h.LastSeen = now
	return &party.PartyInfo{
		PartyID:   partyID,
		Name:      name,
		HostID:    h.PeerID,
		CreatedAt: now,
		Peers:     map[string]*party.PeerInfo{h.PeerID: h},
	}, nil
}

// JoinParty adds (or refreshes) a peer and returns the updated party.
// Membership in any other party is dropped inside the same transaction.
func (s *Store) JoinParty(partyID string, peer *party.PeerInfo) (*party.PartyInfo, error) {
	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT 1 FROM parties WHERE party_id = ?`, partyID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: party %s", party.ErrNotFound, partyID)
		}
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	if _, err := tx.Exec(`DELETE FROM peers WHERE peer_id = ? AND party_id <> ?`, peer.PeerID, partyID); err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	if err := upsertPeer(tx, partyID, peer, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	return s.GetParty(partyID)
}

// upsertPeer writes one peer row inside tx. Rejoin replaces the older record.
func upsertPeer(tx *sql.Tx, partyID string, p *party.PeerInfo, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO peers (party_id, peer_id, name, public_key, nat_type,
		                   public_ip, public_port, local_ip, local_port, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(party_id, peer_id) DO UPDATE SET
			name=excluded.name, public_key=excluded.public_key,
			nat_type=excluded.nat_type,
			public_ip=excluded.public_ip, public_port=excluded.public_port,
			local_ip=excluded.local_ip, local_port=excluded.local_port,
			last_seen=excluded.last_seen
	`, partyID, p.PeerID, p.Name, p.PublicKey, string(p.NATType),
		p.PublicIP, p.PublicPort, p.LocalIP, p.LocalPort, now.Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	return nil
}

// GetParty loads a party with all its peers.
func (s *Store) GetParty(partyID string) (*party.PartyInfo, error) {
	pt := &party.PartyInfo{PartyID: partyID, Peers: map[string]*party.PeerInfo{}}
	var createdUnix int64
	err := s.db.QueryRow(`
		SELECT name, host_id, created_at FROM parties WHERE party_id = ?
	`, partyID).Scan(&pt.Name, &pt.HostID, &createdUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: party %s", party.ErrNotFound, partyID)
		}
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	pt.CreatedAt = time.Unix(createdUnix, 0).UTC()

	peers, err := s.GetPeers(partyID)
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		pt.Peers[p.PeerID] = p
	}
	return pt, nil
}

// GetPeers lists a party's peers. The party must exist.
func (s *Store) GetPeers(partyID string) ([]*party.PeerInfo, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT 1 FROM parties WHERE party_id = ?`, partyID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: party %s", party.ErrNotFound, partyID)
		}
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}

	rows, err := s.db.Query(`
		SELECT peer_id, name, public_key, nat_type,
		       public_ip, public_port, local_ip, local_port, last_seen
		FROM peers WHERE party_id = ?
	`, partyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	defer rows.Close()

	var peers []*party.PeerInfo
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// GetPeer loads one peer.
func (s *Store) GetPeer(partyID, peerID string) (*party.PeerInfo, error) {
	row := s.db.QueryRow(`
		SELECT peer_id, name, public_key, nat_type,
		       public_ip, public_port, local_ip, local_port, last_seen
		FROM peers WHERE party_id = ? AND peer_id = ?
	`, partyID, peerID)
	p, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: peer %s in party %s", party.ErrNotFound, peerID, partyID)
		}
		return nil, err
	}
	return p, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanPeer(row rowScanner) (*party.PeerInfo, error) {
	p := &party.PeerInfo{}
	var nat string
	var lastSeenUnix int64
	err := row.Scan(&p.PeerID, &p.Name, &p.PublicKey, &nat,
		&p.PublicIP, &p.PublicPort, &p.LocalIP, &p.LocalPort, &lastSeenUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	p.NATType = party.NormalizeNATType(party.NATType(nat))
	p.LastSeen = time.Unix(lastSeenUnix, 0).UTC()
	return p, nil
}

// RemovePeer deletes one membership row; the party itself is the reaper's
// business once empty.
func (s *Store) RemovePeer(partyID, peerID string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE party_id = ? AND peer_id = ?`, partyID, peerID)
	if err != nil {
		return fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: peer %s in party %s", party.ErrNotFound, peerID, partyID)
	}
	return nil
}

// UpdatePeer replaces an existing member's record and refreshes last_seen.
func (s *Store) UpdatePeer(partyID string, p *party.PeerInfo) error {
	res, err := s.db.Exec(`
		UPDATE peers SET name=?, public_key=?, nat_type=?,
		       public_ip=?, public_port=?, local_ip=?, local_port=?, last_seen=?
		WHERE party_id = ? AND peer_id = ?
	`, p.Name, p.PublicKey, string(p.NATType),
		p.PublicIP, p.PublicPort, p.LocalIP, p.LocalPort, s.now().Unix(),
		partyID, p.PeerID)
	if err != nil {
		return fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: peer %s in party %s", party.ErrNotFound, p.PeerID, partyID)
	}
	return nil
}

// TouchPeer refreshes last_seen (heartbeat). Never moves it backwards —
// unix seconds are monotone under a sane clock, and equal is fine.
func (s *Store) TouchPeer(partyID, peerID string) error {
	res, err := s.db.Exec(`
		UPDATE peers SET last_seen = MAX(last_seen, ?) WHERE party_id = ? AND peer_id = ?
	`, s.now().Unix(), partyID, peerID)
	if err != nil {
		return fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: peer %s in party %s", party.ErrNotFound, peerID, partyID)
	}
	return nil
}

// ── Auth tokens ─────────────────────────────────────────────────────────────

// IssueToken mints a bearer token bound to peerID. If peerID is empty a
// fresh id is assigned. Only the sha256 of the token is stored.
func (s *Store) IssueToken(peerID string, ttl time.Duration) (token, boundPeerID string, expiresAt time.Time, err error) {
	if peerID == "" {
		peerID = uuid.NewString()
	}
	token, err = party.NewToken()
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	now := s.now()
	expiresAt = now.Add(ttl)
	_, err = s.db.Exec(`
		INSERT INTO auth_tokens (token, peer_id, issued_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, party.HashToken(token), peerID, now.Unix(), expiresAt.Unix())
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	return token, peerID, expiresAt.UTC(), nil
}

// LookupToken resolves a raw bearer token to its bound peer id. Unknown or
// expired tokens are an auth failure, indistinguishable on purpose.
func (s *Store) LookupToken(raw string) (string, error) {
	var peerID string
	var expiresUnix int64
	err := s.db.QueryRow(`
		SELECT peer_id, expires_at FROM auth_tokens WHERE token = ?
	`, party.HashToken(raw)).Scan(&peerID, &expiresUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: unknown token", party.ErrAuth)
		}
		return "", fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	if s.now().Unix() >= expiresUnix {
		return "", fmt.Errorf("%w: token expired", party.ErrAuth)
	}
	return peerID, nil
}

// ── Relays ──────────────────────────────────────────────────────────────────

// UpsertRelay registers or refreshes a relay. An empty relay_id gets one
// assigned; the id is returned either way.
func (s *Store) UpsertRelay(r *party.RelayInfo) (string, error) {
	if r.RelayID == "" {
		r.RelayID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO relays (relay_id, region, endpoint_ip, endpoint_port, capacity, current_load, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(relay_id) DO UPDATE SET
			region=excluded.region, endpoint_ip=excluded.endpoint_ip,
			endpoint_port=excluded.endpoint_port, capacity=excluded.capacity,
			current_load=excluded.current_load, last_seen=excluded.last_seen
	`, r.RelayID, r.Region, r.EndpointIP, r.EndpointPort, r.Capacity, r.CurrentLoad, s.now().Unix())
	if err != nil {
		return "", fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	return r.RelayID, nil
}

// ListRelays returns live relays, optionally restricted to one region.
func (s *Store) ListRelays(region string) ([]*party.RelayInfo, error) {
	q := `SELECT relay_id, region, endpoint_ip, endpoint_port, capacity, current_load, last_seen FROM relays`
	args := []any{}
	if region != "" {
		q += ` WHERE region = ?`
		args = append(args, region)
	}
	q += ` ORDER BY current_load ASC`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
	}
	defer rows.Close()

	relays := []*party.RelayInfo{}
	for rows.Next() {
		r := &party.RelayInfo{}
		var lastSeenUnix int64
		if err := rows.Scan(&r.RelayID, &r.Region, &r.EndpointIP, &r.EndpointPort,
			&r.Capacity, &r.CurrentLoad, &lastSeenUnix); err != nil {
			return nil, fmt.Errorf("%w: %v", party.ErrServer, err)
		}
		r.LastSeen = time.Unix(lastSeenUnix, 0).UTC()
		relays = append(relays, r)
	}
	return relays, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE")
}
