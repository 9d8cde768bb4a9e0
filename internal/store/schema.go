package store

import (
	"database/sql"
	"fmt"
)

// InitSchema creates all required tables if they don't exist.
// Uses IF NOT EXISTS — safe to call on every startup.
func InitSchema(db *sql.DB) error {
	tables := []string{
		// ── Party registry ──
		`CREATE TABLE IF NOT EXISTS parties (
			party_id   TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			host_id    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		// ── Party membership ──
		`CREATE TABLE IF NOT EXISTS peers (
			party_id    TEXT NOT NULL,
			peer_id     TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			public_key  TEXT NOT NULL DEFAULT '',
			nat_type    TEXT NOT NULL DEFAULT 'unknown',
			public_ip   TEXT NOT NULL DEFAULT '',
			public_port INTEGER NOT NULL DEFAULT 0,
			local_ip    TEXT NOT NULL DEFAULT '',
			local_port  INTEGER NOT NULL DEFAULT 0,
			last_seen   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (party_id, peer_id),
			FOREIGN KEY (party_id) REFERENCES parties(party_id) ON DELETE CASCADE
		)`,

		// ── Relay registry (data plane metadata only) ──
		`CREATE TABLE IF NOT EXISTS relays (
			relay_id      TEXT PRIMARY KEY,
			region        TEXT NOT NULL DEFAULT '',
			endpoint_ip   TEXT NOT NULL,
			endpoint_port INTEGER NOT NULL,
			capacity      INTEGER NOT NULL DEFAULT 0,
			current_load  INTEGER NOT NULL DEFAULT 0,
			last_seen     INTEGER NOT NULL DEFAULT 0
		)`,

		// ── Bearer tokens (sha256 of the raw token) ──
		`CREATE TABLE IF NOT EXISTS auth_tokens (
			token      TEXT PRIMARY KEY,
			peer_id    TEXT NOT NULL,
			issued_at  INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,

		// ── Indexes for membership and reaper scans ──
		`CREATE INDEX IF NOT EXISTS idx_peers_party ON peers(party_id)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_peer ON peers(peer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_expires ON auth_tokens(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_relays_last_seen ON relays(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_relays_region ON relays(region)`,
	}

	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema init failed: %w", err)
		}
	}
	return nil
}
