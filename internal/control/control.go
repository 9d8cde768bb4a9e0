// Package control implements the LANRage control plane as seen by the rest
// of the client: party membership, liveness, and rendezvous. Two variants
// satisfy the same contract — a file-backed local core for same-host play
// and a remote client speaking to a central control server. The factory
// picks one from configuration.
package control

import (
	"context"
	"log"

	"github.com/coff33ninja/lanrage/internal/config"
	"github.com/coff33ninja/lanrage/internal/party"
)

// Plane is the contract consumed by the party manager and the NAT/relay
// layer. All returned records are snapshots; mutating them does not touch
// control-plane state.
type Plane interface {
	// Initialize loads persisted state and starts background workers.
	Initialize(ctx context.Context) error
	// Shutdown stops background workers and flushes state to disk.
	Shutdown(ctx context.Context) error

	RegisterParty(ctx context.Context, partyID, name string, host *party.PeerInfo) (*party.PartyInfo, error)
	JoinParty(ctx context.Context, partyID string, peer *party.PeerInfo) (*party.PartyInfo, error)
	LeaveParty(ctx context.Context, partyID, peerID string) error
	UpdatePeer(ctx context.Context, partyID string, peer *party.PeerInfo) error
	GetParty(ctx context.Context, partyID string) (*party.PartyInfo, error)
	GetPeers(ctx context.Context, partyID string) (map[string]*party.PeerInfo, error)
	DiscoverPeer(ctx context.Context, partyID, peerID string) (*party.PeerInfo, error)
	Heartbeat(ctx context.Context, partyID, peerID string) error
}

// New selects the control-plane variant for cfg. Construction performs no
// network I/O; Initialize does. If the remote client cannot be constructed,
// the local variant is returned instead — a LAN party must not die because
// the rendezvous server is misconfigured.
func New(cfg config.Config) Plane {
	if !cfg.RemoteEnabled() {
		return NewLocal(cfg)
	}
	remote, err := NewRemote(cfg)
	if err != nil {
		log.Printf("control: Warning: remote control plane unavailable (%v) — falling back to local", err)
		return NewLocal(cfg)
	}
	return remote
}
