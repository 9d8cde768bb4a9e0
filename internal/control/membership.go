package control

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coff33ninja/lanrage/internal/party"
	"github.com/coff33ninja/lanrage/internal/persist"
)

const (
	// DefaultStaleTTL is how long a peer survives without a heartbeat.
	DefaultStaleTTL = 5 * time.Minute
	// DefaultReaperInterval is how often stale peers and empty parties
	// are collected.
	DefaultReaperInterval = 60 * time.Second
)

// membershipState is the persisted snapshot shape of the party map.
type membershipState struct {
	Parties map[string]*party.PartyInfo `json:"parties"`
}

// Membership is the in-memory membership core. One mutex guards the party
// map; every critical section is O(1) per operation, so contention stays
// negligible at party scale (a handful of peers). Mutations queue a
// write-behind persist and never wait on disk.
type Membership struct {
	mu      sync.Mutex
	parties map[string]*party.PartyInfo

	persister      *persist.Persister
	staleTTL       time.Duration
	reaperInterval time.Duration
	now            func() time.Time

	stopCh  chan struct{}
	stopped sync.Once

	// onChange, when set, observes every committed mutation with a snapshot
	// of the affected party (nil after deletion). The local variant uses it
	// to mirror announcements into the discovery file.
	onChange func(partyID string, snapshot *party.PartyInfo)
}

// NewMembership creates the core with its state file at statePath.
func NewMembership(statePath string, staleTTL, reaperInterval time.Duration) *Membership {
	if staleTTL <= 0 {
		staleTTL = DefaultStaleTTL
	}
	if reaperInterval <= 0 {
		reaperInterval = DefaultReaperInterval
	}
	return &Membership{
		parties:        make(map[string]*party.PartyInfo),
		persister:      persist.New(statePath),
		staleTTL:       staleTTL,
		reaperInterval: reaperInterval,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
}

// Initialize loads the persisted snapshot (best effort) and starts the
// reaper. A broken state file is not fatal — the core starts empty.
func (m *Membership) Initialize(ctx context.Context) error {
	var state membershipState
	if m.persister.Load(&state) && state.Parties != nil {
		m.mu.Lock()
		for id, pt := range state.Parties {
			for _, peer := range pt.Peers {
				peer.NATType = party.NormalizeNATType(peer.NATType)
			}
			m.parties[id] = pt
		}
		m.mu.Unlock()
		log.Printf("control: loaded %d persisted parties", len(state.Parties))
	}
	go m.reaperLoop()
	return nil
}

// Shutdown stops the reaper and flushes pending state.
func (m *Membership) Shutdown(ctx context.Context) error {
	m.stopped.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	m.queuePersistLocked()
	m.mu.Unlock()
	m.persister.Flush()
	return nil
}

// RegisterParty creates a party with host as its founding member.
func (m *Membership) RegisterParty(ctx context.Context, partyID, name string, host *party.PeerInfo) (*party.PartyInfo, error) {
	if err := party.ValidatePartyID(partyID); err != nil {
		return nil, err
	}
	if err := validatePeer(host); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.parties[partyID]; exists {
		return nil, fmt.Errorf("%w: party %s", party.ErrExists, partyID)
	}

	h := host.Clone()
	h.LastSeen = m.now()
	pt := &party.PartyInfo{
		PartyID:   partyID,
		Name:      name,
		HostID:    h.PeerID,
		CreatedAt: m.now(),
		Peers:     map[string]*party.PeerInfo{h.PeerID: h},
	}
	m.parties[partyID] = pt
	m.commitLocked(pt)
	return pt.Clone(), nil
}

// JoinParty adds peer to an existing party. Rejoining with a peer_id that is
// already a member replaces the older record.
func (m *Membership) JoinParty(ctx context.Context, partyID string, peer *party.PeerInfo) (*party.PartyInfo, error) {
	if err := validatePeer(peer); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: party %s", party.ErrNotFound, partyID)
	}
	p := peer.Clone()
	p.LastSeen = m.now()
	pt.Peers[p.PeerID] = p
	m.commitLocked(pt)
	return pt.Clone(), nil
}

// LeaveParty removes the peer. The party itself lives until the reaper sees
// it empty, or is dropped immediately when its last member leaves.
func (m *Membership) LeaveParty(ctx context.Context, partyID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.parties[partyID]
	if !ok {
		return fmt.Errorf("%w: party %s", party.ErrNotFound, partyID)
	}
	if _, ok := pt.Peers[peerID]; !ok {
		return fmt.Errorf("%w: peer %s in party %s", party.ErrNotFound, peerID, partyID)
	}
	delete(pt.Peers, peerID)
	if len(pt.Peers) == 0 {
		delete(m.parties, partyID)
		m.commitLocked(nil)
		if m.onChange != nil {
			m.onChange(partyID, nil)
		}
		return nil
	}
	m.commitLocked(pt)
	return nil
}

// UpdatePeer replaces the stored record for peer, refreshing its liveness.
func (m *Membership) UpdatePeer(ctx context.Context, partyID string, peer *party.PeerInfo) error {
	if err := validatePeer(peer); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.parties[partyID]
	if !ok {
		return fmt.Errorf("%w: party %s", party.ErrNotFound, partyID)
	}
	if _, ok := pt.Peers[peer.PeerID]; !ok {
		return fmt.Errorf("%w: peer %s in party %s", party.ErrNotFound, peer.PeerID, partyID)
	}
	p := peer.Clone()
	p.LastSeen = m.now()
	pt.Peers[p.PeerID] = p
	m.commitLocked(pt)
	return nil
}

// GetParty returns a snapshot of the party.
func (m *Membership) GetParty(ctx context.Context, partyID string) (*party.PartyInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: party %s", party.ErrNotFound, partyID)
	}
	return pt.Clone(), nil
}

// GetPeers returns a snapshot of the party's peer map.
func (m *Membership) GetPeers(ctx context.Context, partyID string) (map[string]*party.PeerInfo, error) {
	pt, err := m.GetParty(ctx, partyID)
	if err != nil {
		return nil, err
	}
	return pt.Peers, nil
}

// DiscoverPeer returns a snapshot of one peer's record.
func (m *Membership) DiscoverPeer(ctx context.Context, partyID, peerID string) (*party.PeerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: party %s", party.ErrNotFound, partyID)
	}
	p, ok := pt.Peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: peer %s in party %s", party.ErrNotFound, peerID, partyID)
	}
	return p.Clone(), nil
}

// Heartbeat refreshes the peer's last_seen.
func (m *Membership) Heartbeat(ctx context.Context, partyID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.parties[partyID]
	if !ok {
		return fmt.Errorf("%w: party %s", party.ErrNotFound, partyID)
	}
	p, ok := pt.Peers[peerID]
	if !ok {
		return fmt.Errorf("%w: peer %s in party %s", party.ErrNotFound, peerID, partyID)
	}
	if ts := m.now(); ts.After(p.LastSeen) {
		p.LastSeen = ts
	}
	m.queuePersistLocked()
	return nil
}

// commitLocked records a mutation: queue a persist and notify the observer.
// Caller holds m.mu.
func (m *Membership) commitLocked(pt *party.PartyInfo) {
	m.queuePersistLocked()
	if m.onChange != nil && pt != nil {
		m.onChange(pt.PartyID, pt.Clone())
	}
}

// queuePersistLocked snapshots the party map into the write-behind queue.
// Caller holds m.mu (or is shutting down with workers stopped).
func (m *Membership) queuePersistLocked() {
	state := membershipState{Parties: make(map[string]*party.PartyInfo, len(m.parties))}
	for id, pt := range m.parties {
		state.Parties[id] = pt.Clone()
	}
	m.persister.QueueWrite(state)
}

func (m *Membership) reaperLoop() {
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap drops peers unseen for staleTTL and deletes parties left empty.
func (m *Membership) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.staleTTL)
	changed := false
	for id, pt := range m.parties {
		dropped := false
		for peerID, p := range pt.Peers {
			if p.LastSeen.Before(cutoff) {
				delete(pt.Peers, peerID)
				dropped = true
				log.Printf("control: reaped stale peer %s from party %s", peerID, id)
			}
		}
		if len(pt.Peers) == 0 {
			delete(m.parties, id)
			changed = true
			log.Printf("control: reaped empty party %s", id)
			if m.onChange != nil {
				m.onChange(id, nil)
			}
		} else if dropped {
			changed = true
			if m.onChange != nil {
				m.onChange(id, pt.Clone())
			}
		}
	}
	if changed {
		m.queuePersistLocked()
	}
}

func validatePeer(p *party.PeerInfo) error {
	if p == nil || p.PeerID == "" {
		return fmt.Errorf("%w: peer_id is required", party.ErrInvalid)
	}
	if !party.ValidNATType(p.NATType) {
		return fmt.Errorf("%w: nat_type %q", party.ErrInvalid, p.NATType)
	}
	return nil
}
