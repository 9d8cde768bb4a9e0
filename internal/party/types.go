// Package party defines the record types shared by every layer of the
// LANRage control plane: parties (virtual LANs), the peers inside them,
// relay registrations, and the identifier/token generators that name them.
package party

import (
	"time"
)

// NATType classifies how a peer sits behind its NAT. The control plane
// stores the value for the traversal layer; it never acts on it beyond
// validation.
type NATType string

const (
	NATOpen               NATType = "open"
	NATFullCone           NATType = "full_cone"
	NATRestrictedCone     NATType = "restricted_cone"
	NATPortRestrictedCone NATType = "port_restricted_cone"
	NATSymmetric          NATType = "symmetric"
	NATUnknown            NATType = "unknown"
)

// ValidNATType reports whether t is one of the recognized classifications.
func ValidNATType(t NATType) bool {
	switch t {
	case NATOpen, NATFullCone, NATRestrictedCone, NATPortRestrictedCone, NATSymmetric, NATUnknown:
		return true
	}
	return false
}

// NormalizeNATType maps any unrecognized value to NATUnknown. Used when
// reading records from storage or the wire, where rejecting would lose data.
func NormalizeNATType(t NATType) NATType {
	if ValidNATType(t) {
		return t
	}
	return NATUnknown
}

// PeerInfo is one participant within a party.
type PeerInfo struct {
	PeerID     string    `json:"peer_id"`
	Name       string    `json:"name"`
	PublicKey  string    `json:"public_key"`
	NATType    NATType   `json:"nat_type"`
	PublicIP   string    `json:"public_ip"`
	PublicPort int       `json:"public_port"`
	LocalIP    string    `json:"local_ip"`
	LocalPort  int       `json:"local_port"`
	LastSeen   time.Time `json:"last_seen"`
}

// PartyInfo is a virtual LAN: a named set of peers sharing rendezvous state.
// The host is the founding member; it holds no special privileges here but
// is surfaced for the UI.
type PartyInfo struct {
	PartyID   string               `json:"party_id"`
	Name      string               `json:"name"`
	HostID    string               `json:"host_id"`
	CreatedAt time.Time            `json:"created_at"`
	Peers     map[string]*PeerInfo `json:"peers"`
}

// RelayInfo is a data-plane relay registration. The control plane only
// stores the metadata; relay selection happens elsewhere.
type RelayInfo struct {
	RelayID      string    `json:"relay_id"`
	Region       string    `json:"region"`
	EndpointIP   string    `json:"endpoint_ip"`
	EndpointPort int       `json:"endpoint_port"`
	Capacity     int       `json:"capacity"`
	CurrentLoad  int       `json:"current_load"`
	LastSeen     time.Time `json:"last_seen"`
}

// Clone returns a deep copy of the peer record.
func (p *PeerInfo) Clone() *PeerInfo {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Clone returns a deep copy of the party, including its peer map. Callers
// outside the membership core only ever hold clones.
func (pt *PartyInfo) Clone() *PartyInfo {
	if pt == nil {
		return nil
	}
	cp := *pt
	cp.Peers = make(map[string]*PeerInfo, len(pt.Peers))
	for id, peer := range pt.Peers {
		cp.Peers[id] = peer.Clone()
	}
	return &cp
}
