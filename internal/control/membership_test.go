package control

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coff33ninja/lanrage/internal/party"
)

func newTestMembership(t *testing.T) *Membership {
	t.Helper()
	return NewMembership(filepath.Join(t.TempDir(), "control_state.json"), DefaultStaleTTL, DefaultReaperInterval)
}

func hostPeer() *party.PeerInfo {
	return &party.PeerInfo{PeerID: "h", Name: "Host", PublicKey: "K1", NATType: party.NATFullCone}
}

func joinerPeer() *party.PeerInfo {
	return &party.PeerInfo{PeerID: "j", Name: "Joiner", PublicKey: "K2", NATType: party.NATRestrictedCone}
}

func TestRegisterParty_HostMembership(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()

	pt, err := m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())
	if err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}
	if pt.HostID != "h" {
		t.Errorf("host_id = %q, want h", pt.HostID)
	}
	peers, err := m.GetPeers(ctx, "a1b2c3d4e5f6")
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if _, ok := peers["h"]; !ok {
		t.Error("host missing from peers")
	}
}

func TestRegisterParty_Duplicate(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	if _, err := m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer()); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}
	_, err := m.RegisterParty(ctx, "a1b2c3d4e5f6", "Saturday", hostPeer())
	if !errors.Is(err, party.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRegisterParty_RejectsBadInput(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	if _, err := m.RegisterParty(ctx, "nothex", "X", hostPeer()); !errors.Is(err, party.ErrInvalid) {
		t.Errorf("bad party id: got %v", err)
	}
	bad := hostPeer()
	bad.NATType = "carrier_grade"
	if _, err := m.RegisterParty(ctx, "a1b2c3d4e5f6", "X", bad); !errors.Is(err, party.ErrInvalid) {
		t.Errorf("bad nat_type: got %v", err)
	}
	if _, err := m.RegisterParty(ctx, "a1b2c3d4e5f6", "X", &party.PeerInfo{NATType: party.NATOpen}); !errors.Is(err, party.ErrInvalid) {
		t.Errorf("empty peer_id: got %v", err)
	}
}

func TestJoinParty_TwoPeersSeeEachOther(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())

	if _, err := m.JoinParty(ctx, "a1b2c3d4e5f6", joinerPeer()); err != nil {
		t.Fatalf("JoinParty: %v", err)
	}
	peers, _ := m.GetPeers(ctx, "a1b2c3d4e5f6")
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	for _, id := range []string{"h", "j"} {
		if _, ok := peers[id]; !ok {
			t.Errorf("peer %s missing", id)
		}
	}
}

func TestJoinParty_IdempotentRejoin(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())

	j := joinerPeer()
	m.JoinParty(ctx, "a1b2c3d4e5f6", j)
	j2 := joinerPeer()
	j2.PublicIP = "203.0.113.9"
	if _, err := m.JoinParty(ctx, "a1b2c3d4e5f6", j2); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	peers, _ := m.GetPeers(ctx, "a1b2c3d4e5f6")
	if len(peers) != 2 {
		t.Fatalf("rejoin duplicated the peer: %d peers", len(peers))
	}
	if peers["j"].PublicIP != "203.0.113.9" {
		t.Error("rejoin should replace the older record")
	}
}

func TestJoinParty_UnknownParty(t *testing.T) {
	m := newTestMembership(t)
	_, err := m.JoinParty(context.Background(), "deadbeef0001", joinerPeer())
	if !errors.Is(err, party.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLeaveParty_LastPeerDeletesParty(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())
	m.JoinParty(ctx, "a1b2c3d4e5f6", joinerPeer())

	if err := m.LeaveParty(ctx, "a1b2c3d4e5f6", "j"); err != nil {
		t.Fatalf("leave j: %v", err)
	}
	if err := m.LeaveParty(ctx, "a1b2c3d4e5f6", "h"); err != nil {
		t.Fatalf("leave h: %v", err)
	}
	if _, err := m.GetParty(ctx, "a1b2c3d4e5f6"); !errors.Is(err, party.ErrNotFound) {
		t.Fatalf("party should be gone, got %v", err)
	}
}

func TestLeaveParty_UnknownPeer(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())
	if err := m.LeaveParty(ctx, "a1b2c3d4e5f6", "ghost"); !errors.Is(err, party.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePeer_RequiresMembership(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())

	if err := m.UpdatePeer(ctx, "a1b2c3d4e5f6", joinerPeer()); !errors.Is(err, party.ErrNotFound) {
		t.Fatalf("update of non-member: got %v", err)
	}
	h := hostPeer()
	h.PublicIP = "198.51.100.7"
	h.PublicPort = 41000
	if err := m.UpdatePeer(ctx, "a1b2c3d4e5f6", h); err != nil {
		t.Fatalf("UpdatePeer: %v", err)
	}
	got, _ := m.DiscoverPeer(ctx, "a1b2c3d4e5f6", "h")
	if got.PublicIP != "198.51.100.7" || got.PublicPort != 41000 {
		t.Errorf("endpoint not updated: %+v", got)
	}
}

func TestHeartbeat_Monotonic(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }
	m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())

	first, _ := m.DiscoverPeer(ctx, "a1b2c3d4e5f6", "h")

	m.now = func() time.Time { return base.Add(30 * time.Second) }
	if err := m.Heartbeat(ctx, "a1b2c3d4e5f6", "h"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	second, _ := m.DiscoverPeer(ctx, "a1b2c3d4e5f6", "h")
	if second.LastSeen.Before(first.LastSeen) {
		t.Error("last_seen went backwards")
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Error("heartbeat did not advance last_seen")
	}

	// A clock that jumps backwards must not drag last_seen with it.
	m.now = func() time.Time { return base.Add(-time.Minute) }
	m.Heartbeat(ctx, "a1b2c3d4e5f6", "h")
	third, _ := m.DiscoverPeer(ctx, "a1b2c3d4e5f6", "h")
	if third.LastSeen.Before(second.LastSeen) {
		t.Error("last_seen must be non-decreasing")
	}
}

func TestReap_StalePeerThenEmptyParty(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }
	m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())
	m.JoinParty(ctx, "a1b2c3d4e5f6", joinerPeer())

	// Joiner heartbeats at minute 4; host never does.
	m.now = func() time.Time { return base.Add(4 * time.Minute) }
	m.Heartbeat(ctx, "a1b2c3d4e5f6", "j")

	// At minute 8 the host (last seen at 0) is past the 5-minute TTL.
	m.now = func() time.Time { return base.Add(8 * time.Minute) }
	m.reap()

	peers, err := m.GetPeers(ctx, "a1b2c3d4e5f6")
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if _, ok := peers["h"]; ok {
		t.Error("stale host should be reaped")
	}
	if _, ok := peers["j"]; !ok {
		t.Error("fresh joiner should survive")
	}

	// Joiner goes stale too: the party empties and disappears.
	m.now = func() time.Time { return base.Add(20 * time.Minute) }
	m.reap()
	if _, err := m.GetParty(ctx, "a1b2c3d4e5f6"); !errors.Is(err, party.ErrNotFound) {
		t.Fatalf("empty party should be deleted, got %v", err)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "control_state.json")
	ctx := context.Background()

	m := NewMembership(statePath, DefaultStaleTTL, DefaultReaperInterval)
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())
	m.JoinParty(ctx, "a1b2c3d4e5f6", joinerPeer())
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	m2 := NewMembership(statePath, DefaultStaleTTL, DefaultReaperInterval)
	if err := m2.Initialize(ctx); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	defer m2.Shutdown(ctx)

	pt, err := m2.GetParty(ctx, "a1b2c3d4e5f6")
	if err != nil {
		t.Fatalf("party lost across restart: %v", err)
	}
	if pt.Name != "Friday" || pt.HostID != "h" || len(pt.Peers) != 2 {
		t.Errorf("restored party mismatch: %+v", pt)
	}
	if pt.Peers["j"].PublicKey != "K2" {
		t.Errorf("peer fields lost: %+v", pt.Peers["j"])
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	m := newTestMembership(t)
	ctx := context.Background()
	m.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())

	pt, _ := m.GetParty(ctx, "a1b2c3d4e5f6")
	pt.Peers["h"].Name = "mutated"
	pt.Name = "mutated"

	again, _ := m.GetParty(ctx, "a1b2c3d4e5f6")
	if again.Name != "Friday" || again.Peers["h"].Name != "Host" {
		t.Error("caller mutation leaked into the core")
	}
}
