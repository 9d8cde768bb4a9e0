package party

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewPartyID_Shape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := NewPartyID()
		if err != nil {
			t.Fatalf("NewPartyID: %v", err)
		}
		if err := ValidatePartyID(id); err != nil {
			t.Fatalf("generated id %q failed validation: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q in 50 draws", id)
		}
		seen[id] = true
	}
}

func TestValidatePartyID_Rejects(t *testing.T) {
	bad := []string{"", "abc", "a1b2c3d4e5f", "a1b2c3d4e5f67", "A1B2C3D4E5F6", "a1b2c3d4e5g6"}
	for _, id := range bad {
		if err := ValidatePartyID(id); err == nil {
			t.Errorf("expected error for %q", id)
		} else if !errors.Is(err, ErrInvalid) {
			t.Errorf("expected ErrInvalid for %q, got %v", id, err)
		}
	}
	if err := ValidatePartyID("a1b2c3d4e5f6"); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
}

func TestNewToken_PrefixAndHash(t *testing.T) {
	tok, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if !strings.HasPrefix(tok, TokenPrefix) {
		t.Errorf("token missing prefix: %q", tok)
	}
	if len(tok) != len(TokenPrefix)+64 {
		t.Errorf("unexpected token length %d", len(tok))
	}
	if HashToken(tok) == HashToken(tok+"x") {
		t.Error("hash should differ for different tokens")
	}
}

func TestNATType_Validation(t *testing.T) {
	for _, v := range []NATType{NATOpen, NATFullCone, NATRestrictedCone, NATPortRestrictedCone, NATSymmetric, NATUnknown} {
		if !ValidNATType(v) {
			t.Errorf("%q should be valid", v)
		}
	}
	if ValidNATType("carrier_grade") {
		t.Error("unexpected nat type accepted")
	}
	if got := NormalizeNATType("carrier_grade"); got != NATUnknown {
		t.Errorf("normalize: got %q", got)
	}
	if got := NormalizeNATType(NATSymmetric); got != NATSymmetric {
		t.Errorf("normalize clobbered valid value: %q", got)
	}
}

func TestPartyInfo_CloneIsDeep(t *testing.T) {
	p := &PartyInfo{
		PartyID:   "a1b2c3d4e5f6",
		Name:      "Friday",
		HostID:    "h",
		CreatedAt: time.Now(),
		Peers: map[string]*PeerInfo{
			"h": {PeerID: "h", Name: "Host", NATType: NATFullCone},
		},
	}
	cp := p.Clone()
	cp.Peers["h"].Name = "changed"
	cp.Peers["x"] = &PeerInfo{PeerID: "x"}
	if p.Peers["h"].Name != "Host" {
		t.Error("clone shares peer records with original")
	}
	if len(p.Peers) != 1 {
		t.Error("clone shares peer map with original")
	}
}

func TestPeerInfo_WireFields(t *testing.T) {
	in := &PeerInfo{
		PeerID:     "j",
		Name:       "Joiner",
		PublicKey:  "K2",
		NATType:    NATRestrictedCone,
		PublicIP:   "203.0.113.9",
		PublicPort: 40100,
		LastSeen:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"peer_id", "name", "public_key", "nat_type", "public_ip", "public_port", "local_ip", "local_port", "last_seen"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing wire field %q", k)
		}
	}
	if m["last_seen"] != "2026-03-01T12:00:00Z" {
		t.Errorf("last_seen not ISO-8601 Z: %v", m["last_seen"])
	}
	if m["local_ip"] != "" || m["local_port"] != float64(0) {
		t.Errorf("absent endpoint should serialize as zero values, got %v/%v", m["local_ip"], m["local_port"])
	}
}

func TestErrorMapping_RoundTrip(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{ErrNotFound, "not_found", 404},
		{ErrExists, "conflict", 409},
		{ErrInvalid, "invalid", 422},
		{ErrAuth, "auth", 401},
		{ErrUnavailable, "unavailable", 503},
		{ErrServer, "server", 500},
	}
	for _, c := range cases {
		if got := ErrorCode(c.err); got != c.code {
			t.Errorf("code(%v) = %q, want %q", c.err, got, c.code)
		}
		if got := ErrorStatus(c.err); got != c.status {
			t.Errorf("status(%v) = %d, want %d", c.err, got, c.status)
		}
	}
	if !errors.Is(ErrorFromStatus(404), ErrNotFound) {
		t.Error("404 should map to ErrNotFound")
	}
	if !errors.Is(ErrorFromStatus(403), ErrAuth) {
		t.Error("403 should map to ErrAuth")
	}
	if !errors.Is(ErrorFromStatus(500), ErrServer) {
		t.Error("500 should map to ErrServer")
	}
}
