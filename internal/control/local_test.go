package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coff33ninja/lanrage/internal/config"
	"github.com/coff33ninja/lanrage/internal/persist"
)

func newTestPersister(t *testing.T) *persist.Persister {
	t.Helper()
	return persist.New(filepath.Join(t.TempDir(), "control_state.json"))
}

// twoLocals builds two local control planes sharing one state dir, the way
// two processes on the same host share discovery.json.
func twoLocals(t *testing.T) (*Local, *Local) {
	t.Helper()
	shared := t.TempDir()

	cfgA := config.Default()
	cfgA.StateDir = shared
	a := NewLocal(cfgA)
	// Give each instance its own snapshot file; only discovery.json is shared.
	a.Membership.persister = newTestPersister(t)

	cfgB := config.Default()
	cfgB.StateDir = shared
	b := NewLocal(cfgB)
	b.Membership.persister = newTestPersister(t)
	return a, b
}

func TestLocalDiscovery_AcrossInstances(t *testing.T) {
	a, b := twoLocals(t)
	ctx := context.Background()
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("init a: %v", err)
	}
	defer a.Shutdown(ctx)
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("init b: %v", err)
	}
	defer b.Shutdown(ctx)

	h := hostPeer()
	if _, err := a.RegisterParty(ctx, "deadbeef0001", "Test", h); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	found, err := b.DiscoverParties(ctx)
	if err != nil {
		t.Fatalf("DiscoverParties: %v", err)
	}
	var hit bool
	for _, pt := range found {
		if pt.PartyID == "deadbeef0001" {
			hit = true
			if pt.HostID != h.PeerID {
				t.Errorf("host_id = %q, want %q", pt.HostID, h.PeerID)
			}
		}
	}
	if !hit {
		t.Fatal("party not visible to the second instance")
	}
}

func TestLocalDiscovery_LeaveRemovesAdvertisement(t *testing.T) {
	a, b := twoLocals(t)
	ctx := context.Background()
	a.Initialize(ctx)
	defer a.Shutdown(ctx)
	b.Initialize(ctx)
	defer b.Shutdown(ctx)

	a.RegisterParty(ctx, "deadbeef0001", "Test", hostPeer())
	if err := a.LeaveParty(ctx, "deadbeef0001", "h"); err != nil {
		t.Fatalf("LeaveParty: %v", err)
	}

	found, _ := b.DiscoverParties(ctx)
	for _, pt := range found {
		if pt.PartyID == "deadbeef0001" {
			t.Fatal("deleted party still advertised")
		}
	}
}

func TestLocalDiscovery_MergePreservesOtherWriters(t *testing.T) {
	a, b := twoLocals(t)
	ctx := context.Background()
	a.Initialize(ctx)
	defer a.Shutdown(ctx)
	b.Initialize(ctx)
	defer b.Shutdown(ctx)

	a.RegisterParty(ctx, "deadbeef0001", "A", hostPeer())
	other := joinerPeer()
	b.RegisterParty(ctx, "deadbeef0002", "B", other)

	// a's cached view refreshes once the watcher sees b's write.
	deadline := time.Now().Add(5 * time.Second)
	for {
		found, _ := a.DiscoverParties(ctx)
		ids := map[string]bool{}
		for _, pt := range found {
			ids[pt.PartyID] = true
		}
		if ids["deadbeef0001"] && ids["deadbeef0002"] {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("merge lost an advertisement: %v", ids)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLocalDiscovery_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.StateDir = dir
	os.WriteFile(filepath.Join(dir, "discovery.json"), []byte("{broken"), 0644)

	l := NewLocal(cfg)
	ctx := context.Background()
	l.Initialize(ctx)
	defer l.Shutdown(ctx)

	found, err := l.DiscoverParties(ctx)
	if err != nil {
		t.Fatalf("DiscoverParties: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("corrupt file should read as empty, got %d entries", len(found))
	}
}
