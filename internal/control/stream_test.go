package control

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coff33ninja/lanrage/internal/config"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStream_WsURLDerivation(t *testing.T) {
	cfg := testConfig("http://control.example.net:8725")
	r, err := NewRemote(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Shutdown(context.Background())
	if got := r.stream.wsURL(); got != "ws://control.example.net:8725/ws" {
		t.Errorf("ws url: %s", got)
	}

	cfg = testConfig("https://rv.example.org")
	r2, _ := NewRemote(cfg)
	defer r2.Shutdown(context.Background())
	if got := r2.stream.wsURL(); got != "wss://rv.example.org/ws" {
		t.Errorf("wss url: %s", got)
	}
}

func TestStream_ReceivesMembershipEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	host := newTestRemote(t, srv.URL)
	pt, err := host.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())
	if err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	// Wait for the host's streaming connection to come up.
	waitFor(t, 5*time.Second, func() bool {
		host.stream.mu.Lock()
		defer host.stream.mu.Unlock()
		return host.stream.conn != nil
	})

	// A third party joins over HTTP; the host should see the push event in
	// its shadow without issuing another query.
	joiner := newTestRemote(t, srv.URL)
	if _, err := joiner.JoinParty(ctx, pt.PartyID, joinerPeer()); err != nil {
		t.Fatalf("JoinParty: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		cached, ok := host.shadow.get(pt.PartyID)
		if !ok {
			return false
		}
		_, joined := cached.Peers["j"]
		return joined
	})
}

func TestStream_SignalRoutedToRecipient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	host := newTestRemote(t, srv.URL)
	pt, err := host.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())
	if err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	got := make(chan string, 1)
	host.OnSignal(func(partyID, from string, data json.RawMessage) {
		var payload struct {
			Candidate string `json:"candidate"`
		}
		json.Unmarshal(data, &payload)
		got <- from + "/" + payload.Candidate
	})

	waitFor(t, 5*time.Second, func() bool {
		host.stream.mu.Lock()
		defer host.stream.mu.Unlock()
		return host.stream.conn != nil
	})

	joiner := newTestRemote(t, srv.URL)
	if _, err := joiner.JoinParty(ctx, pt.PartyID, joinerPeer()); err != nil {
		t.Fatalf("JoinParty: %v", err)
	}
	if err := joiner.Signal(ctx, pt.PartyID, "h", json.RawMessage(`{"candidate":"udp 203.0.113.9:40100"}`)); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	select {
	case v := <-got:
		if v != "j/udp 203.0.113.9:40100" {
			t.Errorf("signal payload mismatch: %s", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal never delivered")
	}
}

func TestStream_FallbackAfterReconnectsExhausted(t *testing.T) {
	// A server URL nothing listens on: every dial fails.
	r := newTestRemote(t, "http://127.0.0.1:1")
	r.stream.maxAttempts = 2
	r.stream.baseDelay = 10 * time.Millisecond

	r.stream.Start("a1b2c3d4e5f6")
	waitFor(t, 5*time.Second, func() bool { return r.stream.Failed() })

	// One-way demotion: Start must not resurrect the worker.
	r.stream.Start("a1b2c3d4e5f6")
	if !r.stream.Failed() {
		t.Error("failed stream must stay failed for the session")
	}
}

func TestStream_FallbackStillServesContract(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	host := newTestRemote(t, srv.URL)
	// Force the stream into permanent failure before any connect.
	host.stream.fail(context.DeadlineExceeded)

	pt, err := host.RegisterParty(ctx, "a1b2c3d4e5f6", "Friday", hostPeer())
	if err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}
	joiner := newTestRemote(t, srv.URL)
	if _, err := joiner.JoinParty(ctx, pt.PartyID, joinerPeer()); err != nil {
		t.Fatalf("JoinParty: %v", err)
	}

	// No push events arrive, but the HTTP path still returns the updated
	// membership.
	got, err := host.GetParty(ctx, pt.PartyID)
	if err != nil {
		t.Fatalf("GetParty: %v", err)
	}
	if len(got.Peers) != 2 {
		t.Errorf("expected 2 peers over HTTP, got %d", len(got.Peers))
	}
}

func testConfig(serverURL string) config.Config {
	cfg := config.Default()
	cfg.ControlServerURL = serverURL
	return cfg
}
