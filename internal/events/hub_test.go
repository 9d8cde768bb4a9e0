package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPair upgrades one client connection against a throwaway server and
// returns both ends.
func wsPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- c
	}))
	t.Cleanup(srv.Close)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	select {
	case s := <-serverCh:
		t.Cleanup(func() { s.Close() })
		return s, c
	case <-time.After(5 * time.Second):
		t.Fatal("server conn never arrived")
		return nil, nil
	}
}

func readEvent(t *testing.T, c *websocket.Conn) Event {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := c.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func TestHub_SendTo(t *testing.T) {
	hub := NewHub()
	sh, ch := wsPair(t)
	hub.Register("h", sh)

	if !hub.Connected("h") {
		t.Fatal("peer should be connected")
	}
	if ok := hub.SendTo("h", Event{Type: "signal", From: "j", To: "h"}); !ok {
		t.Fatal("SendTo failed for a live connection")
	}
	ev := readEvent(t, ch)
	if ev.Type != "signal" || ev.From != "j" {
		t.Errorf("bad frame: %+v", ev)
	}
	if hub.SendTo("ghost", Event{Type: "signal"}) {
		t.Error("SendTo must report false for unknown peers")
	}
}

func TestHub_BroadcastSkipsActor(t *testing.T) {
	hub := NewHub()
	sh, ch := wsPair(t)
	sj, cj := wsPair(t)
	hub.Register("h", sh)
	hub.Register("j", sj)

	hub.Broadcast([]string{"h", "j"}, "j", Event{Type: "peer_joined", PartyID: "a1b2c3d4e5f6", PeerID: "j"})

	ev := readEvent(t, ch)
	if ev.Type != "peer_joined" {
		t.Errorf("h should receive the event, got %+v", ev)
	}

	cj.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray Event
	if err := cj.ReadJSON(&stray); err == nil {
		t.Errorf("actor must not receive its own event: %+v", stray)
	}
}

func TestHub_ReplacedConnectionIsClosed(t *testing.T) {
	hub := NewHub()
	s1, c1 := wsPair(t)
	s2, c2 := wsPair(t)
	hub.Register("h", s1)
	hub.Register("h", s2)

	// The old client end sees its connection die.
	c1.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c1.ReadMessage(); err == nil {
		t.Error("replaced connection should be closed")
	}

	if !hub.SendTo("h", Event{Type: "party_update"}) {
		t.Fatal("send on replacement connection failed")
	}
	ev := readEvent(t, c2)
	if ev.Type != "party_update" {
		t.Errorf("bad frame: %+v", ev)
	}
}

func TestHub_UnregisterDropsPeer(t *testing.T) {
	hub := NewHub()
	sh, _ := wsPair(t)
	hub.Register("h", sh)
	hub.Unregister(sh)
	if hub.Connected("h") {
		t.Error("peer still connected after unregister")
	}
}
