package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coff33ninja/lanrage/internal/party"
)

const (
	maxReconnects = 5
	reconnectBase = time.Second
)

// SignalHandler receives NAT-traversal payloads pushed to this peer. The
// blob is opaque to the control plane.
type SignalHandler func(partyID, fromPeerID string, data json.RawMessage)

// streamFrame is the single message shape on the streaming channel. Type
// selects which fields are meaningful.
type streamFrame struct {
	Type    string           `json:"type"`
	Token   string           `json:"token,omitempty"`
	Party   *party.PartyInfo `json:"party,omitempty"`
	PartyID string           `json:"party_id,omitempty"`
	Peer    *party.PeerInfo  `json:"peer,omitempty"`
	PeerID  string           `json:"peer_id,omitempty"`
	From    string           `json:"from,omitempty"`
	To      string           `json:"to,omitempty"`
	Data    json.RawMessage  `json:"data,omitempty"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Stream is the long-lived server-push channel. It is a latency
// optimization over polling — authoritative state is always reachable over
// HTTP, so when reconnects are exhausted the stream marks itself failed for
// the rest of the session and the client degrades to pure HTTP.
type Stream struct {
	remote *Remote

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	failed  bool
	handler SignalHandler

	maxAttempts int
	baseDelay   time.Duration

	stopCh  chan struct{}
	stopped sync.Once
}

func newStream(r *Remote) *Stream {
	return &Stream{
		remote:      r,
		maxAttempts: maxReconnects,
		baseDelay:   reconnectBase,
		stopCh:      make(chan struct{}),
	}
}

// OnSignal sets the handler invoked for inbound signal frames.
func (s *Stream) OnSignal(h SignalHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Start launches the channel worker once a token exists. Safe to call on
// every join; only the first call spawns the worker, and a failed stream
// stays down for the session.
func (s *Stream) Start(partyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.failed {
		return
	}
	s.started = true
	go s.run()
}

// Failed reports whether the stream gave up and the session fell back to
// HTTP-only mode.
func (s *Stream) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Close tears the channel down. Cancellation always wins over reconnects.
func (s *Stream) Close() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// wsURL derives the streaming endpoint from the configured server URL:
// http -> ws, https -> wss, path suffix /ws.
func (s *Stream) wsURL() string {
	u, err := url.Parse(s.remote.baseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// run is the single consumer worker: connect, read, apply in arrival
// order. Disconnects trigger up to maxReconnects attempts with doubling
// delays; exhaustion is a one-way demotion to HTTP.
func (s *Stream) run() {
	attempts := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if s.Failed() {
			return
		}

		conn, err := s.connect()
		if err != nil {
			attempts++
			if attempts > s.maxAttempts {
				s.fail(err)
				return
			}
			delay := s.baseDelay << (attempts - 1)
			log.Printf("control: stream connect failed (attempt %d/%d): %v - retrying in %v", attempts, s.maxAttempts, err, delay)
			select {
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		select {
		case <-s.stopCh:
			return
		default:
			// Events may have been lost across the gap; state is
			// reconciled by querying after the next connect.
		}
	}
}

// connect dials the endpoint, sends the hello frame, and reconciles the
// shadow against authoritative HTTP state (events lost while disconnected
// are gone for good; the channel is best-effort).
func (s *Stream) connect() (*websocket.Conn, error) {
	token, peerID := s.remote.Token()
	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, _, err := dialer.Dial(s.wsURL(), nil)
	if err != nil {
		return nil, err
	}
	hello := streamFrame{Type: "hello", Token: token, PeerID: peerID}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.reconcile()
	return conn, nil
}

// reconcile refreshes every shadowed party over HTTP.
func (s *Stream) reconcile() {
	s.remote.shadow.mu.Lock()
	ids := make([]string, 0, len(s.remote.shadow.parties))
	for id := range s.remote.shadow.parties {
		ids = append(ids, id)
	}
	s.remote.shadow.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if _, err := s.remote.GetParty(ctx, id); err != nil {
			if errors.Is(err, party.ErrNotFound) {
				s.remote.shadow.drop(id)
			} else {
				log.Printf("control: Warning: stream reconcile %s: %v", id, err)
			}
		}
		cancel()
	}
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.stopCh:
			default:
				log.Printf("control: stream read: %v", err)
			}
			return
		}
		if terminal := s.apply(frame); terminal {
			return
		}
	}
}

// apply processes one server-push event. Returns true when the channel must
// terminate (auth error).
func (s *Stream) apply(frame streamFrame) bool {
	switch frame.Type {
	case "party_update":
		if frame.Party != nil {
			s.remote.shadow.put(frame.Party)
		}
	case "peer_joined":
		if frame.Peer != nil {
			s.remote.shadow.join(frame.PartyID, frame.Peer)
		}
	case "peer_left":
		s.remote.shadow.leave(frame.PartyID, frame.PeerID)
	case "party_deleted":
		s.remote.shadow.drop(frame.PartyID)
	case "signal":
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(frame.PartyID, frame.From, frame.Data)
		}
	case "error":
		log.Printf("control: stream server error %s: %s", frame.Code, frame.Message)
		if frame.Code == "auth" {
			s.fail(party.ErrAuth)
			return true
		}
	default:
		log.Printf("control: stream: ignoring unknown frame type %q", frame.Type)
	}
	return false
}

// fail marks the one-way demotion to HTTP-only mode.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	already := s.failed
	s.failed = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	if !already {
		log.Printf("control: streaming channel failed (%v) — falling back to HTTP for this session", err)
	}
}
