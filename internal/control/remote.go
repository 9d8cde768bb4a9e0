package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coff33ninja/lanrage/internal/config"
	"github.com/coff33ninja/lanrage/internal/party"
)

const (
	requestTimeout  = 10 * time.Second
	maxRetries      = 3
	retryBaseDelay  = 250 * time.Millisecond
	maxConnsPerHost = 32
)

// Remote speaks the control-plane contract against a central server. It
// keeps a local shadow of every party it has seen: the streaming channel
// updates it with server-push events, and when the server becomes
// unreachable the shadow serves reads (degraded mode) until a request
// succeeds again.
type Remote struct {
	baseURL           string
	client            *http.Client
	heartbeatInterval time.Duration

	mu          sync.Mutex
	token       string
	tokenPeerID string
	heartbeats  map[string]chan struct{} // partyID -> stop channel
	degraded    bool

	shadow *shadow
	stream *Stream

	stopCh  chan struct{}
	stopped sync.Once
}

// NewRemote builds the remote client. No network I/O happens here.
func NewRemote(cfg config.Config) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(cfg.ControlServerURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("control: bad server URL %q", cfg.ControlServerURL)
	}
	r := &Remote{
		baseURL: u.String(),
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxConnsPerHost,
				MaxIdleConnsPerHost: maxConnsPerHost,
				MaxConnsPerHost:     maxConnsPerHost,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		heartbeatInterval: cfg.HeartbeatInterval(),
		heartbeats:        make(map[string]chan struct{}),
		shadow:            newShadow(),
		stopCh:            make(chan struct{}),
	}
	r.stream = newStream(r)
	return r, nil
}

// Initialize verifies nothing eagerly — the server may well be down at
// startup and the client must still come up. Token acquisition and the
// streaming channel start with the first authenticated call.
func (r *Remote) Initialize(ctx context.Context) error {
	return nil
}

// Shutdown stops heartbeats and the streaming channel.
func (r *Remote) Shutdown(ctx context.Context) error {
	r.stopped.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	for id, stop := range r.heartbeats {
		close(stop)
		delete(r.heartbeats, id)
	}
	r.mu.Unlock()
	r.stream.Close()
	return nil
}

// Degraded reports whether the last exchange with the server failed and
// reads are being served from the shadow.
func (r *Remote) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// OnSignal registers the handler for signal frames pushed over the
// streaming channel (NAT traversal payloads, opaque to this layer).
func (r *Remote) OnSignal(h SignalHandler) { r.stream.OnSignal(h) }

// ── Contract operations ─────────────────────────────────────────────────────

type authRegisterRequest struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

type authRegisterResponse struct {
	Token     string    `json:"token"`
	PeerID    string    `json:"peer_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type registerPartyRequest struct {
	PartyID string          `json:"party_id"`
	Name    string          `json:"name"`
	Host    *party.PeerInfo `json:"host"`
}

func (r *Remote) RegisterParty(ctx context.Context, partyID, name string, host *party.PeerInfo) (*party.PartyInfo, error) {
	if err := validatePeer(host); err != nil {
		return nil, err
	}
	if err := r.ensureToken(ctx, host.PeerID, host.Name); err != nil {
		return nil, err
	}
	var pt party.PartyInfo
	err := r.do(ctx, http.MethodPost, "/parties", registerPartyRequest{PartyID: partyID, Name: name, Host: host}, &pt)
	if err != nil {
		return nil, err
	}
	r.shadow.put(&pt)
	r.startHeartbeat(pt.PartyID, host.PeerID)
	r.stream.Start(pt.PartyID)
	return &pt, nil
}

func (r *Remote) JoinParty(ctx context.Context, partyID string, peer *party.PeerInfo) (*party.PartyInfo, error) {
	if err := validatePeer(peer); err != nil {
		return nil, err
	}
	if err := r.ensureToken(ctx, peer.PeerID, peer.Name); err != nil {
		return nil, err
	}
	var pt party.PartyInfo
	err := r.do(ctx, http.MethodPost, "/parties/"+partyID+"/join", peer, &pt)
	if err != nil {
		return nil, err
	}
	r.shadow.put(&pt)
	r.startHeartbeat(partyID, peer.PeerID)
	r.stream.Start(partyID)
	return &pt, nil
}

func (r *Remote) LeaveParty(ctx context.Context, partyID, peerID string) error {
	r.stopHeartbeat(partyID)
	err := r.do(ctx, http.MethodDelete, "/parties/"+partyID+"/peers/"+peerID, nil, nil)
	if errors.Is(err, party.ErrUnavailable) {
		// Queued locally: the server-side reaper will collect the peer.
		r.shadow.leave(partyID, peerID)
		return nil
	}
	if err != nil {
		return err
	}
	r.shadow.leave(partyID, peerID)
	return nil
}

func (r *Remote) UpdatePeer(ctx context.Context, partyID string, peer *party.PeerInfo) error {
	if err := validatePeer(peer); err != nil {
		return err
	}
	err := r.do(ctx, http.MethodPut, "/parties/"+partyID+"/peers/"+peer.PeerID, peer, nil)
	if errors.Is(err, party.ErrUnavailable) {
		r.shadow.updatePeer(partyID, peer)
		return nil
	}
	if err != nil {
		return err
	}
	r.shadow.updatePeer(partyID, peer)
	return nil
}

func (r *Remote) GetParty(ctx context.Context, partyID string) (*party.PartyInfo, error) {
	var pt party.PartyInfo
	err := r.do(ctx, http.MethodGet, "/parties/"+partyID, nil, &pt)
	if errors.Is(err, party.ErrUnavailable) {
		if cached, ok := r.shadow.get(partyID); ok {
			return cached, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	r.shadow.put(&pt)
	return &pt, nil
}

func (r *Remote) GetPeers(ctx context.Context, partyID string) (map[string]*party.PeerInfo, error) {
	var peers []*party.PeerInfo
	err := r.do(ctx, http.MethodGet, "/parties/"+partyID+"/peers", nil, &peers)
	if errors.Is(err, party.ErrUnavailable) {
		if cached, ok := r.shadow.get(partyID); ok {
			return cached.Peers, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]*party.PeerInfo, len(peers))
	for _, p := range peers {
		p.NATType = party.NormalizeNATType(p.NATType)
		out[p.PeerID] = p
	}
	r.shadow.setPeers(partyID, out)
	return out, nil
}

func (r *Remote) DiscoverPeer(ctx context.Context, partyID, peerID string) (*party.PeerInfo, error) {
	var p party.PeerInfo
	err := r.do(ctx, http.MethodGet, "/parties/"+partyID+"/peers/"+peerID, nil, &p)
	if errors.Is(err, party.ErrUnavailable) {
		if cached, ok := r.shadow.getPeer(partyID, peerID); ok {
			return cached, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	p.NATType = party.NormalizeNATType(p.NATType)
	return &p, nil
}

func (r *Remote) Heartbeat(ctx context.Context, partyID, peerID string) error {
	return r.do(ctx, http.MethodPost, "/parties/"+partyID+"/peers/"+peerID+"/heartbeat", nil, nil)
}

// Relays returns live relay registrations, optionally filtered by region.
func (r *Remote) Relays(ctx context.Context, region string) ([]*party.RelayInfo, error) {
	path := "/relays"
	if region != "" {
		path += "/" + region
	}
	var relays []*party.RelayInfo
	if err := r.do(ctx, http.MethodGet, path, nil, &relays); err != nil {
		return nil, err
	}
	return relays, nil
}

// RegisterRelay announces a data-plane relay to the control server. Called
// by relay operators, not by party members.
func (r *Remote) RegisterRelay(ctx context.Context, relay *party.RelayInfo) error {
	return r.do(ctx, http.MethodPost, "/relays", relay, nil)
}

// Signal sends an opaque blob to another peer in the party via the server's
// push channel.
func (r *Remote) Signal(ctx context.Context, partyID, toPeerID string, data json.RawMessage) error {
	body := map[string]json.RawMessage{"data": data}
	return r.do(ctx, http.MethodPost, "/parties/"+partyID+"/peers/"+toPeerID+"/signal", body, nil)
}

// ── Token handling ──────────────────────────────────────────────────────────

// ensureToken obtains a bearer token bound to peerID if we do not already
// hold one. Re-registering under a different peer id replaces the token.
func (r *Remote) ensureToken(ctx context.Context, peerID, name string) error {
	r.mu.Lock()
	if r.token != "" && r.tokenPeerID == peerID {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	var resp authRegisterResponse
	if err := r.do(ctx, http.MethodPost, "/auth/register", authRegisterRequest{PeerID: peerID, Name: name}, &resp); err != nil {
		return err
	}
	r.mu.Lock()
	r.token = resp.Token
	r.tokenPeerID = resp.PeerID
	r.mu.Unlock()
	return nil
}

// Token returns the current bearer token ("" before auth). The streaming
// channel uses it for its hello frame.
func (r *Remote) Token() (token, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token, r.tokenPeerID
}

// reauth drops the cached token. Called on every 401 answer (expired or
// purged token, or a request the token is not bound for). The next
// RegisterParty or JoinParty obtains a fresh token; other calls go out
// without one until then.
func (r *Remote) reauth() {
	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
}

// ── Request pipeline ────────────────────────────────────────────────────────

// do runs one logical request: marshal, send with bearer auth, retry
// transport errors and 5xx with exponential backoff and jitter, map 4xx to
// error kinds. Exhausted retries surface as ErrUnavailable.
func (r *Remote) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%w: encode request: %v", party.ErrInvalid, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", party.ErrCancelled, ctx.Err())
			case <-r.stopCh:
				return party.ErrCancelled
			case <-time.After(delay):
			}
		}

		status, body, err := r.send(ctx, method, path, payload)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", party.ErrCancelled, ctx.Err())
			}
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("%w: status %d", party.ErrServer, status)
			continue
		}
		if status >= 400 {
			r.setDegraded(false)
			return wireError(status, body)
		}

		r.setDegraded(false)
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%w: decode response: %v", party.ErrServer, err)
			}
		}
		return nil
	}

	r.setDegraded(true)
	log.Printf("control: Warning: %s %s failed after %d attempts: %v — degraded mode", method, path, maxRetries+1, lastErr)
	return fmt.Errorf("%w: %v", party.ErrUnavailable, lastErr)
}

func (r *Remote) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, _ := r.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		r.reauth()
	}
	return resp.StatusCode, body, nil
}

func (r *Remote) setDegraded(v bool) {
	r.mu.Lock()
	if r.degraded != v {
		r.degraded = v
		if v {
			log.Printf("control: entering degraded mode — reads served from local shadow")
		} else {
			log.Printf("control: degraded mode cleared")
		}
	}
	r.mu.Unlock()
}

// wireError decodes the server's error envelope, falling back to the status
// mapping when the body is not an envelope.
func wireError(status int, body []byte) error {
	kind := party.ErrorFromStatus(status)
	var env party.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return fmt.Errorf("%w: %s", kind, env.Error.Message)
	}
	return fmt.Errorf("%w: status %d", kind, status)
}

// backoffDelay returns 250ms, 500ms, 1s... for attempt 1, 2, 3 with ±20%
// jitter so a crowd of clients does not stampede a recovering server.
func backoffDelay(attempt int) time.Duration {
	base := retryBaseDelay << (attempt - 1)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(base) * jitter)
}

// ── Heartbeat loops ─────────────────────────────────────────────────────────

// startHeartbeat runs one background loop for the (party, peer) pair. The
// loop exits when the peer leaves, on shutdown, or when the server reports
// the peer gone (reaped); unavailability is logged and retried next tick.
func (r *Remote) startHeartbeat(partyID, peerID string) {
	r.mu.Lock()
	if _, running := r.heartbeats[partyID]; running {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.heartbeats[partyID] = stop
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				err := r.Heartbeat(ctx, partyID, peerID)
				cancel()
				switch {
				case err == nil:
				case errors.Is(err, party.ErrNotFound):
					log.Printf("control: heartbeat: peer %s no longer in party %s — stopping", peerID, partyID)
					r.stopHeartbeat(partyID)
					return
				case errors.Is(err, party.ErrUnavailable):
					log.Printf("control: Warning: heartbeat for party %s: %v", partyID, err)
				default:
					log.Printf("control: Warning: heartbeat for party %s: %v", partyID, err)
				}
			}
		}
	}()
}

func (r *Remote) stopHeartbeat(partyID string) {
	r.mu.Lock()
	if stop, ok := r.heartbeats[partyID]; ok {
		close(stop)
		delete(r.heartbeats, partyID)
	}
	r.mu.Unlock()
}

// ── Local shadow ────────────────────────────────────────────────────────────

// shadow caches the last known membership view per party. The streaming
// worker is the only event-driven writer; HTTP replies refresh it too.
// Readers always receive clones.
type shadow struct {
	mu      sync.Mutex
	parties map[string]*party.PartyInfo
}

func newShadow() *shadow {
	return &shadow{parties: make(map[string]*party.PartyInfo)}
}

func (s *shadow) put(pt *party.PartyInfo) {
	s.mu.Lock()
	s.parties[pt.PartyID] = pt.Clone()
	s.mu.Unlock()
}

func (s *shadow) drop(partyID string) {
	s.mu.Lock()
	delete(s.parties, partyID)
	s.mu.Unlock()
}

func (s *shadow) get(partyID string) (*party.PartyInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.parties[partyID]
	if !ok {
		return nil, false
	}
	return pt.Clone(), true
}

func (s *shadow) getPeer(partyID, peerID string) (*party.PeerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.parties[partyID]
	if !ok {
		return nil, false
	}
	p, ok := pt.Peers[peerID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *shadow) setPeers(partyID string, peers map[string]*party.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.parties[partyID]
	if !ok {
		return
	}
	pt.Peers = make(map[string]*party.PeerInfo, len(peers))
	for id, p := range peers {
		pt.Peers[id] = p.Clone()
	}
}

func (s *shadow) join(partyID string, p *party.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.parties[partyID]
	if !ok {
		return
	}
	pt.Peers[p.PeerID] = p.Clone()
}

func (s *shadow) leave(partyID, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.parties[partyID]
	if !ok {
		return
	}
	delete(pt.Peers, peerID)
	if len(pt.Peers) == 0 {
		delete(s.parties, partyID)
	}
}

func (s *shadow) updatePeer(partyID string, p *party.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.parties[partyID]
	if !ok {
		return
	}
	pt.Peers[p.PeerID] = p.Clone()
}
